package domain

import (
	"math"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Normalize reconciles an inbound event into the canonical record. Pure
// transform: requestUA is the request's User-Agent header (fallback when
// the payload carries none) and now is the injected server clock, used
// only when the payload carries no usable time at all.
func Normalize(in *EventInput, requestUA string, now time.Time) *Event {
	occurredAt, tsMillis := resolveOccurrence(in, now)

	campaign := in.Campaign
	if campaign == nil {
		campaign = legacyCampaign(in)
	}

	ua := in.UserAgent
	if ua == "" {
		ua = requestUA
	}

	botScore := 0.0
	if v, ok := coerceFinite(in.BotScore); ok {
		botScore = v
	}

	return &Event{
		EventID:   in.EventID,
		EventName: in.EventName,
		ClientID:  in.ClientID,
		SessionID: in.SessionID,

		OccurredAt: occurredAt,
		TSMillis:   tsMillis,

		PageLocation: pageLocation(in.Page),
		UserAgent:    ua,

		Page:      in.Page,
		Referrer:  in.Referrer,
		Device:    in.Device,
		Network:   in.Network,
		Ecommerce: in.Ecommerce,
		Campaign:  campaign,

		UserID:    in.UserID,
		EmailHash: in.EmailHash,
		PhoneHash: in.PhoneHash,
		Traits:    in.Traits,

		ViewportW: coerceIntPtr(in.ViewportWidth),
		ViewportH: coerceIntPtr(in.ViewportHeight),
		TZOffset:  coerceIntPtr(in.TimezoneOffset),
		BotScore:  botScore,

		Raw: in.Raw,
	}
}

// resolveOccurrence picks the occurrence time: occurred_at (RFC 3339) wins,
// else the legacy epoch-ms timestamp, else now. TSMillis keeps the original
// legacy value whenever one was sent, so the two representations can
// diverge when a payload carries both.
func resolveOccurrence(in *EventInput, now time.Time) (time.Time, int64) {
	legacy, hasLegacy := coerceFinite(in.Timestamp)

	if in.OccurredAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, in.OccurredAt); err == nil {
			t = t.UTC()
			if hasLegacy {
				return t, int64(legacy)
			}
			return t, t.UnixMilli()
		}
	}

	if hasLegacy {
		ms := int64(legacy)
		return time.UnixMilli(ms).UTC(), ms
	}

	now = now.UTC()
	return now, now.UnixMilli()
}

// legacyCampaign synthesizes a campaign object from the flat fields older
// pixels send. The mapping is enumerated field by field on purpose; no
// name-based guessing. Returns nil when no attribution was sent.
func legacyCampaign(in *EventInput) *Campaign {
	c := Campaign{
		Source:  in.UTMSource,
		Medium:  in.UTMMedium,
		Name:    in.UTMCampaign,
		Content: in.UTMContent,
		Term:    in.UTMTerm,
		GCLID:   in.GCLID,
		FBCLID:  in.FBCLID,
		MSCLKID: in.MSCLKID,
		TTCLID:  in.TTCLID,
		TWCLID:  in.TWCLID,
		LIFatID: in.LIFatID,
	}
	if c == (Campaign{}) {
		return nil
	}
	return &c
}

// pageLocation probes the free-form page object for a usable location,
// preferring path over full url.
func pageLocation(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var probe struct {
		Path string `json:"path"`
		URL  string `json:"url"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	if probe.Path != "" {
		return probe.Path
	}
	return probe.URL
}

// coerceFinite turns the loosely typed numerics pixels send (JSON numbers,
// numeric strings) into a finite float64. NaN and infinities do not count.
func coerceFinite(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func coerceIntPtr(v any) *int64 {
	f, ok := coerceFinite(v)
	if !ok {
		return nil
	}
	n := int64(f)
	return &n
}
