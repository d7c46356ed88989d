package domain

import (
	"time"

	"github.com/goccy/go-json"
)

// Event names the pixel emits. The set is open ended; purchase is the one
// the validator treats specially.
const (
	EventPageView = "page_view"
	EventClick    = "click"
	EventPurchase = "purchase"
)

// EventInput is the inbound record exactly as the tracking pixel sends it.
// Two generations of pixel are in the field: the current one sends
// occurred_at (RFC 3339) and a structured campaign object, older ones send
// an epoch-millisecond timestamp and flat utm_*/click-id fields. Both
// shapes decode into this struct and are reconciled by Normalize.
type EventInput struct {
	EventID   string `json:"event_id"`
	EventName string `json:"event_name"`
	ClientID  string `json:"client_id"`
	SessionID string `json:"session_id"`

	OccurredAt string `json:"occurred_at"` // RFC 3339, current pixels
	Timestamp  any    `json:"timestamp"`   // epoch millis, legacy pixels (number or numeric string)

	UserAgent string `json:"user_agent"`

	// Free-form sub-objects, stored verbatim. Page is additionally probed
	// for path/url to track session page locations.
	Page      json.RawMessage `json:"page"`
	Referrer  json.RawMessage `json:"referrer"`
	Device    json.RawMessage `json:"device"`
	Network   json.RawMessage `json:"network"`
	Ecommerce json.RawMessage `json:"ecommerce"`

	Campaign *Campaign `json:"campaign"`

	// Legacy flat attribution fields, superseded by Campaign.
	UTMSource   string `json:"utm_source"`
	UTMMedium   string `json:"utm_medium"`
	UTMCampaign string `json:"utm_campaign"`
	UTMContent  string `json:"utm_content"`
	UTMTerm     string `json:"utm_term"`
	GCLID       string `json:"gclid"`
	FBCLID      string `json:"fbclid"`
	MSCLKID     string `json:"msclkid"`
	TTCLID      string `json:"ttclid"`
	TWCLID      string `json:"twclid"`
	LIFatID     string `json:"li_fat_id"`

	// Identity resolution fields, folded into the client record.
	UserID    string          `json:"user_id"`
	EmailHash string          `json:"email_hash"`
	PhoneHash string          `json:"phone_hash"`
	Traits    json.RawMessage `json:"traits"`

	// Numeric fields older pixels sometimes send as strings; coerced with
	// a finiteness check during normalization.
	ViewportWidth  any `json:"viewport_width"`
	ViewportHeight any `json:"viewport_height"`
	TimezoneOffset any `json:"timezone_offset"` // minutes from UTC
	BotScore       any `json:"bot_score"`

	// Raw is the request body as received, set by the transport layer.
	Raw json.RawMessage `json:"-"`
}

// Campaign is the structured attribution object. JSON keys keep the wire
// names so a campaign synthesized from legacy flat fields is
// indistinguishable from one sent by a current pixel.
type Campaign struct {
	Source  string `json:"utm_source,omitempty"`
	Medium  string `json:"utm_medium,omitempty"`
	Name    string `json:"utm_campaign,omitempty"`
	Content string `json:"utm_content,omitempty"`
	Term    string `json:"utm_term,omitempty"`
	GCLID   string `json:"gclid,omitempty"`
	FBCLID  string `json:"fbclid,omitempty"`
	MSCLKID string `json:"msclkid,omitempty"`
	TTCLID  string `json:"ttclid,omitempty"`
	TWCLID  string `json:"twclid,omitempty"`
	LIFatID string `json:"li_fat_id,omitempty"`
}

// Event is the normalized, storable record produced by Normalize.
type Event struct {
	EventID   string
	EventName string
	ClientID  string
	SessionID string

	OccurredAt time.Time // resolved occurrence time
	TSMillis   int64     // legacy epoch-ms representation (see Normalize)

	PageLocation string // derived from page.path/page.url, "" when absent
	UserAgent    string

	Page      json.RawMessage
	Referrer  json.RawMessage
	Device    json.RawMessage
	Network   json.RawMessage
	Ecommerce json.RawMessage
	Campaign  *Campaign

	UserID    string
	EmailHash string
	PhoneHash string
	Traits    json.RawMessage

	ViewportW *int64
	ViewportH *int64
	TZOffset  *int64
	BotScore  float64

	Raw json.RawMessage
}

// ClientIdentity is the persistent per-device record.
type ClientIdentity struct {
	ClientID  string          `json:"client_id"`
	FirstSeen time.Time       `json:"first_seen"`
	LastSeen  time.Time       `json:"last_seen"`
	UserID    string          `json:"user_id,omitempty"`
	EmailHash string          `json:"email_hash,omitempty"`
	PhoneHash string          `json:"phone_hash,omitempty"`
	Traits    json.RawMessage `json:"traits,omitempty"`
}

// Session is the persistent per-session record.
type Session struct {
	SessionID string    `json:"session_id"`
	ClientID  string    `json:"client_id"`
	StartedAt time.Time `json:"started_at"`
	FirstPage string    `json:"first_page,omitempty"`
	LastPage  string    `json:"last_page,omitempty"`
}

// ClientUpdate carries one client-identity upsert. Empty identity fields
// are treated as absent and never overwrite stored values; Traits replaces
// the stored blob only when SetTraits is true (explicit /users upserts) or
// when non-nil (event-carried traits).
type ClientUpdate struct {
	ClientID  string
	SeenAt    time.Time
	UserID    string
	EmailHash string
	PhoneHash string
	Traits    json.RawMessage
	SetTraits bool
}

// SessionUpdate carries one session upsert. Page may be empty, in which
// case neither first_page nor last_page is touched.
type SessionUpdate struct {
	SessionID string
	ClientID  string
	StartedAt time.Time
	Page      string
}

// RequestInfo is what the transport layer knows about the HTTP request an
// event arrived on; persisted next to the event for audit and debugging.
type RequestInfo struct {
	IP        string
	Headers   map[string][]string
	UserAgent string
	RequestID string
}

// RequestMeta is the persistent request-metadata row. EventRef is the
// storage id of the event it belongs to, nil for batch aggregate rows.
// Geo stays nil until an enrichment stage exists.
type RequestMeta struct {
	EventRef  *int64
	IP        string
	Headers   map[string][]string
	UserAgent string
	RequestID string
	Geo       json.RawMessage
}
