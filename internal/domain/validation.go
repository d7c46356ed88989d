package domain

import "github.com/goccy/go-json"

// Code is a stable machine-readable validation code. Codes are part of the
// API contract; downstream consumers key on them, so they never change.
type Code string

const (
	// Hard errors: the event is rejected.
	CodeMissingEventID           Code = "missing_event_id"
	CodeMissingEventName         Code = "missing_event_name"
	CodeMissingClientID          Code = "missing_client_id"
	CodeInvalidEcommerceValue    Code = "invalid_ecommerce_value"
	CodeInvalidEcommerceCurrency Code = "invalid_ecommerce_currency"

	// Soft warnings: the event is stored, the caller is told.
	CodeMissingSessionID Code = "missing_session_id"
)

// ValidationResult splits findings by severity. An event with a non-empty
// Errors slice must not be stored; Warnings never block.
type ValidationResult struct {
	Errors   []Code `json:"errors,omitempty"`
	Warnings []Code `json:"warnings,omitempty"`
}

// Valid reports whether the event may proceed to storage.
func (r ValidationResult) Valid() bool { return len(r.Errors) == 0 }

// Validate checks an inbound event. Pure; no I/O, no clock.
func Validate(in *EventInput) ValidationResult {
	var res ValidationResult

	// Required fields
	if in.EventID == "" {
		res.Errors = append(res.Errors, CodeMissingEventID)
	}
	if in.EventName == "" {
		res.Errors = append(res.Errors, CodeMissingEventName)
	}
	if in.ClientID == "" {
		res.Errors = append(res.Errors, CodeMissingClientID)
	}
	if in.SessionID == "" {
		res.Warnings = append(res.Warnings, CodeMissingSessionID)
	}

	// Purchases additionally need a well-typed ecommerce object: value must
	// be a JSON number and currency a JSON string. Absent counts the same
	// as ill-typed so each field gets exactly one code.
	if in.EventName == EventPurchase {
		value, currency := probeEcommerce(in.Ecommerce)
		if _, ok := value.(float64); !ok {
			res.Errors = append(res.Errors, CodeInvalidEcommerceValue)
		}
		if _, ok := currency.(string); !ok {
			res.Errors = append(res.Errors, CodeInvalidEcommerceCurrency)
		}
	}

	return res
}

func probeEcommerce(raw json.RawMessage) (value, currency any) {
	if len(raw) == 0 {
		return nil, nil
	}
	var probe struct {
		Value    any `json:"value"`
		Currency any `json:"currency"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, nil
	}
	return probe.Value, probe.Currency
}
