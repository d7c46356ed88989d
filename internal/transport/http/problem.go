package transporthttp

import (
	"net/http"

	"github.com/goccy/go-json"

	"example.com/pixeltrack/internal/domain"
)

// Problem is the application/problem+json error envelope. Errors and
// Warnings carry the stable validation codes.
type Problem struct {
	Type     string        `json:"type,omitempty"`
	Title    string        `json:"title,omitempty"`
	Status   int           `json:"status,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Instance string        `json:"instance,omitempty"`
	Errors   []domain.Code `json:"errors,omitempty"`
	Warnings []domain.Code `json:"warnings,omitempty"`
}

func WriteProblem(w http.ResponseWriter, status int, title, detail string, errs, warns []domain.Code) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Title:    title,
		Status:   status,
		Detail:   detail,
		Errors:   errs,
		Warnings: warns,
	})
}
