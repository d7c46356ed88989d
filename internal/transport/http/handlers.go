package transporthttp

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/pixeltrack/internal/config"
	"example.com/pixeltrack/internal/domain"
	"example.com/pixeltrack/internal/pipeline"
)

type ServerDeps struct {
	Cfg      config.Config
	Pipeline *pipeline.Pipeline
	Store    pipeline.Store
}

func decodeJSONStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeDecodeError maps body read/decode failures: an exceeded body cap is
// 413, everything else 400.
func writeDecodeError(w http.ResponseWriter, err error) {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		WriteProblem(w, http.StatusRequestEntityTooLarge, "payload too large",
			"request body exceeds the configured limit", nil, nil)
		return
	}
	WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil, nil)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readBody consumes the whole body so the verbatim payload can be stored
// with the event.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeDecodeError(w, err)
		return nil, false
	}
	return body, true
}

// --- Health ---

func (d *ServerDeps) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (d *ServerDeps) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := d.Store.Ping(r.Context()); err != nil {
		WriteProblem(w, http.StatusServiceUnavailable, "not ready", "storage not reachable", nil, nil)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// --- Events (single) ---

type ingestResp struct {
	Status   string        `json:"status"`
	ID       int64         `json:"id,omitempty"`
	Warnings []domain.Code `json:"warnings,omitempty"`
}

func (d *ServerDeps) HandlePostEvent(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var in domain.EventInput
	if err := json.Unmarshal(body, &in); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil, nil)
		return
	}
	in.Raw = body
	d.ingestOne(w, r, &in)
}

func (d *ServerDeps) ingestOne(w http.ResponseWriter, r *http.Request, in *domain.EventInput) {
	res, err := d.Pipeline.IngestOne(r.Context(), in, ExtractRequestInfo(r))
	if err != nil {
		WriteProblem(w, http.StatusInternalServerError, "storage error", "event could not be persisted", nil, nil)
		return
	}
	switch res.Status {
	case pipeline.StatusRejected:
		WriteProblem(w, http.StatusBadRequest, "validation failed", "event was rejected", res.Errors, res.Warnings)
	case pipeline.StatusDuplicate:
		respondJSON(w, http.StatusOK, ingestResp{Status: "duplicate", Warnings: res.Warnings})
	default:
		respondJSON(w, http.StatusOK, ingestResp{Status: "stored", ID: res.StorageID, Warnings: res.Warnings})
	}
}

// --- Events (bulk) ---

type bulkResp struct {
	Ingested int `json:"ingested"`
}

func (d *ServerDeps) HandlePostEventsBulk(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var items []domain.EventInput
	if err := json.Unmarshal(body, &items); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", "expected a JSON array of events", nil, nil)
		return
	}
	if len(items) > d.Cfg.MaxBatchEvents {
		WriteProblem(w, http.StatusBadRequest, "batch too large",
			fmt.Sprintf("max %d events per batch", d.Cfg.MaxBatchEvents), nil, nil)
		return
	}

	n, err := d.Pipeline.IngestBatch(r.Context(), items, ExtractRequestInfo(r))
	if err != nil {
		WriteProblem(w, http.StatusInternalServerError, "storage error", "batch could not be persisted", nil, nil)
		return
	}
	respondJSON(w, http.StatusOK, bulkResp{Ingested: n})
}

// --- Purchase (legacy pixel route) ---

// purchaseReq is the flat shape the old checkout snippet still sends. It
// is mapped onto a regular purchase event and runs through the same
// pipeline entry point as everything else.
type purchaseReq struct {
	EventID    string          `json:"event_id"`
	ClientID   string          `json:"client_id"`
	SessionID  string          `json:"session_id"`
	OccurredAt string          `json:"occurred_at"`
	Timestamp  any             `json:"timestamp"`
	UserID     string          `json:"user_id"`
	Value      any             `json:"value"`
	Currency   any             `json:"currency"`
	OrderID    string          `json:"order_id"`
	Items      json.RawMessage `json:"items"`
	Page       json.RawMessage `json:"page"`
}

func (d *ServerDeps) HandlePostPurchase(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var pr purchaseReq
	if err := json.Unmarshal(body, &pr); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil, nil)
		return
	}

	ecom := map[string]any{"value": pr.Value, "currency": pr.Currency}
	if pr.OrderID != "" {
		ecom["order_id"] = pr.OrderID
	}
	if len(pr.Items) > 0 {
		ecom["items"] = pr.Items
	}
	ecomRaw, _ := json.Marshal(ecom)

	in := domain.EventInput{
		EventID:    pr.EventID,
		EventName:  domain.EventPurchase,
		ClientID:   pr.ClientID,
		SessionID:  pr.SessionID,
		OccurredAt: pr.OccurredAt,
		Timestamp:  pr.Timestamp,
		UserID:     pr.UserID,
		Page:       pr.Page,
		Ecommerce:  ecomRaw,
		Raw:        body,
	}
	d.ingestOne(w, r, &in)
}

// --- Users ---

type userUpsertReq struct {
	ClientID  string          `json:"client_id"`
	UserID    string          `json:"user_id"`
	EmailHash string          `json:"email_hash"`
	PhoneHash string          `json:"phone_hash"`
	Traits    json.RawMessage `json:"traits"`
}

func (d *ServerDeps) HandleUpsertUser(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var req userUpsertReq
	if err := decodeJSONStrict(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if req.ClientID == "" {
		WriteProblem(w, http.StatusBadRequest, "validation failed", "client_id is required",
			[]domain.Code{domain.CodeMissingClientID}, nil)
		return
	}

	err := d.Pipeline.UpsertUser(r.Context(), domain.ClientUpdate{
		ClientID:  req.ClientID,
		UserID:    req.UserID,
		EmailHash: req.EmailHash,
		PhoneHash: req.PhoneHash,
		Traits:    req.Traits,
	})
	if err != nil {
		WriteProblem(w, http.StatusInternalServerError, "storage error", "user could not be upserted", nil, nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *ServerDeps) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	client, err := d.Store.ClientIdentity(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		WriteProblem(w, http.StatusInternalServerError, "storage error", "lookup failed", nil, nil)
		return
	}
	if client == nil {
		WriteProblem(w, http.StatusNotFound, "not found", "unknown client_id", nil, nil)
		return
	}
	respondJSON(w, http.StatusOK, client)
}

func (d *ServerDeps) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := d.Store.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		WriteProblem(w, http.StatusInternalServerError, "storage error", "lookup failed", nil, nil)
		return
	}
	if sess == nil {
		WriteProblem(w, http.StatusNotFound, "not found", "unknown session_id", nil, nil)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// --- Router ---

func (d *ServerDeps) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(chimw.Recoverer)
	r.Use(RequestLogger)
	r.Use(Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: d.Cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", d.HandleHealthz)
	r.Get("/readyz", d.HandleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(RequireJSON)
			r.Use(BodyLimit(d.Cfg.MaxBodyBytes))
			r.Post("/events", d.HandlePostEvent)
			r.Post("/events/bulk", d.HandlePostEventsBulk)
			r.Post("/purchase", d.HandlePostPurchase)
			r.Post("/users", d.HandleUpsertUser)
		})
		r.Get("/users/{clientID}", d.HandleGetUser)
		r.Get("/sessions/{sessionID}", d.HandleGetSession)
	})

	return r
}
