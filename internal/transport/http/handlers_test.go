package transporthttp

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"example.com/pixeltrack/internal/config"
	"example.com/pixeltrack/internal/dedupe"
	"example.com/pixeltrack/internal/domain"
	"example.com/pixeltrack/internal/pipeline"
	"example.com/pixeltrack/internal/storage/memory"
)

func testDeps(t *testing.T) (*ServerDeps, *memory.Store) {
	t.Helper()
	st := memory.New()
	p := pipeline.New(st, dedupe.NewWindow(time.Minute))
	p.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	deps := &ServerDeps{
		Cfg: config.Config{
			Port:           "8080",
			MaxBodyBytes:   1 << 20,
			MaxBatchEvents: 100,
			CORSOrigins:    []string{"*"},
		},
		Pipeline: p,
		Store:    st,
	}
	return deps, st
}

func doJSON(h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPostEventStored(t *testing.T) {
	deps, st := testDeps(t)
	h := deps.Router()

	body := `{"event_id":"e1","event_name":"page_view","client_id":"c-1","session_id":"s-1","page":{"path":"/home"}}`
	rec := doJSON(h, http.MethodPost, "/v1/events", body, map[string]string{
		"X-Forwarded-For": "203.0.113.9, 10.0.0.1",
		"X-Request-ID":    "req-abc",
		"User-Agent":      "PixelTest/1.0",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp ingestResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "stored" || resp.ID == 0 {
		t.Fatalf("resp = %+v, want stored with id", resp)
	}

	events := st.Events()
	if len(events) != 1 {
		t.Fatalf("stored events = %d, want 1", len(events))
	}
	if string(events[0].Raw) != body {
		t.Error("raw payload must be stored verbatim")
	}
	if events[0].UserAgent != "PixelTest/1.0" {
		t.Errorf("UserAgent = %q, want header fallback", events[0].UserAgent)
	}

	meta := st.Meta()
	if len(meta) != 1 {
		t.Fatalf("meta rows = %d, want 1", len(meta))
	}
	if meta[0].IP != "203.0.113.9" {
		t.Errorf("meta IP = %q, want first forwarded-for value", meta[0].IP)
	}
	if meta[0].RequestID != "req-abc" {
		t.Errorf("meta RequestID = %q, want req-abc", meta[0].RequestID)
	}
}

func TestPostEventValidationProblem(t *testing.T) {
	deps, st := testDeps(t)
	h := deps.Router()

	rec := doJSON(h, http.MethodPost, "/v1/events",
		`{"event_id":"e1","event_name":"page_view"}`, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want problem+json", ct)
	}
	var p Problem
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range p.Errors {
		if c == domain.CodeMissingClientID {
			found = true
		}
	}
	if !found {
		t.Errorf("Errors = %v, want missing_client_id", p.Errors)
	}
	if len(p.Warnings) != 1 || p.Warnings[0] != domain.CodeMissingSessionID {
		t.Errorf("Warnings = %v, want [missing_session_id]", p.Warnings)
	}
	if len(st.Events()) != 0 {
		t.Error("rejected event must not be stored")
	}
}

func TestPostEventDuplicate(t *testing.T) {
	deps, _ := testDeps(t)
	h := deps.Router()

	body := `{"event_id":"e1","event_name":"click","client_id":"c-1","session_id":"s-1"}`
	if rec := doJSON(h, http.MethodPost, "/v1/events", body, nil); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := doJSON(h, http.MethodPost, "/v1/events", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second status = %d, duplicates are not errors", rec.Code)
	}
	var resp ingestResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "duplicate" {
		t.Errorf("status = %q, want duplicate", resp.Status)
	}
}

func TestPostEventStorageFault(t *testing.T) {
	deps, st := testDeps(t)
	st.FailInsert = func(ev *domain.Event) error { return errors.New("boom") }
	h := deps.Router()

	rec := doJSON(h, http.MethodPost, "/v1/events",
		`{"event_id":"e1","event_name":"click","client_id":"c-1","session_id":"s-1"}`, nil)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 for storage faults", rec.Code)
	}
	var p Problem
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Title != "storage error" {
		t.Errorf("title = %q, want storage error", p.Title)
	}
	if len(p.Errors) != 0 {
		t.Errorf("Errors = %v, storage faults carry no validation codes", p.Errors)
	}
}

func TestPostEventRequiresJSON(t *testing.T) {
	deps, _ := testDeps(t)
	h := deps.Router()

	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader("event_id=e1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", rec.Code)
	}
}

func TestPostEventBodyLimit(t *testing.T) {
	deps, _ := testDeps(t)
	deps.Cfg.MaxBodyBytes = 2048
	h := deps.Router()

	big := `{"event_id":"e1","event_name":"click","client_id":"c-1","device":{"pad":"` +
		strings.Repeat("x", 4096) + `"}}`
	rec := doJSON(h, http.MethodPost, "/v1/events", big, nil)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestPostEventsBulk(t *testing.T) {
	deps, st := testDeps(t)
	h := deps.Router()

	body := `[
		{"event_id":"a","event_name":"page_view","client_id":"c-1","session_id":"s-1"},
		{"event_name":"page_view","client_id":"c-1"},
		{"event_id":"c","event_name":"click","client_id":"c-1","session_id":"s-1"}
	]`
	rec := doJSON(h, http.MethodPost, "/v1/events/bulk", body, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp bulkResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Ingested != 2 {
		t.Errorf("ingested = %d, want 2", resp.Ingested)
	}
	if len(st.Meta()) != 1 || st.Meta()[0].EventRef != nil {
		t.Errorf("meta = %+v, want one aggregate row without event_ref", st.Meta())
	}
}

func TestPostEventsBulkCap(t *testing.T) {
	deps, _ := testDeps(t)
	deps.Cfg.MaxBatchEvents = 2
	h := deps.Router()

	body := `[
		{"event_id":"a","event_name":"click","client_id":"c-1"},
		{"event_id":"b","event_name":"click","client_id":"c-1"},
		{"event_id":"c","event_name":"click","client_id":"c-1"}
	]`
	if rec := doJSON(h, http.MethodPost, "/v1/events/bulk", body, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestPostEventsBulkRejectsNonArray(t *testing.T) {
	deps, _ := testDeps(t)
	h := deps.Router()

	if rec := doJSON(h, http.MethodPost, "/v1/events/bulk", `{"events":[]}`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestPostEventsBulkStorageFault(t *testing.T) {
	deps, st := testDeps(t)
	st.FailInsert = func(ev *domain.Event) error {
		if ev.EventID == "b" {
			return errors.New("boom")
		}
		return nil
	}
	h := deps.Router()

	body := `[
		{"event_id":"a","event_name":"click","client_id":"c-1","session_id":"s-1"},
		{"event_id":"b","event_name":"click","client_id":"c-1","session_id":"s-1"}
	]`
	rec := doJSON(h, http.MethodPost, "/v1/events/bulk", body, nil)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if len(st.Events()) != 0 {
		t.Error("mid-batch fault must roll back the whole batch")
	}
}

func TestPostPurchase(t *testing.T) {
	deps, st := testDeps(t)
	h := deps.Router()

	body := `{"event_id":"p1","client_id":"c-1","session_id":"s-1","value":49.99,"currency":"USD","order_id":"ord-1"}`
	rec := doJSON(h, http.MethodPost, "/v1/purchase", body, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	events := st.Events()
	if len(events) != 1 {
		t.Fatalf("stored events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.EventName != domain.EventPurchase {
		t.Errorf("EventName = %q, want purchase", ev.EventName)
	}
	if string(ev.Raw) != body {
		t.Error("legacy body must be stored verbatim")
	}

	var ecom map[string]any
	if err := json.Unmarshal(ev.Ecommerce, &ecom); err != nil {
		t.Fatal(err)
	}
	if ecom["value"] != 49.99 || ecom["currency"] != "USD" || ecom["order_id"] != "ord-1" {
		t.Errorf("ecommerce = %v, want mapped purchase fields", ecom)
	}
}

func TestPostPurchaseInvalid(t *testing.T) {
	deps, _ := testDeps(t)
	h := deps.Router()

	rec := doJSON(h, http.MethodPost, "/v1/purchase",
		`{"event_id":"p1","client_id":"c-1","session_id":"s-1","currency":"USD"}`, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var p Problem
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Errors) != 1 || p.Errors[0] != domain.CodeInvalidEcommerceValue {
		t.Errorf("Errors = %v, want [invalid_ecommerce_value]", p.Errors)
	}
}

func TestUserUpsertAndLookup(t *testing.T) {
	deps, _ := testDeps(t)
	h := deps.Router()

	rec := doJSON(h, http.MethodPost, "/v1/users",
		`{"client_id":"c-9","user_id":"u-9","traits":{"plan":"pro"}}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert status = %d, body = %s", rec.Code, rec.Body)
	}

	rec = doJSON(h, http.MethodGet, "/v1/users/c-9", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup status = %d", rec.Code)
	}
	var client domain.ClientIdentity
	if err := json.Unmarshal(rec.Body.Bytes(), &client); err != nil {
		t.Fatal(err)
	}
	if client.UserID != "u-9" || string(client.Traits) != `{"plan":"pro"}` {
		t.Errorf("client = %+v, want upserted fields", client)
	}

	if rec := doJSON(h, http.MethodGet, "/v1/users/nobody", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown client status = %d, want 404", rec.Code)
	}
}

func TestUserUpsertRequiresClientID(t *testing.T) {
	deps, _ := testDeps(t)
	h := deps.Router()

	rec := doJSON(h, http.MethodPost, "/v1/users", `{"user_id":"u-9"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var p Problem
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Errors) != 1 || p.Errors[0] != domain.CodeMissingClientID {
		t.Errorf("Errors = %v, want [missing_client_id]", p.Errors)
	}
}

func TestGetSession(t *testing.T) {
	deps, _ := testDeps(t)
	h := deps.Router()

	body := `{"event_id":"e1","event_name":"page_view","client_id":"c-1","session_id":"s-7","page":{"path":"/a"}}`
	if rec := doJSON(h, http.MethodPost, "/v1/events", body, nil); rec.Code != http.StatusOK {
		t.Fatalf("seed status = %d", rec.Code)
	}

	rec := doJSON(h, http.MethodGet, "/v1/sessions/s-7", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var sess domain.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatal(err)
	}
	if sess.ClientID != "c-1" || sess.FirstPage != "/a" {
		t.Errorf("session = %+v, want seeded fields", sess)
	}

	if rec := doJSON(h, http.MethodGet, "/v1/sessions/missing", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	deps, st := testDeps(t)
	h := deps.Router()

	if rec := doJSON(h, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", rec.Code)
	}
	if rec := doJSON(h, http.MethodGet, "/readyz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("readyz = %d, want 200", rec.Code)
	}

	st.PingErr = errors.New("down")
	if rec := doJSON(h, http.MethodGet, "/readyz", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with storage down = %d, want 503", rec.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	deps, _ := testDeps(t)
	h := deps.Router()

	rec := doJSON(h, http.MethodGet, "/healthz", "", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("response must carry a generated X-Request-ID")
	}

	rec = doJSON(h, http.MethodGet, "/healthz", "", map[string]string{"X-Request-ID": "upstream-1"})
	if got := rec.Header().Get("X-Request-ID"); got != "upstream-1" {
		t.Errorf("X-Request-ID = %q, want upstream id echoed", got)
	}
}
