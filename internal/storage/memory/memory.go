// Package memory is a map-backed Store used by tests and local runs. It
// mirrors the Postgres store's upsert and transaction semantics closely
// enough to exercise the pipeline, including rollback on error.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/goccy/go-json"

	"example.com/pixeltrack/internal/domain"
	"example.com/pixeltrack/internal/pipeline"
)

// StoredEvent pairs a normalized event with its storage id.
type StoredEvent struct {
	ID int64
	domain.Event
}

type state struct {
	nextID   int64
	events   []StoredEvent
	clients  map[string]domain.ClientIdentity
	sessions map[string]domain.Session
	meta     []domain.RequestMeta
}

func (s *state) clone() state {
	out := state{
		nextID:   s.nextID,
		events:   append([]StoredEvent(nil), s.events...),
		clients:  make(map[string]domain.ClientIdentity, len(s.clients)),
		sessions: make(map[string]domain.Session, len(s.sessions)),
		meta:     append([]domain.RequestMeta(nil), s.meta...),
	}
	for k, v := range s.clients {
		out.clients[k] = v
	}
	for k, v := range s.sessions {
		out.sessions[k] = v
	}
	return out
}

// Store implements pipeline.Store. The zero value is not usable; call New.
//
// FailInsert and PingErr are fault hooks for tests: FailInsert, when set,
// is consulted before every event insert.
type Store struct {
	mu sync.Mutex
	s  state

	txs int

	FailInsert func(ev *domain.Event) error
	PingErr    error
}

func New() *Store {
	return &Store{s: state{
		clients:  make(map[string]domain.ClientIdentity),
		sessions: make(map[string]domain.Session),
	}}
}

// WithTx runs fn against a copy of the state and swaps it in only when fn
// succeeds, which gives the same all-or-nothing behavior as a database
// transaction. Transactions are serialized by the store mutex.
func (st *Store) WithTx(ctx context.Context, fn func(tx pipeline.Tx) error) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.txs++

	work := st.s.clone()
	if err := fn(&tx{store: st, s: &work}); err != nil {
		return err
	}
	st.s = work
	return nil
}

func (st *Store) ClientIdentity(ctx context.Context, clientID string) (*domain.ClientIdentity, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	c, ok := st.s.clients[clientID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (st *Store) Session(ctx context.Context, sessionID string) (*domain.Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (st *Store) Ping(ctx context.Context) error { return st.PingErr }

// Events returns a copy of all committed events in insertion order.
func (st *Store) Events() []StoredEvent {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]StoredEvent(nil), st.s.events...)
}

// Meta returns a copy of all committed request-metadata rows.
func (st *Store) Meta() []domain.RequestMeta {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]domain.RequestMeta(nil), st.s.meta...)
}

// TxCount reports how many transactions were started, including rolled
// back ones.
func (st *Store) TxCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.txs
}

type tx struct {
	store *Store
	s     *state
}

func (t *tx) InsertEvent(ctx context.Context, ev *domain.Event) (int64, error) {
	if t.store.FailInsert != nil {
		if err := t.store.FailInsert(ev); err != nil {
			return 0, err
		}
	}
	t.s.nextID++
	t.s.events = append(t.s.events, StoredEvent{ID: t.s.nextID, Event: *ev})
	return t.s.nextID, nil
}

func (t *tx) InsertRequestMeta(ctx context.Context, meta *domain.RequestMeta) error {
	t.s.meta = append(t.s.meta, *meta)
	return nil
}

func (t *tx) UpsertClient(ctx context.Context, up domain.ClientUpdate) error {
	cur, ok := t.s.clients[up.ClientID]
	if !ok {
		cur = domain.ClientIdentity{ClientID: up.ClientID, FirstSeen: up.SeenAt}
	}
	cur.LastSeen = up.SeenAt
	if up.UserID != "" {
		cur.UserID = up.UserID
	}
	if up.EmailHash != "" {
		cur.EmailHash = up.EmailHash
	}
	if up.PhoneHash != "" {
		cur.PhoneHash = up.PhoneHash
	}
	switch {
	case up.SetTraits:
		cur.Traits = normJSON(up.Traits)
	case normJSON(up.Traits) != nil:
		cur.Traits = up.Traits
	}
	t.s.clients[up.ClientID] = cur
	return nil
}

func (t *tx) UpsertSession(ctx context.Context, up domain.SessionUpdate) error {
	cur, ok := t.s.sessions[up.SessionID]
	if !ok {
		cur = domain.Session{
			SessionID: up.SessionID,
			ClientID:  up.ClientID,
			StartedAt: up.StartedAt,
			FirstPage: up.Page,
			LastPage:  up.Page,
		}
	} else {
		cur.ClientID = up.ClientID
		if cur.FirstPage == "" {
			cur.FirstPage = up.Page
		}
		if up.Page != "" {
			cur.LastPage = up.Page
		}
	}
	t.s.sessions[up.SessionID] = cur
	return nil
}

// normJSON treats absent and JSON null blobs as nil.
func normJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return raw
}
