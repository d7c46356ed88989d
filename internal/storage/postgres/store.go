package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"example.com/pixeltrack/internal/domain"
	"example.com/pixeltrack/internal/pipeline"
)

// Store implements pipeline.Store on top of a pgx pool.
type Store struct {
	db *DB
}

func NewStore(db *DB) *Store { return &Store{db: db} }

// WithTx runs fn inside one database transaction on one pooled connection;
// commit on nil, rollback on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx pipeline.Tx) error) error {
	return pgx.BeginFunc(ctx, s.db.Pool, func(ptx pgx.Tx) error {
		return fn(&storeTx{tx: ptx})
	})
}

func (s *Store) Ping(ctx context.Context) error { return s.db.Ready(ctx) }

const selectClientSQL = `
SELECT client_id, first_seen, last_seen,
       COALESCE(user_id, ''), COALESCE(email_hash, ''), COALESCE(phone_hash, ''),
       traits
FROM client_identities
WHERE client_id = $1`

func (s *Store) ClientIdentity(ctx context.Context, clientID string) (*domain.ClientIdentity, error) {
	var c domain.ClientIdentity
	err := s.db.Pool.QueryRow(ctx, selectClientSQL, clientID).Scan(
		&c.ClientID, &c.FirstSeen, &c.LastSeen,
		&c.UserID, &c.EmailHash, &c.PhoneHash,
		&c.Traits,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select client: %w", err)
	}
	return &c, nil
}

const selectSessionSQL = `
SELECT session_id, client_id, started_at, COALESCE(first_page, ''), COALESCE(last_page, '')
FROM sessions
WHERE session_id = $1`

func (s *Store) Session(ctx context.Context, sessionID string) (*domain.Session, error) {
	var sess domain.Session
	err := s.db.Pool.QueryRow(ctx, selectSessionSQL, sessionID).Scan(
		&sess.SessionID, &sess.ClientID, &sess.StartedAt, &sess.FirstPage, &sess.LastPage,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	return &sess, nil
}

type storeTx struct {
	tx pgx.Tx
}

const insertEventSQL = `
INSERT INTO events (
	event_id, event_name, client_id, session_id,
	occurred_at, ts_millis, user_agent,
	page, referrer, device, network, ecommerce, campaign,
	user_id, email_hash, phone_hash, traits,
	viewport_w, viewport_h, tz_offset, bot_score, raw_payload
) VALUES (
	$1, $2, $3, $4,
	$5, $6, $7,
	$8::jsonb, $9::jsonb, $10::jsonb, $11::jsonb, $12::jsonb, $13::jsonb,
	$14, $15, $16, $17::jsonb,
	$18, $19, $20, $21, $22::jsonb
)
RETURNING id`

func (t *storeTx) InsertEvent(ctx context.Context, ev *domain.Event) (int64, error) {
	var campaign any
	if ev.Campaign != nil {
		b, _ := json.Marshal(ev.Campaign)
		campaign = string(b)
	}

	var id int64
	err := t.tx.QueryRow(ctx, insertEventSQL,
		ev.EventID, ev.EventName, ev.ClientID, textOrNil(ev.SessionID),
		ev.OccurredAt, ev.TSMillis, textOrNil(ev.UserAgent),
		jsonbOrNil(ev.Page), jsonbOrNil(ev.Referrer), jsonbOrNil(ev.Device),
		jsonbOrNil(ev.Network), jsonbOrNil(ev.Ecommerce), campaign,
		textOrNil(ev.UserID), textOrNil(ev.EmailHash), textOrNil(ev.PhoneHash), jsonbOrNil(ev.Traits),
		ev.ViewportW, ev.ViewportH, ev.TZOffset, ev.BotScore, jsonbOrNil(ev.Raw),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

const insertMetaSQL = `
INSERT INTO request_metadata (event_ref, ip, headers, user_agent, request_id, geo)
VALUES ($1, $2, $3::jsonb, $4, $5, $6::jsonb)`

func (t *storeTx) InsertRequestMeta(ctx context.Context, meta *domain.RequestMeta) error {
	var headers any
	if len(meta.Headers) > 0 {
		b, _ := json.Marshal(meta.Headers)
		headers = string(b)
	}

	_, err := t.tx.Exec(ctx, insertMetaSQL,
		meta.EventRef, textOrNil(meta.IP), headers,
		textOrNil(meta.UserAgent), textOrNil(meta.RequestID), jsonbOrNil(meta.Geo),
	)
	if err != nil {
		return fmt.Errorf("insert request metadata: %w", err)
	}
	return nil
}

// upsertClientSQL implements the identity merge rules in SQL: last_seen is
// always refreshed, identity fields coalesce so an absent value never
// blanks a stored one, and traits are replaced wholesale only when the
// replace flag ($7) is set, else a carried blob wins over the stored one.
const upsertClientSQL = `
INSERT INTO client_identities (client_id, first_seen, last_seen, user_id, email_hash, phone_hash, traits)
VALUES ($1, $2, $2, $3, $4, $5, $6::jsonb)
ON CONFLICT (client_id) DO UPDATE SET
	last_seen  = excluded.last_seen,
	user_id    = COALESCE(excluded.user_id, client_identities.user_id),
	email_hash = COALESCE(excluded.email_hash, client_identities.email_hash),
	phone_hash = COALESCE(excluded.phone_hash, client_identities.phone_hash),
	traits     = CASE WHEN $7 THEN excluded.traits
	                  ELSE COALESCE(excluded.traits, client_identities.traits) END`

func (t *storeTx) UpsertClient(ctx context.Context, up domain.ClientUpdate) error {
	_, err := t.tx.Exec(ctx, upsertClientSQL,
		up.ClientID, up.SeenAt,
		textOrNil(up.UserID), textOrNil(up.EmailHash), textOrNil(up.PhoneHash),
		jsonbOrNil(up.Traits), up.SetTraits,
	)
	if err != nil {
		return fmt.Errorf("upsert client: %w", err)
	}
	return nil
}

// upsertSessionSQL keeps started_at and the first non-null first_page from
// the initial insert; client_id and last_page follow the latest event.
const upsertSessionSQL = `
INSERT INTO sessions (session_id, client_id, started_at, first_page, last_page)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (session_id) DO UPDATE SET
	client_id  = excluded.client_id,
	first_page = COALESCE(sessions.first_page, excluded.first_page),
	last_page  = COALESCE(excluded.last_page, sessions.last_page)`

func (t *storeTx) UpsertSession(ctx context.Context, up domain.SessionUpdate) error {
	_, err := t.tx.Exec(ctx, upsertSessionSQL,
		up.SessionID, up.ClientID, up.StartedAt, textOrNil(up.Page),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func textOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// jsonbOrNil passes raw JSON as a string for the ::jsonb cast; absent and
// JSON null blobs become SQL NULL.
func jsonbOrNil(raw json.RawMessage) any {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return string(raw)
}
