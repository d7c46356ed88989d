package postgres

// One statement block, executed over the simple protocol so the multiple
// statements run in one round trip.
const schema = `
CREATE TABLE IF NOT EXISTS events (
	id          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	event_id    TEXT        NOT NULL,
	event_name  TEXT        NOT NULL,
	client_id   TEXT        NOT NULL,
	session_id  TEXT,
	occurred_at TIMESTAMPTZ NOT NULL,
	ts_millis   BIGINT      NOT NULL,
	user_agent  TEXT,
	page        JSONB,
	referrer    JSONB,
	device      JSONB,
	network     JSONB,
	ecommerce   JSONB,
	campaign    JSONB,
	user_id     TEXT,
	email_hash  TEXT,
	phone_hash  TEXT,
	traits      JSONB,
	viewport_w  INTEGER,
	viewport_h  INTEGER,
	tz_offset   INTEGER,
	bot_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
	raw_payload JSONB,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_events_client_time ON events (client_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_events_name_eid    ON events (event_name, event_id);

CREATE TABLE IF NOT EXISTS client_identities (
	client_id  TEXT PRIMARY KEY,
	first_seen TIMESTAMPTZ NOT NULL,
	last_seen  TIMESTAMPTZ NOT NULL,
	user_id    TEXT,
	email_hash TEXT,
	phone_hash TEXT,
	traits     JSONB
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	client_id  TEXT        NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	first_page TEXT,
	last_page  TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_client ON sessions (client_id);

CREATE TABLE IF NOT EXISTS request_metadata (
	id          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	event_ref   BIGINT,
	ip          TEXT,
	headers     JSONB,
	user_agent  TEXT,
	request_id  TEXT,
	geo         JSONB,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
