package store

// PostgresSchema creates the tables used by Store.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id UUID PRIMARY KEY,
	user_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	audio_url TEXT,
	transcript TEXT NOT NULL DEFAULT '',
	last_transcript_preview TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS conversations_user_idx ON conversations (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS actions (
	id UUID PRIMARY KEY,
	conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'created',
	title TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	query TEXT NOT NULL DEFAULT '',
	datetime TIMESTAMPTZ,
	transcript_start BIGINT NOT NULL DEFAULT 0,
	transcript_end BIGINT NOT NULL DEFAULT 0,
	transcript_excerpt TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS actions_conversation_idx ON actions (conversation_id);

CREATE TABLE IF NOT EXISTS conversation_logs (
	id UUID PRIMARY KEY,
	conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	start_time BIGINT NOT NULL,
	end_time BIGINT NOT NULL,
	speaker TEXT NOT NULL,
	summary TEXT NOT NULL,
	transcript_excerpt TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS conversation_logs_conversation_idx ON conversation_logs (conversation_id, start_time);

CREATE TABLE IF NOT EXISTS device_push_tokens (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	user_id TEXT NOT NULL,
	token TEXT NOT NULL,
	platform TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (user_id, token)
);

CREATE TABLE IF NOT EXISTS session_events (
	id BIGSERIAL PRIMARY KEY,
	conversation_id UUID NOT NULL,
	event_type TEXT NOT NULL,
	event_data JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS session_events_conversation_idx ON session_events (conversation_id, created_at);
`

// SQLiteSchema creates the tables used by SQLiteStore. Timestamps are unix
// milliseconds.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	audio_url TEXT,
	transcript TEXT NOT NULL DEFAULT '',
	last_transcript_preview TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS actions (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'created',
	title TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	query TEXT NOT NULL DEFAULT '',
	datetime INTEGER,
	transcript_start INTEGER NOT NULL DEFAULT 0,
	transcript_end INTEGER NOT NULL DEFAULT 0,
	transcript_excerpt TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_logs (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL,
	speaker TEXT NOT NULL,
	summary TEXT NOT NULL,
	transcript_excerpt TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS device_push_tokens (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	token TEXT NOT NULL,
	platform TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE (user_id, token)
);
`
