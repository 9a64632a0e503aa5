package cockroach

// Schema creates the tables this service reads and writes. The conversation
// tables are owned by the conversation service; they are created here only
// if missing so a fresh development database works.
const Schema = `
CREATE TABLE IF NOT EXISTS conversation_participants (
	conversation_id UUID NOT NULL,
	user_id UUID NOT NULL,
	role STRING NOT NULL DEFAULT 'member',
	joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (conversation_id, user_id)
);

CREATE TABLE IF NOT EXISTS call_sessions (
	call_id UUID PRIMARY KEY,
	conversation_id UUID NOT NULL,
	caller_id UUID NOT NULL,
	callee_id UUID NOT NULL,
	state STRING NOT NULL,
	outcome STRING NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	connected_at TIMESTAMPTZ,
	ended_at TIMESTAMPTZ,
	reported_duration INT NOT NULL DEFAULT 0,
	observed_duration INT NOT NULL DEFAULT 0,
	INDEX idx_call_sessions_caller (caller_id, started_at DESC),
	INDEX idx_call_sessions_callee (callee_id, started_at DESC)
);
`
