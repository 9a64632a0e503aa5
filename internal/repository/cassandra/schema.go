package cassandra

// Schema lists the CQL statements that create the message tables, in order
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS conversation_seq (
		conversation_id uuid PRIMARY KEY,
		last_seq bigint
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		conversation_id uuid,
		seq bigint,
		message_id uuid,
		sender_id uuid,
		message_type text,
		content blob,
		read_by map<text, timestamp>,
		created_at timestamp,
		deleted_at timestamp,
		PRIMARY KEY ((conversation_id), seq)
	) WITH CLUSTERING ORDER BY (seq DESC)`,
	`CREATE TABLE IF NOT EXISTS messages_by_id (
		message_id uuid PRIMARY KEY,
		conversation_id uuid,
		seq bigint
	)`,
}
