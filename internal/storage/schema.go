package storage

import "context"

// Schema is the DDL the Postgres store expects. Deployments with a migration
// pipeline own their own copies; EnsureSchema applies it directly for tools
// and integration tests. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS realms (
	name       text PRIMARY KEY,
	created_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id            uuid PRIMARY KEY,
	realm         text NOT NULL REFERENCES realms(name),
	email         text NOT NULL DEFAULT '',
	phone         text NOT NULL DEFAULT '',
	password_hash text NOT NULL DEFAULT '',
	status        text NOT NULL,
	roles         text[] NOT NULL DEFAULT '{}',
	created_at    timestamptz NOT NULL,
	updated_at    timestamptz NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS users_realm_email_key ON users (realm, email) WHERE email <> '';
CREATE UNIQUE INDEX IF NOT EXISTS users_realm_phone_key ON users (realm, phone) WHERE phone <> '';

CREATE TABLE IF NOT EXISTS roles (
	realm       text NOT NULL REFERENCES realms(name),
	name        text NOT NULL,
	description text NOT NULL DEFAULT '',
	created_at  timestamptz NOT NULL,
	PRIMARY KEY (realm, name)
);

CREATE TABLE IF NOT EXISTS tokens (
	id              uuid PRIMARY KEY,
	user_id         uuid NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	realm           text NOT NULL,
	token_hash      text NOT NULL UNIQUE,
	type            text NOT NULL,
	revoked         boolean NOT NULL DEFAULT false,
	token_family    uuid NOT NULL,
	parent_token_id uuid NOT NULL,
	first_used_at   timestamptz,
	last_used_at    timestamptz,
	created_at      timestamptz NOT NULL,
	expires_at      timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS tokens_user_idx ON tokens (user_id);
CREATE INDEX IF NOT EXISTS tokens_family_idx ON tokens (token_family);
CREATE INDEX IF NOT EXISTS tokens_expires_idx ON tokens (expires_at);

CREATE TABLE IF NOT EXISTS failed_attempts (
	id           uuid PRIMARY KEY,
	realm        text NOT NULL,
	identifier   text NOT NULL,
	user_id      uuid NOT NULL,
	ip_address   text NOT NULL DEFAULT '',
	attempted_at timestamptz NOT NULL,
	reason       text NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS failed_attempts_identifier_idx ON failed_attempts (realm, identifier, attempted_at);
CREATE INDEX IF NOT EXISTS failed_attempts_ip_idx ON failed_attempts (realm, ip_address, attempted_at);
CREATE INDEX IF NOT EXISTS failed_attempts_user_idx ON failed_attempts (user_id, attempted_at);

CREATE TABLE IF NOT EXISTS account_locks (
	user_id      uuid PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	locked_until timestamptz,
	reason       text NOT NULL DEFAULT '',
	locked_at    timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS mfa_methods (
	id             uuid PRIMARY KEY,
	user_id        uuid NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	type           text NOT NULL,
	secret         text NOT NULL DEFAULT '',
	contact        text NOT NULL DEFAULT '',
	label          text NOT NULL DEFAULT '',
	active         boolean NOT NULL DEFAULT false,
	last_used_step bigint NOT NULL DEFAULT 0,
	created_at     timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS mfa_methods_user_idx ON mfa_methods (user_id);

CREATE TABLE IF NOT EXISTS mfa_challenges (
	id          uuid PRIMARY KEY,
	user_id     uuid NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	method_id   uuid NOT NULL,
	code_hash   text NOT NULL,
	enrollment  boolean NOT NULL DEFAULT false,
	created_at  timestamptz NOT NULL,
	expires_at  timestamptz NOT NULL,
	consumed_at timestamptz
);
CREATE INDEX IF NOT EXISTS mfa_challenges_expires_idx ON mfa_challenges (expires_at);

CREATE TABLE IF NOT EXISTS mfa_trusted_devices (
	id           uuid PRIMARY KEY,
	user_id      uuid NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	fingerprint  text NOT NULL,
	name         text NOT NULL DEFAULT '',
	trusted_at   timestamptz NOT NULL,
	last_used_at timestamptz,
	expires_at   timestamptz
);
CREATE UNIQUE INDEX IF NOT EXISTS mfa_trusted_devices_fp_key ON mfa_trusted_devices (user_id, fingerprint);

CREATE TABLE IF NOT EXISTS mfa_backup_codes (
	user_id    uuid NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	code_index integer NOT NULL,
	code_hash  text NOT NULL,
	used_at    timestamptz,
	PRIMARY KEY (user_id, code_index)
);

CREATE TABLE IF NOT EXISTS sessions (
	id               uuid PRIMARY KEY,
	user_id          uuid NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	realm            text NOT NULL,
	token_family     uuid NOT NULL UNIQUE,
	fingerprint      text NOT NULL DEFAULT '',
	device_name      text NOT NULL DEFAULT '',
	ip_address       text NOT NULL DEFAULT '',
	user_agent       text NOT NULL DEFAULT '',
	city             text NOT NULL DEFAULT '',
	country          text NOT NULL DEFAULT '',
	latitude         double precision,
	longitude        double precision,
	created_at       timestamptz NOT NULL,
	last_activity_at timestamptz NOT NULL,
	expires_at       timestamptz NOT NULL,
	status           text NOT NULL,
	revoked_reason   text NOT NULL DEFAULT '',
	revoked_at       timestamptz
);
CREATE INDEX IF NOT EXISTS sessions_user_idx ON sessions (user_id, status);
CREATE INDEX IF NOT EXISTS sessions_expires_idx ON sessions (realm, status, expires_at);

CREATE TABLE IF NOT EXISTS session_history (
	session_id       uuid PRIMARY KEY,
	user_id          uuid NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	realm            text NOT NULL,
	token_family     uuid NOT NULL,
	fingerprint      text NOT NULL DEFAULT '',
	device_name      text NOT NULL DEFAULT '',
	ip_address       text NOT NULL DEFAULT '',
	user_agent       text NOT NULL DEFAULT '',
	city             text NOT NULL DEFAULT '',
	country          text NOT NULL DEFAULT '',
	latitude         double precision,
	longitude        double precision,
	created_at       timestamptz NOT NULL,
	last_activity_at timestamptz NOT NULL,
	expires_at       timestamptz NOT NULL,
	status           text NOT NULL,
	revoked_reason   text NOT NULL DEFAULT '',
	revoked_at       timestamptz,
	archived_at      timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS session_history_user_idx ON session_history (user_id, archived_at);
CREATE INDEX IF NOT EXISTS session_history_archived_idx ON session_history (realm, archived_at);

CREATE TABLE IF NOT EXISTS audit_events (
	id          uuid PRIMARY KEY,
	event_type  text NOT NULL,
	timestamp   timestamptz NOT NULL,
	actor_id    uuid NOT NULL,
	actor_type  text NOT NULL,
	target_id   uuid NOT NULL,
	target_type text NOT NULL DEFAULT '',
	result      text NOT NULL,
	metadata    jsonb,
	realm       text NOT NULL,
	session_id  uuid NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_events_realm_time_idx ON audit_events (realm, timestamp DESC);
CREATE INDEX IF NOT EXISTS audit_events_type_idx ON audit_events (realm, event_type);
`

// EnsureSchema applies the DDL.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.q.Exec(ctx, Schema)
	return mapErr(err)
}
