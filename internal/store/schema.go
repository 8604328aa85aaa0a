package store

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    parent_id   TEXT REFERENCES jobs(id),
    owner_id    TEXT NOT NULL,
    mode        TEXT NOT NULL,
    status      TEXT NOT NULL,
    vars        TEXT NOT NULL DEFAULT '{}',
    prompt_text TEXT,
    output_url  TEXT,
    error       TEXT,
    created_at  BIGINT NOT NULL,
    updated_at  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id, created_at);

CREATE TABLE IF NOT EXISTS job_steps (
    job_id      TEXT NOT NULL REFERENCES jobs(id),
    sequence_no INTEGER NOT NULL,
    type        TEXT NOT NULL,
    payload     TEXT NOT NULL,
    created_at  BIGINT NOT NULL,
    PRIMARY KEY (job_id, sequence_no)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id             BIGSERIAL PRIMARY KEY,
    owner_id       TEXT NOT NULL,
    delta          INTEGER NOT NULL,
    reason         TEXT NOT NULL DEFAULT '',
    source         TEXT NOT NULL DEFAULT '',
    reference_type TEXT NOT NULL,
    reference_id   TEXT NOT NULL,
    created_at     BIGINT NOT NULL,
    UNIQUE (reference_type, reference_id)
);
CREATE INDEX IF NOT EXISTS idx_ledger_owner ON ledger_entries(owner_id, id);

CREATE TABLE IF NOT EXISTS owner_preferences (
    owner_id   TEXT PRIMARY KEY,
    doc        TEXT NOT NULL,
    updated_at BIGINT NOT NULL
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    parent_id   TEXT REFERENCES jobs(id),
    owner_id    TEXT NOT NULL,
    mode        TEXT NOT NULL,
    status      TEXT NOT NULL,
    vars        TEXT NOT NULL DEFAULT '{}',
    prompt_text TEXT,
    output_url  TEXT,
    error       TEXT,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id, created_at);

CREATE TABLE IF NOT EXISTS job_steps (
    job_id      TEXT NOT NULL REFERENCES jobs(id),
    sequence_no INTEGER NOT NULL,
    type        TEXT NOT NULL,
    payload     TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    PRIMARY KEY (job_id, sequence_no)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id       TEXT NOT NULL,
    delta          INTEGER NOT NULL,
    reason         TEXT NOT NULL DEFAULT '',
    source         TEXT NOT NULL DEFAULT '',
    reference_type TEXT NOT NULL,
    reference_id   TEXT NOT NULL,
    created_at     INTEGER NOT NULL,
    UNIQUE (reference_type, reference_id)
);
CREATE INDEX IF NOT EXISTS idx_ledger_owner ON ledger_entries(owner_id, id);

CREATE TABLE IF NOT EXISTS owner_preferences (
    owner_id   TEXT PRIMARY KEY,
    doc        TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`
