package storage

const sqliteSchema = `
-- The 'sources' table tracks where imported decks come from: a local directory or a git repository.
CREATE TABLE IF NOT EXISTS sources (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL,
    type TEXT NOT NULL DEFAULT 'local',
    owner_id TEXT NOT NULL,
    track_id TEXT NOT NULL,
    last_scanned DATETIME,
    UNIQUE(path, owner_id, track_id)
);

-- The 'cards' table stores each flashcard with its spaced-repetition state.
CREATE TABLE IF NOT EXISTS cards (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    track_id TEXT NOT NULL,
    front TEXT NOT NULL,
    back TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL DEFAULT '',
    ease_factor REAL NOT NULL DEFAULT 2.5,
    interval_days INTEGER NOT NULL DEFAULT 0,
    repetition_count INTEGER NOT NULL DEFAULT 0,
    total_attempts INTEGER NOT NULL DEFAULT 0,
    correct_attempts INTEGER NOT NULL DEFAULT 0,
    last_reviewed_at DATETIME,
    next_review_at DATETIME NOT NULL,
    mastered BOOLEAN NOT NULL DEFAULT FALSE,
    source_id INTEGER,
    created_at DATETIME NOT NULL,

    FOREIGN KEY(source_id) REFERENCES sources(id) ON DELETE SET NULL
);
CREATE INDEX IF NOT EXISTS idx_cards_owner_track ON cards(owner_id, track_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_cards_hash ON cards(owner_id, track_id, content_hash);

-- The 'tracks' table holds the reset epoch of each (owner, track) pair.
CREATE TABLE IF NOT EXISTS tracks (
    owner_id TEXT NOT NULL,
    track_id TEXT NOT NULL,
    epoch INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY(owner_id, track_id)
);

-- The 'sessions' table holds at most one active study session per (owner, track).
CREATE TABLE IF NOT EXISTS sessions (
    owner_id TEXT NOT NULL,
    track_id TEXT NOT NULL,
    id TEXT NOT NULL,
    queue TEXT NOT NULL, -- JSON array of card IDs
    current_index INTEGER NOT NULL DEFAULT 0,
    completed TEXT NOT NULL, -- JSON array of card IDs
    started_at DATETIME NOT NULL,
    saved_at DATETIME NOT NULL,
    version INTEGER NOT NULL,
    epoch INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY(owner_id, track_id)
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sources (
    id BIGSERIAL PRIMARY KEY,
    path TEXT NOT NULL,
    type TEXT NOT NULL DEFAULT 'local',
    owner_id TEXT NOT NULL,
    track_id TEXT NOT NULL,
    last_scanned TIMESTAMPTZ,
    UNIQUE(path, owner_id, track_id)
);

CREATE TABLE IF NOT EXISTS cards (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    track_id TEXT NOT NULL,
    front TEXT NOT NULL,
    back TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL DEFAULT '',
    ease_factor DOUBLE PRECISION NOT NULL DEFAULT 2.5,
    interval_days INTEGER NOT NULL DEFAULT 0,
    repetition_count INTEGER NOT NULL DEFAULT 0,
    total_attempts INTEGER NOT NULL DEFAULT 0,
    correct_attempts INTEGER NOT NULL DEFAULT 0,
    last_reviewed_at TIMESTAMPTZ,
    next_review_at TIMESTAMPTZ NOT NULL,
    mastered BOOLEAN NOT NULL DEFAULT FALSE,
    source_id BIGINT REFERENCES sources(id) ON DELETE SET NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cards_owner_track ON cards(owner_id, track_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_cards_hash ON cards(owner_id, track_id, content_hash);

CREATE TABLE IF NOT EXISTS tracks (
    owner_id TEXT NOT NULL,
    track_id TEXT NOT NULL,
    epoch BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY(owner_id, track_id)
);

CREATE TABLE IF NOT EXISTS sessions (
    owner_id TEXT NOT NULL,
    track_id TEXT NOT NULL,
    id TEXT NOT NULL,
    queue TEXT NOT NULL,
    current_index INTEGER NOT NULL DEFAULT 0,
    completed TEXT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    saved_at TIMESTAMPTZ NOT NULL,
    version BIGINT NOT NULL,
    epoch BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY(owner_id, track_id)
);
`
