package database

// Schema contains all SQL statements for creating tables and indexes
const Schema = `
-- Athletes table: Strava users who have authorized the application
CREATE TABLE IF NOT EXISTS athletes (
    athlete_id INTEGER PRIMARY KEY,

    -- OAuth tokens
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL,
    expires_at INTEGER NOT NULL,
    scope TEXT NOT NULL DEFAULT '',

    -- State tracking
    authorized BOOLEAN NOT NULL DEFAULT 1,

    -- Identity (leaderboards need a resolvable display name)
    firstname TEXT NOT NULL DEFAULT '',
    lastname TEXT NOT NULL DEFAULT '',

    -- Metadata
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,

    -- Optional profile data (JSON)
    profile_json TEXT
);

-- Activities table: activity facts, with scoring fields extracted
CREATE TABLE IF NOT EXISTS activities (
    id INTEGER PRIMARY KEY,  -- Strava activity ID
    athlete_id INTEGER NOT NULL,

    name TEXT NOT NULL DEFAULT '',
    activity_type TEXT NOT NULL DEFAULT '',
    moving_time INTEGER NOT NULL DEFAULT 0,  -- seconds
    distance REAL NOT NULL DEFAULT 0,        -- meters
    start_date_local INTEGER,  -- athlete-local wall clock as Unix timestamp
    workout_type INTEGER NOT NULL DEFAULT 0, -- 1 = race
    deleted BOOLEAN NOT NULL DEFAULT 0,

    -- Full activity payload (JSON)
    details_json TEXT,

    -- Metadata
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    last_synced_at INTEGER,

    FOREIGN KEY (athlete_id) REFERENCES athletes(athlete_id) ON DELETE CASCADE
);

-- Webhook queue: raw events awaiting processing
CREATE TABLE IF NOT EXISTS webhook_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    data TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    next_retry_at INTEGER,
    processing_started_at INTEGER,
    created_at INTEGER NOT NULL
);

-- Sync jobs: backfill and resync work items
CREATE TABLE IF NOT EXISTS sync_jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    athlete_id INTEGER NOT NULL,
    activity_id INTEGER,
    job_type TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    next_retry_at INTEGER,
    processing_started_at INTEGER,
    created_at INTEGER NOT NULL
);

-- Indexes for athletes table
CREATE INDEX IF NOT EXISTS idx_athletes_authorized ON athletes(authorized);

-- Indexes for activities table
CREATE INDEX IF NOT EXISTS idx_activities_athlete_id ON activities(athlete_id);
CREATE INDEX IF NOT EXISTS idx_activities_start_date_local ON activities(start_date_local DESC);
CREATE INDEX IF NOT EXISTS idx_activities_eligible ON activities(activity_type, deleted, start_date_local);
CREATE INDEX IF NOT EXISTS idx_activities_athlete_start ON activities(athlete_id, start_date_local DESC);

-- Indexes for queues
CREATE INDEX IF NOT EXISTS idx_webhook_queue_ready ON webhook_queue(next_retry_at, processing_started_at);
CREATE INDEX IF NOT EXISTS idx_sync_jobs_ready ON sync_jobs(next_retry_at, processing_started_at);
CREATE INDEX IF NOT EXISTS idx_sync_jobs_athlete ON sync_jobs(athlete_id);
`
