package store

const schema = `
CREATE TABLE IF NOT EXISTS politicians (
    id       TEXT PRIMARY KEY,
    name     TEXT NOT NULL,
    party    TEXT NOT NULL DEFAULT '',
    position TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_politicians_name ON politicians(name);

CREATE TABLE IF NOT EXISTS collected_items (
    id              TEXT PRIMARY KEY,
    subject_id      TEXT NOT NULL REFERENCES politicians(id),
    category        TEXT NOT NULL,
    title           TEXT NOT NULL DEFAULT '',
    content         TEXT NOT NULL DEFAULT '',
    source_url      TEXT NOT NULL DEFAULT '',
    source_name     TEXT NOT NULL DEFAULT '',
    published_date  DATETIME NOT NULL,
    collector_agent TEXT NOT NULL DEFAULT '',
    source_type     TEXT NOT NULL DEFAULT '',
    collected_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_subject_category ON collected_items(subject_id, category);
CREATE INDEX IF NOT EXISTS idx_items_published ON collected_items(published_date);

CREATE TABLE IF NOT EXISTS evaluations (
    id                TEXT PRIMARY KEY,
    collected_item_id TEXT NOT NULL REFERENCES collected_items(id),
    subject_id        TEXT NOT NULL,
    category          TEXT NOT NULL,
    evaluator_agent   TEXT NOT NULL,
    rating_label      TEXT NOT NULL,
    score             INTEGER NOT NULL,
    rationale         TEXT NOT NULL DEFAULT '',
    evaluated_at      DATETIME NOT NULL,
    UNIQUE(collected_item_id, evaluator_agent)
);

CREATE INDEX IF NOT EXISTS idx_evaluations_subject ON evaluations(subject_id, evaluator_agent, category);

CREATE TABLE IF NOT EXISTS category_scores (
    subject_id      TEXT NOT NULL,
    category        TEXT NOT NULL,
    evaluator_agent TEXT NOT NULL,
    profile         TEXT NOT NULL,
    score           REAL NOT NULL,
    item_count      INTEGER NOT NULL,
    excluded_count  INTEGER NOT NULL DEFAULT 0,
    computed_at     DATETIME NOT NULL,
    UNIQUE(subject_id, category, evaluator_agent, profile)
);

CREATE TABLE IF NOT EXISTS final_scores (
    subject_id      TEXT NOT NULL,
    evaluator_agent TEXT NOT NULL,
    profile         TEXT NOT NULL,
    score           REAL NOT NULL,
    grade_code      TEXT NOT NULL,
    grade_name      TEXT NOT NULL DEFAULT '',
    grade_label     TEXT NOT NULL DEFAULT '',
    computed_at     DATETIME NOT NULL,
    UNIQUE(subject_id, evaluator_agent, profile)
);

CREATE INDEX IF NOT EXISTS idx_final_scores_profile ON final_scores(profile, score);

CREATE TABLE IF NOT EXISTS item_deletions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id    TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    report_id  TEXT NOT NULL DEFAULT '',
    reason     TEXT NOT NULL DEFAULT '',
    deleted_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deletions_subject ON item_deletions(subject_id);
`
