package store

import "database/sql"

// EnsureSchema creates tables if they don't exist.
//
// Timestamps are stored as fixed-width UTC text (see tsLayout) so that
// string comparison in SQL orders them chronologically.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;
CREATE TABLE IF NOT EXISTS matching_configs (
  id TEXT PRIMARY KEY,
  country TEXT NOT NULL UNIQUE,
  cron_expression TEXT NOT NULL,
  timezone TEXT NOT NULL,
  is_enabled INTEGER NOT NULL DEFAULT 0,
  batch_size INTEGER NOT NULL CHECK(batch_size BETWEEN 1 AND 50),
  delay_between_users_ms INTEGER NOT NULL CHECK(delay_between_users_ms BETWEEN 0 AND 10000),
  max_retry_count INTEGER NOT NULL CHECK(max_retry_count BETWEEN 0 AND 5),
  login_window_days INTEGER NOT NULL,
  include_unknown_rank INTEGER NOT NULL DEFAULT 0,
  description TEXT NOT NULL DEFAULT '',
  last_modified_by TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS batch_history (
  id TEXT PRIMARY KEY,
  config_id TEXT NOT NULL,
  country TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('running','completed','failed','cancelled')),
  started_at TEXT NOT NULL,
  completed_at TEXT,
  total_users INTEGER NOT NULL DEFAULT 0,
  processed_users INTEGER NOT NULL DEFAULT 0,
  success_count INTEGER NOT NULL DEFAULT 0,
  failure_count INTEGER NOT NULL DEFAULT 0,
  error_message TEXT,
  metadata TEXT NOT NULL DEFAULT '{}',
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batch_country_started ON batch_history(country, started_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_batch_one_running ON batch_history(country) WHERE status='running';
CREATE TABLE IF NOT EXISTS batch_details (
  id TEXT PRIMARY KEY,
  batch_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  partner_id TEXT,
  status TEXT NOT NULL CHECK(status IN ('success','no_candidates','filter_exhausted','error')),
  candidate_pool TEXT NOT NULL DEFAULT '[]',
  selected_score REAL,
  match_story TEXT,
  processing_time_ms INTEGER,
  error_message TEXT,
  attempts INTEGER NOT NULL DEFAULT 1,
  created_at TEXT NOT NULL,
  FOREIGN KEY(batch_id) REFERENCES batch_history(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_detail_batch_user ON batch_details(batch_id, user_id);
CREATE TABLE IF NOT EXISTS pairs (
  id TEXT PRIMARY KEY,
  user_a TEXT NOT NULL,
  user_b TEXT NOT NULL,
  source TEXT NOT NULL CHECK(source IN ('batch','manual')),
  source_id TEXT NOT NULL,
  score REAL,
  created_at TEXT NOT NULL,
  CHECK(user_a < user_b)
);
CREATE INDEX IF NOT EXISTS idx_pairs_users ON pairs(user_a, user_b, created_at);
CREATE INDEX IF NOT EXISTS idx_pairs_user_b ON pairs(user_b, created_at);
CREATE TABLE IF NOT EXISTS manual_matchings (
  id TEXT PRIMARY KEY,
  user_1 TEXT NOT NULL,
  user_2 TEXT NOT NULL,
  scheduled_at TEXT NOT NULL,
  executed_at TEXT,
  cancelled_at TEXT,
  match_type TEXT NOT NULL,
  priority TEXT NOT NULL,
  reason TEXT NOT NULL,
  notify_users INTEGER NOT NULL DEFAULT 0,
  skip_validation INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('scheduled','processing','completed','failed','cancelled')),
  created_by TEXT NOT NULL,
  cancel_reason TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  CHECK(user_1 <> user_2)
);
CREATE INDEX IF NOT EXISTS idx_manual_due ON manual_matchings(status, scheduled_at);
CREATE TABLE IF NOT EXISTS manual_matching_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  matching_id TEXT NOT NULL,
  at TEXT NOT NULL,
  actor TEXT NOT NULL,
  action TEXT NOT NULL,
  details TEXT NOT NULL DEFAULT '',
  FOREIGN KEY(matching_id) REFERENCES manual_matchings(id)
);
CREATE INDEX IF NOT EXISTS idx_manual_logs ON manual_matching_logs(matching_id, id);
`
	_, err := db.Exec(schema)
	return err
}
