package journal

import "database/sql"

func Init(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at TEXT NOT NULL, -- RFC 3339, UTC
	path TEXT NOT NULL,
	digest TEXT NOT NULL DEFAULT '',
	from_state TEXT NOT NULL DEFAULT '',
	to_state TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	remote_id TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT ''
);
`,
		`CREATE INDEX IF NOT EXISTS transitions_path ON transitions(path, id);`,
	}

	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
