package store

import (
	"database/sql"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable KeyValueStore backed by a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS client_kv (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (namespace, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_client_kv_namespace ON client_kv(namespace)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Get(namespace, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(
		"SELECT value FROM client_kv WHERE namespace = ? AND key = ?",
		namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(namespace, key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO client_kv (namespace, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		namespace, key, value,
	)
	return err
}

func (s *SQLiteStore) Delete(namespace, key string) error {
	_, err := s.db.Exec("DELETE FROM client_kv WHERE namespace = ? AND key = ?", namespace, key)
	return err
}

func (s *SQLiteStore) Keys(namespace string) ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM client_kv WHERE namespace = ? ORDER BY updated_at", namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) ClearNamespace(namespace string) error {
	_, err := s.db.Exec("DELETE FROM client_kv WHERE namespace = ?", namespace)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
