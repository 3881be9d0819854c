package agent

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ErrReportNotFound indicates no stored report matched the query.
var ErrReportNotFound = errors.New("report not found")

// Store keeps a history of reports in SQLite, one row per snapshot.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens (creating if needed) the snapshot database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session TEXT NOT NULL,
		generated_at TEXT NOT NULL,
		report BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save appends one report to the history.
func (s *Store) Save(r *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := MarshalReport(r)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO reports (session, generated_at, report) VALUES (?, ?, ?)",
		r.Session, r.GeneratedAt.Format("2006-01-02T15:04:05.999999999Z07:00"), data,
	)
	if err != nil {
		return fmt.Errorf("saving report: %w", err)
	}
	return nil
}

// Latest returns the most recent report for a session.
func (s *Store) Latest(session string) (*Report, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT report FROM reports WHERE session = ? ORDER BY id DESC LIMIT 1",
		session,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrReportNotFound
		}
		return nil, fmt.Errorf("querying report: %w", err)
	}
	return UnmarshalReport(data)
}

// Session returns every report recorded for a session, oldest first.
func (s *Store) Session(session string) ([]*Report, error) {
	rows, err := s.db.Query(
		"SELECT report FROM reports WHERE session = ? ORDER BY id",
		session,
	)
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	defer rows.Close()

	var reports []*Report
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning report: %w", err)
		}
		r, err := UnmarshalReport(data)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// Sessions lists the distinct session ids in the store, oldest first.
func (s *Store) Sessions() ([]string, error) {
	rows, err := s.db.Query("SELECT session FROM reports GROUP BY session ORDER BY MIN(id)")
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
