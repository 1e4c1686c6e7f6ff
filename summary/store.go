// Package summary records training scalars and image lists in a SQLite
// database, with images written as PNG files next to it.
package summary

import (
	"database/sql"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	// database access is serialised; the deadlock detector reports lock misuse
	sync "github.com/sasha-s/go-deadlock"
)

// DatabaseName is the file name of the metrics store inside the logs folder.
const DatabaseName = "metrics.sqlite3"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TEXT,
		finished_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS scalars (
		id INTEGER PRIMARY KEY ASC,
		run_id TEXT REFERENCES runs(id),
		tag TEXT,
		step INTEGER,
		value REAL
	)`,
	`CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY ASC,
		run_id TEXT REFERENCES runs(id),
		tag TEXT,
		step INTEGER,
		idx INTEGER,
		-- relative to the logs folder
		path TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS scalars_run_tag ON scalars (run_id, tag)`,
	`CREATE INDEX IF NOT EXISTS images_run_tag ON images (run_id, tag)`,
}

// Run is one training process
type Run struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Scalar is one logged value
type Scalar struct {
	Step  int     `json:"step"`
	Value float64 `json:"value"`
}

// ImageRecord points at one logged PNG
type ImageRecord struct {
	Step  int    `json:"step"`
	Index int    `json:"index"`
	Path  string `json:"path"`
}

// Store wraps the metrics database
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens (and if needed creates) the metrics database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open metrics store %s", path)
	}
	s := &Store{db: db}
	for _, q := range schema {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "failed to create metrics schema")
		}
	}
	return s, nil
}

// OpenStoreReadOnly opens an existing metrics database without write access
func OpenStoreReadOnly(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrap(err, "metrics store not found")
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open metrics store %s", path)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to open metrics store %s", path)
	}
	return &Store{db: db}, nil
}

func (s *Store) exec(q string, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(q, args...)
	return err
}

// Runs lists every run, oldest first
func (s *Store) Runs() ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, started_at, finished_at FROM runs ORDER BY started_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var id, started string
		var finished sql.NullString
		if err := rows.Scan(&id, &started, &finished); err != nil {
			return nil, errors.Wrap(err, "failed to read run")
		}
		run := Run{ID: id}
		if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, errors.Wrapf(err, "bad start time for run %s", id)
		}
		if finished.Valid {
			t, err := time.Parse(time.RFC3339Nano, finished.String)
			if err != nil {
				return nil, errors.Wrapf(err, "bad finish time for run %s", id)
			}
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Tags lists the scalar tags of a run
func (s *Store) Tags(runID string) ([]string, error) {
	return s.tags(`SELECT DISTINCT tag FROM scalars WHERE run_id = ? ORDER BY tag`, runID)
}

// ImageTags lists the image tags of a run
func (s *Store) ImageTags(runID string) ([]string, error) {
	return s.tags(`SELECT DISTINCT tag FROM images WHERE run_id = ? ORDER BY tag`, runID)
}

func (s *Store) tags(q, runID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(q, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tags")
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, errors.Wrap(err, "failed to read tag")
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// Scalars returns a run's values for tag in logging order
func (s *Store) Scalars(runID, tag string) ([]Scalar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT step, value FROM scalars WHERE run_id = ? AND tag = ? ORDER BY id`, runID, tag)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query scalars")
	}
	defer rows.Close()

	var scalars []Scalar
	for rows.Next() {
		var sc Scalar
		if err := rows.Scan(&sc.Step, &sc.Value); err != nil {
			return nil, errors.Wrap(err, "failed to read scalar")
		}
		scalars = append(scalars, sc)
	}
	return scalars, rows.Err()
}

// Images returns a run's image records for tag
func (s *Store) Images(runID, tag string) ([]ImageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT step, idx, path FROM images WHERE run_id = ? AND tag = ? ORDER BY step, idx`, runID, tag)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query images")
	}
	defer rows.Close()

	var images []ImageRecord
	for rows.Next() {
		var rec ImageRecord
		if err := rows.Scan(&rec.Step, &rec.Index, &rec.Path); err != nil {
			return nil, errors.Wrap(err, "failed to read image record")
		}
		images = append(images, rec)
	}
	return images, rows.Err()
}

// Close closes the database
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
