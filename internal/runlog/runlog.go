// Package runlog persists training and evaluation metrics per run in SQLite
// (default) or PostgreSQL.
package runlog

import (
	"context"
	"database/sql"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite"
)

var (
	// ErrUnknownDriver indicates a driver other than sqlite or postgres.
	ErrUnknownDriver = errors.New("runlog: unknown driver")

	// ErrNoEpisodes indicates a summary request for a run without episodes.
	ErrNoEpisodes = errors.New("runlog: run has no evaluation episodes")
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	strategy   TEXT NOT NULL,
	config     TEXT NOT NULL,
	started_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS steps (
	run_id   TEXT NOT NULL,
	step     INTEGER NOT NULL,
	loss     DOUBLE PRECISION NOT NULL,
	accuracy DOUBLE PRECISION NOT NULL,
	lr       DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, step)
);

CREATE TABLE IF NOT EXISTS episodes (
	run_id   TEXT NOT NULL,
	episode  INTEGER NOT NULL,
	loss     DOUBLE PRECISION NOT NULL,
	accuracy DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, episode)
);
`

// Store writes metrics rows. Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	driver string
}

// Open connects to driver ("sqlite" or "postgres") at dsn and creates the
// schema if needed.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, errors.Wrapf(ErrUnknownDriver, "%q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "runlog: open %s", driver)
	}
	if driver == "sqlite" {
		// Every pooled connection to :memory: would be a separate database.
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, driver: driver}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "runlog: create schema")
		}
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders as $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

// StartRun registers a run and returns its id.
func (s *Store) StartRun(ctx context.Context, strategy, config string) (uuid.UUID, error) {
	id := uuid.New()
	err := s.exec(ctx, `INSERT INTO runs (id, strategy, config, started_at) VALUES (?, ?, ?, ?)`,
		id.String(), strategy, config, time.Now().Unix())
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "runlog: start run")
	}
	return id, nil
}

// LogStep records one training step.
func (s *Store) LogStep(ctx context.Context, run uuid.UUID, step int, loss, accuracy, lr float64) error {
	err := s.exec(ctx, `INSERT INTO steps (run_id, step, loss, accuracy, lr) VALUES (?, ?, ?, ?, ?)`,
		run.String(), step, loss, accuracy, lr)
	return errors.Wrapf(err, "runlog: step %d", step)
}

// LogEpisode records one evaluation episode.
func (s *Store) LogEpisode(ctx context.Context, run uuid.UUID, episode int, loss, accuracy float64) error {
	err := s.exec(ctx, `INSERT INTO episodes (run_id, episode, loss, accuracy) VALUES (?, ?, ?, ?)`,
		run.String(), episode, loss, accuracy)
	return errors.Wrapf(err, "runlog: episode %d", episode)
}

// Summary aggregates the evaluation episodes of a run.
type Summary struct {
	Episodes     int
	MeanLoss     float64
	MeanAccuracy float64
	CI95         float64 // half-width of the 95% confidence interval
}

// Summarize computes mean loss and mean accuracy ± 1.96·σ/√n.
func Summarize(losses, accuracies []float64) Summary {
	n := len(accuracies)
	if n == 0 {
		return Summary{}
	}
	mean, std := stat.MeanStdDev(accuracies, nil)
	ci := 0.0
	if n > 1 {
		ci = 1.96 * std / math.Sqrt(float64(n))
	}
	return Summary{
		Episodes:     n,
		MeanLoss:     stat.Mean(losses, nil),
		MeanAccuracy: mean,
		CI95:         ci,
	}
}

// Summary reads back every episode of run.
func (s *Store) Summary(ctx context.Context, run uuid.UUID) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT loss, accuracy FROM episodes WHERE run_id = ? ORDER BY episode`), run.String())
	if err != nil {
		return Summary{}, errors.Wrap(err, "runlog: query episodes")
	}
	defer rows.Close()

	var losses, accs []float64
	for rows.Next() {
		var l, a float64
		if err := rows.Scan(&l, &a); err != nil {
			return Summary{}, errors.Wrap(err, "runlog: scan episode")
		}
		losses = append(losses, l)
		accs = append(accs, a)
	}
	if err := rows.Err(); err != nil {
		return Summary{}, errors.Wrap(err, "runlog: read episodes")
	}
	if len(accs) == 0 {
		return Summary{}, errors.Wrapf(ErrNoEpisodes, "run %s", run)
	}
	return Summarize(losses, accs), nil
}
