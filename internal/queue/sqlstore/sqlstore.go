// Package sqlstore implements the Queue Store contract over a relational
// database, the alternate backend described in SPEC_FULL.md §4.2/§6 for
// deployments that prefer Postgres over Redis. It expects the following
// schema (created out of band by the operator, mirroring darc's peewee
// task tables):
//
//	CREATE TABLE queue_hostname (host TEXT PRIMARY KEY, score BIGINT NOT NULL);
//	CREATE TABLE queue_requests (name TEXT PRIMARY KEY, url TEXT NOT NULL, backref_url TEXT, score BIGINT NOT NULL);
//	CREATE TABLE queue_selenium (name TEXT PRIMARY KEY, url TEXT NOT NULL, backref_url TEXT, score BIGINT NOT NULL);
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rohmanhakim/darc-crawler/internal/link"
	"github.com/rohmanhakim/darc-crawler/internal/queue"
)

// Store is the Postgres-backed Queue Store.
type Store struct {
	db       *sql.DB
	dataRoot string
}

// Open connects to a Postgres DSN via the pgx stdlib driver and returns a
// Store. The caller owns the returned *sql.DB's lifecycle (Close it on
// shutdown).
func Open(dsn string, dataRoot string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	return &Store{db: db, dataRoot: dataRoot}, nil
}

// New wraps an already-open *sql.DB, useful when the caller manages pooling
// itself (e.g. shares a pool across the queue store and the archive sink).
func New(db *sql.DB, dataRoot string) *Store {
	return &Store{db: db, dataRoot: dataRoot}
}

func (s *Store) HaveHostname(ctx context.Context, host string, now time.Time, cacheWindow time.Duration) (bool, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, false, fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	var score int64
	err = tx.QueryRowContext(ctx,
		`SELECT score FROM queue_hostname WHERE host = $1 FOR UPDATE`, host).Scan(&score)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue_hostname (host, score) VALUES ($1, $2)`, host, now.Unix()); err != nil {
			return false, false, fmt.Errorf("sqlstore: insert hostname: %w", err)
		}
		return false, false, tx.Commit()
	case err != nil:
		return false, false, fmt.Errorf("sqlstore: select hostname: %w", err)
	}

	stale := now.Unix()-score >= int64(cacheWindow.Seconds())
	if stale {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_hostname SET score = $1 WHERE host = $2`, now.Unix(), host); err != nil {
			return false, false, fmt.Errorf("sqlstore: update hostname: %w", err)
		}
	}
	return true, stale, tx.Commit()
}

func (s *Store) SaveRequests(ctx context.Context, links []link.Link, opts queue.SaveOptions) error {
	return s.save(ctx, "queue_requests", links, opts)
}

func (s *Store) SaveSelenium(ctx context.Context, links []link.Link, opts queue.SaveOptions) error {
	return s.save(ctx, "queue_selenium", links, opts)
}

func (s *Store) save(ctx context.Context, table string, links []link.Link, opts queue.SaveOptions) error {
	score := opts.Score
	if score == 0 {
		score = time.Now().Unix()
	}
	for _, l := range links {
		var backref string
		if l.Backref() != nil {
			backref = l.Backref().URL()
		}

		switch {
		case opts.NX:
			_, err := s.db.ExecContext(ctx, fmt.Sprintf(
				`INSERT INTO %s (name, url, backref_url, score) VALUES ($1, $2, $3, $4)
				 ON CONFLICT (name) DO NOTHING`, table),
				l.Name(), l.URL(), backref, score)
			if err != nil {
				return fmt.Errorf("sqlstore: insert nx: %w", err)
			}
		case opts.XX:
			_, err := s.db.ExecContext(ctx, fmt.Sprintf(
				`UPDATE %s SET score = $1 WHERE name = $2`, table), score, l.Name())
			if err != nil {
				return fmt.Errorf("sqlstore: update xx: %w", err)
			}
		default:
			_, err := s.db.ExecContext(ctx, fmt.Sprintf(
				`INSERT INTO %s (name, url, backref_url, score) VALUES ($1, $2, $3, $4)
				 ON CONFLICT (name) DO UPDATE SET score = EXCLUDED.score`, table),
				l.Name(), l.URL(), backref, score)
			if err != nil {
				return fmt.Errorf("sqlstore: upsert: %w", err)
			}
		}
	}
	return nil
}

func (s *Store) LoadRequests(ctx context.Context, now time.Time, maxPool int, cacheWindow time.Duration) ([]queue.Entry, error) {
	return s.load(ctx, "queue_requests", now, maxPool, cacheWindow)
}

func (s *Store) LoadSelenium(ctx context.Context, now time.Time, maxPool int, cacheWindow time.Duration) ([]queue.Entry, error) {
	return s.load(ctx, "queue_selenium", now, maxPool, cacheWindow)
}

// load selects up to maxPool eligible rows and advances their score, all
// within one transaction using SELECT ... FOR UPDATE SKIP LOCKED so that two
// workers racing the same table never receive overlapping batches.
func (s *Store) load(ctx context.Context, table string, now time.Time, maxPool int, cacheWindow time.Duration) ([]queue.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		`SELECT name, url, backref_url FROM %s WHERE score <= $1
		 ORDER BY score ASC LIMIT $2 FOR UPDATE SKIP LOCKED`, table),
		now.Unix(), maxPool)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: select: %w", err)
	}

	type row struct {
		name, url, backrefURL string
	}
	var picked []row
	for rows.Next() {
		var r row
		var backref sql.NullString
		if err := rows.Scan(&r.name, &r.url, &backref); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlstore: scan: %w", err)
		}
		r.backrefURL = backref.String
		picked = append(picked, r)
	}
	rows.Close()

	entries := make([]queue.Entry, 0, len(picked))
	for _, r := range picked {
		var backref *link.Link
		if r.backrefURL != "" {
			b := link.Classify(s.dataRoot, r.backrefURL, nil)
			backref = &b
		}
		entries = append(entries, queue.Entry{
			Link:  link.Classify(s.dataRoot, r.url, backref),
			Score: now.Unix(),
		})
	}

	if cacheWindow > 0 && len(picked) > 0 {
		newScore := now.Add(cacheWindow).Unix()
		for _, r := range picked {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(
				`UPDATE %s SET score = $1 WHERE name = $2`, table), newScore, r.name); err != nil {
				return nil, fmt.Errorf("sqlstore: rescore: %w", err)
			}
		}
	}

	return entries, tx.Commit()
}

func (s *Store) DropRequests(ctx context.Context, l link.Link) error {
	return s.drop(ctx, "queue_requests", l)
}

func (s *Store) DropSelenium(ctx context.Context, l link.Link) error {
	return s.drop(ctx, "queue_selenium", l)
}

func (s *Store) drop(ctx context.Context, table string, l link.Link) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE name = $1`, table), l.Name())
	if err != nil {
		return fmt.Errorf("sqlstore: delete: %w", err)
	}
	return nil
}

var _ queue.Store = (*Store)(nil)
