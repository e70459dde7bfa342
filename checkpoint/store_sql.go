package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// SQLStore is a Store of a remote or embedded database having a "database/sql"
// compatible driver. Checkpoints are persisted to a table having a schema like:
//
//	CREATE TABLE litesync_checkpoints (
//	  feed_id    TEXT    PRIMARY KEY NOT NULL,
//	  fence      BIGINT  NOT NULL,
//	  sequence   BIGINT  NOT NULL,
//	  value      TEXT    NOT NULL,
//	  updated_at BIGINT  NOT NULL
//	);
//
// which may be created by CreateTable. Load increments the feed's "fence"
// column, and Save verifies it's unchanged: should another SQLStore (eg, of
// a new process) Load the same feed, this SQLStore's Saves fail with ErrFenced.
type SQLStore struct {
	DB *sql.DB

	table  string
	mu     sync.Mutex
	fences map[string]int64 // Fence of each feed, as of its Load or first Save.
}

var _ Lister = &SQLStore{} // SQLStore is-a Lister.

// NewSQLStore returns a new SQLStore using the *DB.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{
		DB:     db,
		table:  "litesync_checkpoints",
		fences: make(map[string]int64),
	}
}

// CreateTable creates the checkpoints table, if it doesn't already exist.
func (s *SQLStore) CreateTable(ctx context.Context) error {
	var _, err = s.DB.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			feed_id    TEXT   PRIMARY KEY NOT NULL,
			fence      BIGINT NOT NULL,
			sequence   BIGINT NOT NULL,
			value      TEXT   NOT NULL,
			updated_at BIGINT NOT NULL
		);`, s.table))
	return errors.WithMessage(err, "creating checkpoints table")
}

// Load issues a SQL transaction which increments the "fence" of |feedID| and
// SELECTs its current Checkpoint.
func (s *SQLStore) Load(ctx context.Context, feedID string) (Checkpoint, error) {
	var cp = Checkpoint{FeedID: feedID}
	var fence, updatedAt int64

	var txn, err = s.DB.BeginTx(ctx, nil)
	if err != nil {
		return cp, errors.WithMessage(err, "DB.BeginTx")
	}
	defer func() { _ = txn.Rollback() }()

	if _, err = txn.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET fence=fence+1 WHERE feed_id=$1;", s.table), feedID); err != nil {
		return cp, errors.WithMessage(err, "incrementing fence")
	}
	err = txn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT fence, sequence, value, updated_at FROM %s WHERE feed_id=$1;", s.table), feedID).
		Scan(&fence, &cp.Sequence, &cp.Value, &updatedAt)

	if err == sql.ErrNoRows {
		return cp, ErrNotFound
	} else if err != nil {
		return cp, errors.WithMessage(err, "selecting checkpoint")
	} else if err = txn.Commit(); err != nil {
		return cp, errors.WithMessage(err, "txn.Commit")
	}
	cp.UpdatedAt = time.Unix(0, updatedAt).UTC()

	s.mu.Lock()
	s.fences[feedID] = fence
	s.mu.Unlock()

	loadsTotal.WithLabelValues("sql").Inc()
	return cp, nil
}

// Save persists the Checkpoint. If this SQLStore hasn't yet Loaded or Saved
// the feed, the Checkpoint is inserted and fails if the feed already exists.
func (s *SQLStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}

	s.mu.Lock()
	var fence = s.fences[cp.FeedID]
	s.mu.Unlock()

	var txn, err = s.DB.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithMessage(err, "DB.BeginTx")
	}
	defer func() { _ = txn.Rollback() }()

	if fence == 0 {
		if _, err = txn.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (feed_id, fence, sequence, value, updated_at) VALUES ($1, 1, $2, $3, $4);`, s.table),
			cp.FeedID, cp.Sequence, cp.Value, cp.UpdatedAt.UnixNano()); err != nil {
			return errors.WithMessage(err, "inserting checkpoint")
		}
		fence = 1
	} else {
		var curFence int64
		var curSequence uint64

		if err = txn.QueryRowContext(ctx, fmt.Sprintf(
			"SELECT fence, sequence FROM %s WHERE feed_id=$1;", s.table), cp.FeedID).
			Scan(&curFence, &curSequence); err == sql.ErrNoRows {
			return ErrFenced // Deleted out from under us.
		} else if err != nil {
			return errors.WithMessage(err, "selecting fence")
		} else if curFence != fence {
			return ErrFenced
		} else if curSequence > cp.Sequence {
			return errors.Wrapf(ErrRegression, "%d => %d", curSequence, cp.Sequence)
		}

		if _, err = txn.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET sequence=$1, value=$2, updated_at=$3 WHERE feed_id=$4 AND fence=$5;`, s.table),
			cp.Sequence, cp.Value, cp.UpdatedAt.UnixNano(), cp.FeedID, fence); err != nil {
			return errors.WithMessage(err, "updating checkpoint")
		}
	}
	if err = txn.Commit(); err != nil {
		return errors.WithMessage(err, "txn.Commit")
	}

	s.mu.Lock()
	s.fences[cp.FeedID] = fence
	s.mu.Unlock()

	savesTotal.WithLabelValues("sql").Inc()
	return nil
}

// List returns all Checkpoints of the table. It doesn't alter their fences.
func (s *SQLStore) List(ctx context.Context) ([]Checkpoint, error) {
	var rows, err = s.DB.QueryContext(ctx, fmt.Sprintf(
		"SELECT feed_id, sequence, value, updated_at FROM %s ORDER BY feed_id;", s.table))
	if err != nil {
		return nil, errors.WithMessage(err, "querying checkpoints")
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var updatedAt int64

		if err = rows.Scan(&cp.FeedID, &cp.Sequence, &cp.Value, &updatedAt); err != nil {
			return nil, errors.WithMessage(err, "scanning checkpoint")
		}
		cp.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, cp)
	}
	return out, errors.WithMessage(rows.Err(), "iterating checkpoints")
}
