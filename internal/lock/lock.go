// Package lock provides fence-token mutexes backed by the locks table.
// Every acquisition bumps a monotonically increasing sequence number, so
// a holder that lost its lease to expiry cannot release or renew a lock
// somebody else has since claimed: its stale fence no longer matches.
//
// Lock rows are never deleted. Release marks the row expired and leaves
// the sequence in place, which keeps fences monotonic across the whole
// life of a resource.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hexframe/swarmmail/internal/logging"
	"github.com/hexframe/swarmmail/internal/store"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

// DefaultTTL bounds how long an unrenewed lock stays live.
const DefaultTTL = 60 * time.Second

// Lock is one acquired lease. Seq is the fence token callers must echo
// back on Renew and Release.
type Lock struct {
	Resource   string    `json:"resource"`
	Holder     string    `json:"holder"`
	Seq        int64     `json:"seq"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Service acquires and releases locks against a single store.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

func NewService(s *store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{store: s, logger: logger.With("component", "lock")}
}

// Acquire claims resource for holder. An expired lease is stolen and a
// live lease held by the same holder is re-acquired; both hand out a
// fresh fence. A live lease held by anyone else is a ConflictError.
func (s *Service) Acquire(ctx context.Context, resource, holder string, ttl time.Duration) (*Lock, error) {
	if resource == "" || holder == "" {
		return nil, &swarmerr.ValidationError{Op: "lock.acquire", Msg: "resource and holder are required"}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := time.Now()
	lk := &Lock{
		Resource:   resource,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	err := s.store.Transact(ctx, func(tx *sql.Tx) error {
		var curHolder string
		var curSeq int64
		var curExpires string
		err := tx.QueryRowContext(ctx, `
			SELECT holder, seq, expires_at FROM locks WHERE resource = ?`,
			resource).Scan(&curHolder, &curSeq, &curExpires)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			lk.Seq = 1
			_, err := tx.ExecContext(ctx, `
				INSERT INTO locks (resource, holder, seq, acquired_at, expires_at)
				VALUES (?, ?, ?, ?, ?)`,
				resource, holder, lk.Seq, store.FormatTime(lk.AcquiredAt), store.FormatTime(lk.ExpiresAt))
			return err
		case err != nil:
			return fmt.Errorf("read lock: %w", err)
		}

		live := curExpires > store.FormatTime(now)
		if live && curHolder != holder {
			return &swarmerr.ConflictError{
				Op:      "lock.acquire",
				Msg:     fmt.Sprintf("resource %q is locked", resource),
				Holders: []string{curHolder},
			}
		}

		lk.Seq = curSeq + 1
		_, err = tx.ExecContext(ctx, `
			UPDATE locks SET holder = ?, seq = ?, acquired_at = ?, expires_at = ?
			WHERE resource = ?`,
			holder, lk.Seq, store.FormatTime(lk.AcquiredAt), store.FormatTime(lk.ExpiresAt), resource)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("lock acquired", "resource", resource, "holder", holder, "seq", lk.Seq)
	return lk, nil
}

// Renew extends the lease without changing the fence. The caller must
// present the holder and seq from its acquisition; a stale fence means
// the lock was stolen after expiry and renewal is refused.
func (s *Service) Renew(ctx context.Context, resource, holder string, seq int64, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := time.Now()
	lk := &Lock{Resource: resource, Holder: holder, Seq: seq, ExpiresAt: now.Add(ttl)}

	err := s.store.Transact(ctx, func(tx *sql.Tx) error {
		cur, err := readLock(ctx, tx, resource)
		if err != nil {
			return err
		}
		if cur == nil {
			return &swarmerr.NotFoundError{Op: "lock.renew", Kind: "lock", ID: resource}
		}
		if cur.Holder != holder || cur.Seq != seq {
			return staleFence("lock.renew", resource, cur, holder, seq)
		}
		lk.AcquiredAt = cur.AcquiredAt

		_, err = tx.ExecContext(ctx, `UPDATE locks SET expires_at = ? WHERE resource = ?`,
			store.FormatTime(lk.ExpiresAt), resource)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lk, nil
}

// Release ends the lease by expiring the row in place. The sequence
// survives so the next Acquire hands out a larger fence.
func (s *Service) Release(ctx context.Context, resource, holder string, seq int64) error {
	err := s.store.Transact(ctx, func(tx *sql.Tx) error {
		cur, err := readLock(ctx, tx, resource)
		if err != nil {
			return err
		}
		if cur == nil {
			return &swarmerr.NotFoundError{Op: "lock.release", Kind: "lock", ID: resource}
		}
		if cur.Holder != holder || cur.Seq != seq {
			return staleFence("lock.release", resource, cur, holder, seq)
		}

		_, err = tx.ExecContext(ctx, `UPDATE locks SET expires_at = ? WHERE resource = ?`,
			store.FormatTime(time.Now()), resource)
		return err
	})
	if err != nil {
		return err
	}

	s.logger.Debug("lock released", "resource", resource, "holder", holder, "seq", seq)
	return nil
}

// Get returns the current lock row for resource, expired or not.
func (s *Service) Get(ctx context.Context, resource string) (*Lock, error) {
	var lk *Lock
	err := s.store.Transact(ctx, func(tx *sql.Tx) error {
		var err error
		lk, err = readLock(ctx, tx, resource)
		return err
	})
	if err != nil {
		return nil, err
	}
	if lk == nil {
		return nil, &swarmerr.NotFoundError{Op: "lock.get", Kind: "lock", ID: resource}
	}
	return lk, nil
}

// List returns every lock row whose lease is still live.
func (s *Service) List(ctx context.Context) ([]Lock, error) {
	rows, err := s.store.QueryContext(ctx, `
		SELECT resource, holder, seq, acquired_at, expires_at
		FROM locks WHERE expires_at > ? ORDER BY resource`,
		store.FormatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Lock
	for rows.Next() {
		lk, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *lk)
	}
	return out, rows.Err()
}

func readLock(ctx context.Context, tx *sql.Tx, resource string) (*Lock, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT resource, holder, seq, acquired_at, expires_at
		FROM locks WHERE resource = ?`, resource)
	lk, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return lk, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLock(row rowScanner) (*Lock, error) {
	var lk Lock
	var acquired, expires string
	if err := row.Scan(&lk.Resource, &lk.Holder, &lk.Seq, &acquired, &expires); err != nil {
		return nil, err
	}
	var err error
	if lk.AcquiredAt, err = store.ParseTime(acquired); err != nil {
		return nil, fmt.Errorf("parse acquired_at: %w", err)
	}
	if lk.ExpiresAt, err = store.ParseTime(expires); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	return &lk, nil
}

func staleFence(op, resource string, cur *Lock, holder string, seq int64) error {
	return &swarmerr.StateError{
		Op: op,
		Msg: fmt.Sprintf("fence mismatch for %q: presented %s/%d, current %s/%d",
			resource, holder, seq, cur.Holder, cur.Seq),
		State: "stale-fence",
	}
}
