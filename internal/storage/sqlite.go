/*
 *    Copyright 2022 scailio GmbH
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	leaseerr "github.com/scailio-oss/dlease/error"
	"github.com/scailio-oss/dlease/lease"
)

type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// SQLite is a DB on a local SQLite file. The resource id is the primary key of the lease table, which makes the
// conditional insert a single upsert guarded by that key. Committed changes are published to an in-process MemFeed,
// i.e. processes sharing one database file do not see each other's changes on their feeds.
type SQLite struct {
	db   *sql.DB
	feed *MemFeed

	writeMu sync.Mutex // held from begin to publish, so the feed sees changes in commit order
}

// OpenSQLite opens (and creates/migrates) the database at cfg.Path.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// _txlock=immediate: transactions take the write lock on BEGIN, so the read of the previous row and the upsert
	// happen on the same snapshot.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLite{db: db, feed: NewMemFeed()}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Feed returns the feed all committed changes are published to.
func (s *SQLite) Feed() *MemFeed {
	return s.feed
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at_ms INTEGER NOT NULL
);`); err != nil {
		return err
	}

	var cur sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations;`).Scan(&cur); err != nil {
		return err
	}

	const latest = 1
	for v := int(cur.Int64) + 1; v <= latest; v++ {
		if err := s.applyMigration(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) applyMigration(ctx context.Context, version int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	switch version {
	case 1:
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS leases (
  resource_id    TEXT PRIMARY KEY,
  holder_id      TEXT NOT NULL,
  holder_name    TEXT NOT NULL,
  kind           TEXT NOT NULL,
  lease_id       TEXT NOT NULL,
  acquired_at_ms INTEGER NOT NULL,
  expires_at_ms  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leases_expiry ON leases(expires_at_ms);
`); err != nil {
			return fmt.Errorf("migration v1 failed: %w", err)
		}
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at_ms) VALUES(?, ?);`,
		version, time.Now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

const selectLease = `
SELECT resource_id, holder_id, holder_name, kind, lease_id, acquired_at_ms, expires_at_ms
FROM   leases`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLease(row rowScanner) (*lease.Lease, error) {
	var l lease.Lease
	var kind string
	var acquired, expires int64
	if err := row.Scan(&l.ResourceID, &l.HolderID, &l.HolderName, &kind, &l.LeaseID, &acquired, &expires); err != nil {
		return nil, err
	}
	k, err := lease.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	l.Kind = k
	l.AcquiredAt = time.UnixMilli(acquired)
	l.ExpiresAt = time.UnixMilli(expires)
	return &l, nil
}

func getLease(ctx context.Context, tx *sql.Tx, resourceID string) (*lease.Lease, error) {
	l, err := scanLease(tx.QueryRowContext(ctx, selectLease+` WHERE resource_id = ?`, resourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

// Runs fn in a write transaction and publishes the returned changes after a successful commit.
func (s *SQLite) write(ctx context.Context, fn func(tx *sql.Tx) ([]Change, error)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	changes, err := fn(tx)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, c := range changes {
		s.feed.Publish(c)
	}
	return nil
}

func (s *SQLite) Acquire(ctx context.Context, l lease.Lease, stealUntil time.Time) (*AcquireInfo, error) {
	var info *AcquireInfo
	err := s.write(ctx, func(tx *sql.Tx) ([]Change, error) {
		prev, err := getLease(ctx, tx, l.ResourceID)
		if err != nil {
			return nil, err
		}

		res, err := tx.ExecContext(ctx, `
INSERT INTO leases (resource_id, holder_id, holder_name, kind, lease_id, acquired_at_ms, expires_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (resource_id) DO UPDATE SET
  holder_id      = excluded.holder_id,
  holder_name    = excluded.holder_name,
  kind           = excluded.kind,
  lease_id       = excluded.lease_id,
  acquired_at_ms = excluded.acquired_at_ms,
  expires_at_ms  = excluded.expires_at_ms
WHERE leases.expires_at_ms <= ? OR leases.holder_id = excluded.holder_id`,
			l.ResourceID, l.HolderID, l.HolderName, l.Kind.String(), l.LeaseID,
			l.AcquiredAt.UnixMilli(), l.ExpiresAt.UnixMilli(), stealUntil.UnixMilli())
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			taken := &leaseerr.LeaseTakenError{Cause: errors.New("live lease exists")}
			if prev != nil {
				taken.Holder = *prev
			}
			return nil, taken
		}

		info = &AcquireInfo{Previous: prev}
		stored := l
		stored.AcquiredAt = time.UnixMilli(l.AcquiredAt.UnixMilli())
		stored.ExpiresAt = time.UnixMilli(l.ExpiresAt.UnixMilli())
		op := OpInsert
		if prev != nil {
			op = OpModify
		}
		return []Change{{Op: op, ResourceID: l.ResourceID, New: &stored, Old: prev}}, nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (s *SQLite) Get(ctx context.Context, resourceID string, liveAfter time.Time) (*lease.Lease, error) {
	l, err := scanLease(s.db.QueryRowContext(ctx, selectLease+` WHERE resource_id = ? AND expires_at_ms > ?`,
		resourceID, liveAfter.UnixMilli()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func (s *SQLite) Renew(ctx context.Context, resourceID string, holderID string, newUntil time.Time) (bool, error) {
	renewed := false
	err := s.write(ctx, func(tx *sql.Tx) ([]Change, error) {
		prev, err := getLease(ctx, tx, resourceID)
		if err != nil || prev == nil {
			return nil, err
		}

		res, err := tx.ExecContext(ctx, `UPDATE leases SET expires_at_ms = ? WHERE resource_id = ? AND holder_id = ?`,
			newUntil.UnixMilli(), resourceID, holderID)
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return nil, err
		}

		renewed = true
		next := *prev
		next.ExpiresAt = time.UnixMilli(newUntil.UnixMilli())
		return []Change{{Op: OpModify, ResourceID: resourceID, New: &next, Old: prev}}, nil
	})
	return renewed, err
}

func (s *SQLite) Remove(ctx context.Context, resourceID string, holderID string) (bool, error) {
	removed := false
	err := s.write(ctx, func(tx *sql.Tx) ([]Change, error) {
		prev, err := getLease(ctx, tx, resourceID)
		if err != nil || prev == nil {
			return nil, err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE resource_id = ? AND holder_id = ?`, resourceID, holderID)
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return nil, err
		}

		removed = true
		return []Change{{Op: OpRemove, ResourceID: resourceID, Old: prev}}, nil
	})
	return removed, err
}

func (s *SQLite) Sweep(ctx context.Context, before time.Time) (int64, error) {
	var swept int64
	err := s.write(ctx, func(tx *sql.Tx) ([]Change, error) {
		rows, err := tx.QueryContext(ctx, selectLease+` WHERE expires_at_ms <= ?`, before.UnixMilli())
		if err != nil {
			return nil, err
		}
		var expired []*lease.Lease
		for rows.Next() {
			l, err := scanLease(rows)
			if err != nil {
				_ = rows.Close()
				return nil, err
			}
			expired = append(expired, l)
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}

		changes := make([]Change, 0, len(expired))
		for _, l := range expired {
			// re-check expiry in the WHERE, the row is only removed if it was not renewed in between
			res, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE resource_id = ? AND expires_at_ms <= ?`,
				l.ResourceID, before.UnixMilli())
			if err != nil {
				return nil, err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return nil, err
			}
			if n > 0 {
				swept++
				changes = append(changes, Change{Op: OpRemove, ResourceID: l.ResourceID, Old: l})
			}
		}
		return changes, nil
	})
	if err != nil {
		return 0, err
	}
	return swept, nil
}
