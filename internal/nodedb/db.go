// Package nodedb implements the node driver: relational
// persistence of nodes plus the achilles/destroy/licensing/friend-cert
// auxiliary tables, and the permission-aware graph-walk query engine.
//
// Shape grounded on core/access_control.go (role cache fronting persistent
// storage) and core/compliance.go (constraint evaluation); persistence
// target is SQLite in WAL mode via modernc.org/sqlite.
package nodedb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/openodin/core/internal/codec"
	_ "modernc.org/sqlite"
)

// DB is the node driver's handle onto the SQLite database.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path in WAL mode
// and ensures the node schema exists.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("nodedb: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("nodedb: enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("nodedb: apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

// SQL exposes the underlying *sql.DB so the blob driver can share one
// database file/connection pool.
func (d *DB) SQL() *sql.DB { return d.db }

func (d *DB) Close() error { return d.db.Close() }

type nodeRow struct {
	ID1                 []byte
	ParentID            []byte
	Encoded             []byte
	ExpireTime          int64
	IsOnlineIDValidated bool
	StorageTime         int64
}

func decodeRow(r nodeRow) (*codec.Node, error) {
	n, err := codec.Decode(r.Encoded)
	if err != nil {
		return nil, fmt.Errorf("nodedb: decode stored node: %w", err)
	}
	n.Transient.IsOnlineIDValidated = r.IsOnlineIDValidated
	n.Transient.StorageTime = r.StorageTime
	return n, nil
}

// GetNodeByID1 returns the node with the given id1, or nil if absent or
// expired at time now.
func (d *DB) GetNodeByID1(ctx context.Context, id1 [32]byte, now int64) (*codec.Node, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id1, parentid, encoded, expiretime, is_online_id_validated, storagetime
		 FROM nodes WHERE id1 = ?`, id1[:])
	var r nodeRow
	if err := row.Scan(&r.ID1, &r.ParentID, &r.Encoded, &r.ExpireTime, &r.IsOnlineIDValidated, &r.StorageTime); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("nodedb: get node: %w", err)
	}
	if r.ExpireTime != 0 && r.ExpireTime <= now {
		return nil, nil
	}
	return decodeRow(r)
}

// GetNodesByID1 is the batch variant of GetNodeByID1.
func (d *DB) GetNodesByID1(ctx context.Context, id1s [][32]byte, now int64) (map[[32]byte]*codec.Node, error) {
	out := make(map[[32]byte]*codec.Node, len(id1s))
	for _, id := range id1s {
		n, err := d.GetNodeByID1(ctx, id, now)
		if err != nil {
			return nil, err
		}
		if n != nil {
			out[id] = n
		}
	}
	return out, nil
}

// DeleteNodes removes the given node rows along with their auxiliary table
// rows.
func (d *DB) DeleteNodes(ctx context.Context, id1s [][32]byte) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("nodedb: begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, id := range id1s {
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id1 = ?`, id[:]); err != nil {
			return fmt.Errorf("nodedb: delete node: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM achilles_hashes WHERE id1 = ?`, id[:]); err != nil {
			return fmt.Errorf("nodedb: delete achilles: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM licensing_hashes WHERE license_id1 = ?`, id[:]); err != nil {
			return fmt.Errorf("nodedb: delete licensing: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM friend_certs WHERE id1 = ?`, id[:]); err != nil {
			return fmt.Errorf("nodedb: delete friend certs: %w", err)
		}
	}
	return tx.Commit()
}

// GetExpiredNodeID1s returns up to limit id1s whose expireTime has passed
// by now, for the expiry-GC sweep.
func (d *DB) GetExpiredNodeID1s(ctx context.Context, now int64, limit int) ([][32]byte, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id1 FROM nodes WHERE expiretime != 0 AND expiretime <= ? LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("nodedb: query expired: %w", err)
	}
	defer rows.Close()
	var out [][32]byte
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		var id [32]byte
		copy(id[:], b)
		out = append(out, id)
	}
	return out, rows.Err()
}

// BumpBlobNode updates trailupdatetime on node and its ancestor trail so
// that downstream peers observing the ancestor trail notice the blob
// finalisation.
func (d *DB) BumpBlobNode(ctx context.Context, id1 [32]byte, now int64) error {
	cur := id1
	for i := 0; i < 64; i++ { // bounded: content-addressed parents cannot cycle, but cap defensively
		res, err := d.db.ExecContext(ctx, `UPDATE nodes SET trailupdatetime = ? WHERE id1 = ?`, now, cur[:])
		if err != nil {
			return fmt.Errorf("nodedb: bump trail: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		var parent []byte
		err = d.db.QueryRowContext(ctx, `SELECT parentid FROM nodes WHERE id1 = ?`, cur[:]).Scan(&parent)
		if err != nil {
			return nil
		}
		if isZero(parent) {
			return nil
		}
		copy(cur[:], parent)
	}
	return nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
