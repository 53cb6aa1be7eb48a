package nodedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/openodin/core/internal/codec"
)

// CanRead reports whether target may see/read n: public, owned-by-target, or
// covered by a licensing_hashes row whose target/friend-chain resolves to
// target, walking at most one friend_certs hop (see DESIGN.md).
func (d *DB) CanRead(ctx context.Context, n *codec.Node, target []byte) (bool, error) {
	if n.IsPublic {
		return true, nil
	}
	if bytesEqual(n.Owner, target) {
		return true, nil
	}
	if !n.IsLicensed {
		return false, nil
	}
	return d.hasValidLicense(ctx, n, target)
}

// hasValidLicense checks licensing_hashes for a row covering n whose target
// resolves to the requesting key, either directly or via one friend_certs
// hop from the license owner.
func (d *DB) hasValidLicense(ctx context.Context, n *codec.Node, target []byte) (bool, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT license_id1, target, parentpathhash, restrictivemode_writer, restrictivemode_manager
		 FROM licensing_hashes WHERE hash = ?`, n.ID1[:])
	if err != nil {
		return false, fmt.Errorf("nodedb: query licensing: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var licenseID1, licTarget, parentPathHash []byte
		var restrictiveWriter, restrictiveManager bool
		if err := rows.Scan(&licenseID1, &licTarget, &parentPathHash, &restrictiveWriter, &restrictiveManager); err != nil {
			return false, err
		}
		if !bytesEqual(parentPathHash, n.ParentID[:]) {
			continue // ancestor-path mismatch: license does not cover this row's position
		}
		if bytesEqual(licTarget, target) {
			return true, nil
		}
		var licenseOwner []byte
		err := d.db.QueryRowContext(ctx,
			`SELECT owner FROM nodes WHERE id1 = ?`, licenseID1).Scan(&licenseOwner)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("nodedb: query license owner: %w", err)
		}
		ok, err := d.friendCovers(ctx, licenseOwner, target)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, rows.Err()
}

// friendCovers reports whether a single friend_certs hop links licenseOwner
// to target.
func (d *DB) friendCovers(ctx context.Context, licenseOwner, target []byte) (bool, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM friend_certs WHERE owner = ? AND constraints = ?`, licenseOwner, target).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("nodedb: query friend certs: %w", err)
	}
	return count > 0, nil
}

// FetchSingleNode reads one node by id1 for single-item reads and applies the
// same CanRead check that Fetch applies to each row. Licenses on the node's
// ancestors are not consulted; only licenses naming this node count.
func (d *DB) FetchSingleNode(ctx context.Context, id1 [32]byte, now int64, source, target []byte) (*codec.Node, error) {
	n, err := d.GetNodeByID1(ctx, id1, now)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, nil
	}
	allowed, err := d.CanRead(ctx, n, target)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrNotAllowed
	}
	return n, nil
}

// ErrNotAllowed is returned for direct single-item operations lacking
// permission.
var ErrNotAllowed = errNotAllowed{}

type errNotAllowed struct{}

func (errNotAllowed) Error() string { return "nodedb: not allowed" }
