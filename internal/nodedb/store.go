package nodedb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/openodin/core/internal/codec"
)

// StoreResult is the outcome of Store.
type StoreResult struct {
	InsertedID1s      [][32]byte
	TransientUpdated  [][32]byte
	ParentIDs         [][32]byte
	NodesWithBlobs    []*codec.Node
}

// Store runs the five-step store algorithm in a single transaction: compute
// hashes, skip destroyed nodes, upsert-or-skip on uniquehash collision, and
// report what happened.
func (d *DB) Store(ctx context.Context, nodes []*codec.Node, now int64, preserveTransient bool) (StoreResult, error) {
	var result StoreResult

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("nodedb: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, n := range nodes {
		uniqueHash := n.UniqueHash()

		if destroyed, err := isDestroyed(ctx, tx, n); err != nil {
			return result, err
		} else if destroyed {
			continue // step 2: skip nodes already matched by a destroy hash
		}

		var existingTransientHash []byte
		err := tx.QueryRowContext(ctx,
			`SELECT transienthash FROM nodes WHERE uniquehash = ?`, uniqueHash[:]).Scan(&existingTransientHash)
		switch {
		case err == sql.ErrNoRows:
			initHash := committedTransientHash(n, now)
			if err := insertNode(ctx, tx, n, uniqueHash, initHash, now); err != nil {
				return result, err
			}
			result.InsertedID1s = append(result.InsertedID1s, n.ID1)
			result.ParentIDs = append(result.ParentIDs, n.ParentID)
			if n.BlobLength > 0 {
				result.NodesWithBlobs = append(result.NodesWithBlobs, n)
			}
			if err := insertAux(ctx, tx, n); err != nil {
				return result, err
			}
		case err != nil:
			return result, fmt.Errorf("nodedb: lookup uniquehash: %w", err)
		default:
			newHash := n.TransientHash()
			differs := !bytesEqual(existingTransientHash, newHash[:])
			if preserveTransient && differs {
				if _, err := tx.ExecContext(ctx,
					`UPDATE nodes SET transienthash = ?, is_online_id_validated = ?, storagetime = ?
					 WHERE uniquehash = ?`,
					newHash[:], n.Transient.IsOnlineIDValidated, n.Transient.StorageTime, uniqueHash[:]); err != nil {
					return result, fmt.Errorf("nodedb: update transient: %w", err)
				}
				result.TransientUpdated = append(result.TransientUpdated, n.ID1)
			}
			// else: idempotent re-insert, skipped
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("nodedb: commit: %w", err)
	}
	return result, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isDestroyed(ctx context.Context, tx *sql.Tx, n *codec.Node) (bool, error) {
	for _, h := range n.AchillesHashes() {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM destroy_hashes WHERE hash = ?`, h[:]).Scan(&count); err != nil {
			return false, fmt.Errorf("nodedb: check destroy hash: %w", err)
		}
		if count > 0 {
			return true, nil
		}
	}
	return false, nil
}

func insertNode(ctx context.Context, tx *sql.Tx, n *codec.Node, uniqueHash, transientHash [32]byte, now int64) error {
	encoded, err := codec.Encode(n)
	if err != nil {
		return fmt.Errorf("nodedb: encode node: %w", err)
	}
	// is_online_id_validated is never trusted from the incoming node on
	// first insert; it is only ever set via a subsequent preserveTransient
	// re-store.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO nodes (
			id1, id2, parentid, owner, ownertype, creationtime, expiretime, storagetime,
			region, jurisdiction, flags, contenttype, data, blobhash, bloblength,
			uniquehash, transienthash, is_online_id_validated, encoded
		 ) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID1[:], n.ID2[:], n.ParentID[:], n.Owner, n.OwnerType, n.CreationTime, n.ExpireTime, now,
		n.Region, n.Jurisdiction, flagsOf(n), n.ContentType, n.Data, n.BlobHash[:], n.BlobLength,
		uniqueHash[:], transientHash[:], false, encoded)
	if err != nil {
		return fmt.Errorf("nodedb: insert node: %w", err)
	}
	return nil
}

// committedTransientHash is the transienthash recorded for a brand-new row:
// is_online_id_validated always starts false regardless of what the
// incoming node carries.
func committedTransientHash(n *codec.Node, storageTime int64) [32]byte {
	tmp := *n
	tmp.Transient = codec.TransientConfig{IsOnlineIDValidated: false, StorageTime: storageTime}
	return tmp.TransientHash()
}

func flagsOf(n *codec.Node) uint8 {
	var f uint8
	if n.IsPublic {
		f |= 1
	}
	if n.IsLicensed {
		f |= 2
	}
	if n.IsLeaf {
		f |= 4
	}
	return f
}

func insertAux(ctx context.Context, tx *sql.Tx, n *codec.Node) error {
	for _, h := range n.AchillesHashes() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO achilles_hashes (id1, hash) VALUES (?, ?)`, n.ID1[:], h[:]); err != nil {
			return fmt.Errorf("nodedb: insert achilles hash: %w", err)
		}
	}
	for _, s := range n.Signatures {
		if s.CertType == codec.CertTypeFriend {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO friend_certs (id1, owner, constraints, image) VALUES (?, ?, ?, ?)`,
				n.ID1[:], s.PublicKey, n.Data, s.Signature); err != nil {
				return fmt.Errorf("nodedb: insert friend cert: %w", err)
			}
		}
	}
	if n.IsLicensed {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO licensing_hashes (license_id1, hash, disallowretrolicensing, parentpathhash,
				restrictivemode_writer, restrictivemode_manager, target)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			n.ID1[:], refIDOf(n)[:], 0, n.ParentID[:], 0, 0, targetOf(n)); err != nil {
			return fmt.Errorf("nodedb: insert licensing hash: %w", err)
		}
	}
	return nil
}

// refIDOf returns the node the license refers to. A license node uses ID2
// as its refId slot by convention in this schema (a license has no other
// use for id2).
func refIDOf(n *codec.Node) [32]byte { return n.ID2 }

// targetOf returns the public key the license grants read access to. A
// license node carries the recipient key in Data, since Owner is already
// taken by the granting key.
func targetOf(n *codec.Node) []byte { return n.Data }
