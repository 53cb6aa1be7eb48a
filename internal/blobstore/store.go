// Package blobstore implements the blob driver: fragmented
// intermediary writes, continuous-prefix length tracking, hash-verified
// finalisation and read-back.
//
// The staging/eviction bookkeeping during a fragment write is grounded on
// core/storage.go's diskLRU (put/get, eviction-by-insertion-order), adapted
// here from a whole-object disk cache into a per-fragment offset tracker
// backed by SQLite instead of the filesystem.
package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/openodin/core/internal/nodecrypto"
	"github.com/openodin/core/internal/wire"
	_ "modernc.org/sqlite"
)

var (
	ErrExists       = errors.New("blobstore: already finalized")
	ErrMismatch     = errors.New("blobstore: length/hash mismatch")
	ErrOutOfRange   = errors.New("blobstore: position out of safe range")
	ErrNotFinalized = errors.New("blobstore: blob not finalized")
)

// Store persists blob fragments and finalised blobs in a SQLite database in
// WAL mode, sharing the storage engine's database file with the node driver.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and ensures
// the blob schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("blobstore: enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("blobstore: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenWithDB wraps an already-open *sql.DB (used when the node driver and
// blob driver share one connection pool / one database file).
func OpenWithDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("blobstore: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DataID derives dataid = H(nodeId1, sourcePublicKey),
// isolating fragments per writer so two peers writing the same node's blob
// never collide.
func DataID(nodeID1 [32]byte, sourcePublicKey []byte) [32]byte {
	return nodecrypto.HashConcat(nodeID1[:], sourcePublicKey)
}

func fragOf(pos uint64) uint64 { return pos / wire.BlobFragmentSize }

// WriteBlob appends or overwrites fragment bytes within [pos, pos+len(data)).
// pos must fit within the safe integer range; out-of-range
// positions fail with ErrOutOfRange so the engine can surface ERROR.
func (s *Store) WriteBlob(ctx context.Context, dataID [32]byte, pos uint64, data []byte, now int64) (uint64, error) {
	if len(data) == 0 {
		return s.ReadBlobIntermediaryLength(ctx, dataID)
	}
	if pos > math.MaxInt64 || pos+uint64(len(data)) > math.MaxInt64 {
		return 0, ErrOutOfRange
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("blobstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	startFrag := fragOf(pos)
	endFrag := fragOf(pos + uint64(len(data)) - 1)
	for frag := startFrag; frag <= endFrag; frag++ {
		fragStartAbs := frag * wire.BlobFragmentSize
		writeFrom := pos
		if fragStartAbs > writeFrom {
			writeFrom = fragStartAbs
		}
		writeToExclusive := pos + uint64(len(data))
		if fragStartAbs+wire.BlobFragmentSize < writeToExclusive {
			writeToExclusive = fragStartAbs + wire.BlobFragmentSize
		}
		offsetInFrag := writeFrom - fragStartAbs
		chunk := data[writeFrom-pos : writeToExclusive-pos]

		existing, err := loadFragment(ctx, tx, dataID, frag)
		if err != nil {
			return 0, err
		}
		needed := int(offsetInFrag) + len(chunk)
		if needed > len(existing) {
			grown := make([]byte, needed)
			copy(grown, existing)
			existing = grown
		}
		copy(existing[offsetInFrag:], chunk)

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO blob_data (dataid, fragmentnr, finalized, fragment, creationtime)
			 VALUES (?, ?, 0, ?, ?)
			 ON CONFLICT(dataid, fragmentnr) DO UPDATE SET fragment=excluded.fragment`,
			dataID[:], frag, existing, now); err != nil {
			return 0, fmt.Errorf("blobstore: write fragment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("blobstore: commit: %w", err)
	}
	return s.ReadBlobIntermediaryLength(ctx, dataID)
}

func loadFragment(ctx context.Context, tx *sql.Tx, dataID [32]byte, frag uint64) ([]byte, error) {
	var frag_ []byte
	err := tx.QueryRowContext(ctx,
		`SELECT fragment FROM blob_data WHERE dataid = ? AND fragmentnr = ?`, dataID[:], frag).Scan(&frag_)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: load fragment: %w", err)
	}
	return frag_, nil
}

// ReadBlobIntermediaryLength returns the length of the continuous,
// zero-started prefix currently buffered for dataID: it
// walks fragmentnr = 0, 1, 2, ... summing full BLOB_FRAGMENT_SIZE fragments
// until it finds a short (partial, i.e. not-yet-complete) fragment or a gap.
func (s *Store) ReadBlobIntermediaryLength(ctx context.Context, dataID [32]byte) (uint64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fragmentnr, fragment FROM blob_data WHERE dataid = ? ORDER BY fragmentnr ASC`, dataID[:])
	if err != nil {
		return 0, fmt.Errorf("blobstore: query fragments: %w", err)
	}
	defer rows.Close()

	var total uint64
	var expected uint64
	for rows.Next() {
		var nr uint64
		var frag []byte
		if err := rows.Scan(&nr, &frag); err != nil {
			return 0, fmt.Errorf("blobstore: scan fragment: %w", err)
		}
		if nr != expected {
			break // gap
		}
		total += uint64(len(frag))
		if len(frag) < wire.BlobFragmentSize {
			break // partial (not-yet-complete) fragment ends the continuous prefix
		}
		expected++
	}
	return total, rows.Err()
}

// FinalizeWriteBlob reads the full continuous prefix, hashes it, and
// compares against blobHash. On match it marks every fragment finalized and
// records the blob(node_id1, dataid) binding. Idempotent:
// finalising an already-finalised dataid returns ErrExists, not an error the
// caller should retry against.
func (s *Store) FinalizeWriteBlob(ctx context.Context, nodeID1, dataID [32]byte, blobLength uint64, blobHash [32]byte, now int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("blobstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	var already int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blob WHERE node_id1 = ? AND dataid = ?`, nodeID1[:], dataID[:]).Scan(&already); err != nil {
		return fmt.Errorf("blobstore: check existing: %w", err)
	}
	if already > 0 {
		return ErrExists
	}

	bytes, err := s.readContinuous(ctx, tx, dataID, blobLength)
	if err != nil {
		return err
	}
	if uint64(len(bytes)) != blobLength {
		return ErrMismatch
	}
	if nodecrypto.Hash(bytes) != blobHash {
		return ErrMismatch
	}

	if _, err := tx.ExecContext(ctx, `UPDATE blob_data SET finalized = 1 WHERE dataid = ?`, dataID[:]); err != nil {
		return fmt.Errorf("blobstore: mark finalized: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO blob (node_id1, dataid, storagetime) VALUES (?, ?, ?)`, nodeID1[:], dataID[:], now); err != nil {
		return fmt.Errorf("blobstore: insert blob row: %w", err)
	}
	return tx.Commit()
}

func (s *Store) readContinuous(ctx context.Context, tx *sql.Tx, dataID [32]byte, length uint64) ([]byte, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT fragmentnr, fragment FROM blob_data WHERE dataid = ? ORDER BY fragmentnr ASC`, dataID[:])
	if err != nil {
		return nil, fmt.Errorf("blobstore: query fragments: %w", err)
	}
	defer rows.Close()

	out := make([]byte, 0, length)
	var expected uint64
	for rows.Next() {
		var nr uint64
		var frag []byte
		if err := rows.Scan(&nr, &frag); err != nil {
			return nil, fmt.Errorf("blobstore: scan fragment: %w", err)
		}
		if nr != expected {
			break
		}
		out = append(out, frag...)
		expected++
		if uint64(len(out)) >= length {
			break
		}
	}
	if uint64(len(out)) > length {
		out = out[:length]
	}
	return out, nil
}

// ReadBlob returns [pos, pos+length) from a finalised blob. It never reads
// intermediary (non-finalised) data.
func (s *Store) ReadBlob(ctx context.Context, nodeID1 [32]byte, pos, length uint64) ([]byte, error) {
	var dataID []byte
	err := s.db.QueryRowContext(ctx, `SELECT dataid FROM blob WHERE node_id1 = ? LIMIT 1`, nodeID1[:]).Scan(&dataID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFinalized
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: lookup blob: %w", err)
	}
	var id [32]byte
	copy(id[:], dataID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT fragmentnr, fragment FROM blob_data WHERE dataid = ? AND finalized = 1 ORDER BY fragmentnr ASC`, id[:])
	if err != nil {
		return nil, fmt.Errorf("blobstore: query fragments: %w", err)
	}
	defer rows.Close()

	var full []byte
	for rows.Next() {
		var nr uint64
		var frag []byte
		if err := rows.Scan(&nr, &frag); err != nil {
			return nil, fmt.Errorf("blobstore: scan fragment: %w", err)
		}
		full = append(full, frag...)
	}
	if pos >= uint64(len(full)) {
		return nil, nil
	}
	end := pos + length
	if end > uint64(len(full)) {
		end = uint64(len(full))
	}
	return full[pos:end], nil
}

// BlobExists reports which of nodeID1s already have a finalised blob.
func (s *Store) BlobExists(ctx context.Context, nodeID1s [][32]byte) (map[[32]byte]bool, error) {
	out := make(map[[32]byte]bool, len(nodeID1s))
	for _, id := range nodeID1s {
		var count int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blob WHERE node_id1 = ?`, id[:]).Scan(&count); err != nil {
			return nil, fmt.Errorf("blobstore: blob exists: %w", err)
		}
		if count > 0 {
			out[id] = true
		}
	}
	return out, nil
}

// DeleteBlobs removes all blob and fragment rows associated with nodeID1s.
func (s *Store) DeleteBlobs(ctx context.Context, nodeID1s [][32]byte) (int, error) {
	var total int64
	for _, id := range nodeID1s {
		rows, err := s.db.QueryContext(ctx, `SELECT dataid FROM blob WHERE node_id1 = ?`, id[:])
		if err != nil {
			return int(total), fmt.Errorf("blobstore: lookup for delete: %w", err)
		}
		var dataIDs [][]byte
		for rows.Next() {
			var d []byte
			if err := rows.Scan(&d); err != nil {
				rows.Close()
				return int(total), err
			}
			dataIDs = append(dataIDs, d)
		}
		rows.Close()

		res, err := s.db.ExecContext(ctx, `DELETE FROM blob WHERE node_id1 = ?`, id[:])
		if err != nil {
			return int(total), fmt.Errorf("blobstore: delete blob row: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
		for _, d := range dataIDs {
			if _, err := s.db.ExecContext(ctx, `DELETE FROM blob_data WHERE dataid = ?`, d); err != nil {
				return int(total), fmt.Errorf("blobstore: delete fragments: %w", err)
			}
		}
	}
	return int(total), nil
}

// DeleteNonfinalizedBlobData garbage-collects fragment rows older than
// threshold, capped at limit rows per call.
func (s *Store) DeleteNonfinalizedBlobData(ctx context.Context, threshold time.Time, limit int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM blob_data WHERE rowid IN (
			SELECT rowid FROM blob_data WHERE finalized = 0 AND creationtime < ? LIMIT ?
		)`, threshold.UnixMilli(), limit)
	if err != nil {
		return 0, fmt.Errorf("blobstore: gc fragments: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
