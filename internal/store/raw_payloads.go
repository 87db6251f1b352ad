package store

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// RawPayload is an archived input table exactly as it was fetched.
type RawPayload struct {
	ID                int64
	FetchedAt         time.Time
	Source            string
	PayloadCompressed []byte
	PayloadHash       string
	SizeBytes         int64
}

// StoreRawPayload gzips and stores an input table keyed by its sha256.
// Storing identical bytes twice returns the existing id with dup set.
func (s *Store) StoreRawPayload(source string, payload []byte) (id int64, dup bool, err error) {
	hash := sha256.Sum256(payload)
	hashHex := hex.EncodeToString(hash[:])

	existing, err := s.GetRawPayloadByHash(hashHex)
	if err != nil {
		return 0, false, fmt.Errorf("lookup payload: %w", err)
	}
	if existing != nil {
		return existing.ID, true, nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return 0, false, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, false, fmt.Errorf("close gzip: %w", err)
	}

	result, err := s.db.Exec(`
		INSERT INTO raw_payloads (fetched_at, source, payload_compressed, payload_hash, size_bytes)
		VALUES (?, ?, ?, ?, ?)
	`, time.Now().UTC(), source, buf.Bytes(), hashHex, len(payload))
	if err != nil {
		return 0, false, fmt.Errorf("insert raw payload: %w", err)
	}

	id, err = result.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	return id, false, nil
}

// GetRawPayload retrieves and decompresses a stored payload by ID.
func (s *Store) GetRawPayload(id int64) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRow(`SELECT payload_compressed FROM raw_payloads WHERE id = ?`, id).
		Scan(&compressed)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// GetRawPayloadByHash returns the payload with the given sha256 hex digest,
// or nil if none is stored.
func (s *Store) GetRawPayloadByHash(hash string) (*RawPayload, error) {
	row := s.db.QueryRow(`
		SELECT id, fetched_at, source, payload_compressed, payload_hash, size_bytes
		FROM raw_payloads WHERE payload_hash = ?
	`, hash)

	var p RawPayload
	err := row.Scan(&p.ID, &p.FetchedAt, &p.Source, &p.PayloadCompressed, &p.PayloadHash, &p.SizeBytes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RawPayloadStats contains storage statistics for raw payloads.
type RawPayloadStats struct {
	TotalCount      int
	TotalSizeBytes  int64 // uncompressed
	CompressedBytes int64
}

func (s *Store) GetRawPayloadStats() (*RawPayloadStats, error) {
	var stats RawPayloadStats
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0), COALESCE(SUM(LENGTH(payload_compressed)), 0)
		FROM raw_payloads
	`).Scan(&stats.TotalCount, &stats.TotalSizeBytes, &stats.CompressedBytes)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
