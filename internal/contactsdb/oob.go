package contactsdb

import (
	"bytes"
	"compress/flate"
	"context"
	"fmt"
	"io"
	"math"
)

// oobEntropySampleSize bounds the Shannon-entropy sample used to decide
// whether a byte-valued OOB entry is worth compressing (spec §4.F).
const oobEntropySampleSize = 256

// oobEntropyThreshold: bytes values are compressed only when the sampled
// entropy falls below this, i.e. the data is not already dense/compressed.
const oobEntropyThreshold = 0.85

// oobStringLengthThreshold: string values are compressed only above this
// length.
const oobStringLengthThreshold = 256

// StoreOOB writes scope:key entries, compressing eligible values per the
// entropy/length heuristic of spec §4.F/§4.I.
func (s *Store) StoreOOB(ctx context.Context, scope string, entries map[string]OOBEntry) (BatchErrors, error) {
	errs := make(BatchErrors)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unspecified("StoreOOB", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO OOB (scope, key, value, is_string, compression)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET
			value = excluded.value, is_string = excluded.is_string, compression = excluded.compression
	`)
	if err != nil {
		return nil, unspecified("StoreOOB", err)
	}
	defer stmt.Close()

	i := 0

	for key, entry := range entries {
		value, compression, compErr := compressOOBValue(entry)
		if compErr != nil {
			errs[i] = Unspecified
			i++
			continue
		}

		if _, err := stmt.ExecContext(ctx, scope, key, value, boolToInt(entry.IsString), int(compression)); err != nil {
			errs[i] = Unspecified
			i++
			continue
		}

		i++
	}

	if err := tx.Commit(); err != nil {
		return nil, unspecified("StoreOOB", err)
	}

	return errs, nil
}

// FetchOOB retrieves entries for the given keys (or the whole scope when
// keys is empty), transparently decompressing per the stored tag.
func (s *Store) FetchOOB(ctx context.Context, scope string, keys []string) (map[string]OOBEntry, error) {
	query := `SELECT key, value, is_string, compression FROM OOB WHERE scope = ?`
	args := []any{scope}

	if len(keys) > 0 {
		query += " AND key IN ("
		for i, k := range keys {
			if i > 0 {
				query += ", "
			}

			query += "?"
			args = append(args, k)
		}

		query += ")"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unspecified("FetchOOB", err)
	}
	defer rows.Close()

	out := make(map[string]OOBEntry)

	for rows.Next() {
		var (
			key         string
			value       []byte
			isString    int
			compression int
		)

		if err := rows.Scan(&key, &value, &isString, &compression); err != nil {
			return nil, unspecified("FetchOOB", err)
		}

		decompressed, err := decompressOOBValue(value, OOBCompression(compression))
		if err != nil {
			return nil, unspecified("FetchOOB", err)
		}

		out[key] = OOBEntry{Scope: scope, Key: key, Value: decompressed, IsString: isString != 0, Compression: OOBCompression(compression)}
	}

	return out, rows.Err()
}

// FetchOOBKeys lists every key stored under scope.
func (s *Store) FetchOOBKeys(ctx context.Context, scope string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM OOB WHERE scope = ?`, scope)
	if err != nil {
		return nil, unspecified("FetchOOBKeys", err)
	}
	defer rows.Close()

	var keys []string

	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, unspecified("FetchOOBKeys", err)
		}

		keys = append(keys, k)
	}

	return keys, rows.Err()
}

// RemoveOOB deletes keys under scope (or the whole scope when keys is nil).
func (s *Store) RemoveOOB(ctx context.Context, scope string, keys []string) error {
	if len(keys) == 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM OOB WHERE scope = ?`, scope); err != nil {
			return unspecified("RemoveOOB", err)
		}

		return nil
	}

	for _, k := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM OOB WHERE scope = ? AND key = ?`, scope, k); err != nil {
			return unspecified("RemoveOOB", err)
		}
	}

	return nil
}

func compressOOBValue(entry OOBEntry) ([]byte, OOBCompression, error) {
	if entry.IsString {
		if len(entry.Value) <= oobStringLengthThreshold {
			return entry.Value, OOBNone, nil
		}

		compressed, err := deflateBytes(entry.Value)
		if err != nil {
			return nil, OOBNone, err
		}

		return compressed, OOBDeflateUTF8, nil
	}

	if shannonEntropy(sampleBytes(entry.Value, oobEntropySampleSize)) >= oobEntropyThreshold {
		return entry.Value, OOBNone, nil
	}

	compressed, err := deflateBytes(entry.Value)
	if err != nil {
		return nil, OOBNone, err
	}

	return compressed, OOBDeflateBytes, nil
}

func decompressOOBValue(value []byte, compression OOBCompression) ([]byte, error) {
	if compression == OOBNone {
		return value, nil
	}

	return inflateBytes(value)
}

func sampleBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}

	return b[:n]
}

// shannonEntropy returns the normalised (0..1) Shannon entropy of b's byte
// distribution, used as the compression-worthiness heuristic (spec §4.F).
func shannonEntropy(b []byte) float64 {
	if len(b) == 0 {
		return 0
	}

	var counts [256]int

	for _, c := range b {
		counts[c]++
	}

	entropy := 0.0
	total := float64(len(b))

	for _, c := range counts {
		if c == 0 {
			continue
		}

		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}

	return entropy / 8.0
}

func deflateBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("contactsdb: deflate writer: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("contactsdb: deflate write: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("contactsdb: deflate close: %w", err)
	}

	return buf.Bytes(), nil
}

func inflateBytes(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("contactsdb: inflate: %w", err)
	}

	return out, nil
}
