package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/flmw/dbopen"
)

// lookupChunk bounds the number of bound parameters per IN (...) query.
const lookupChunk = 500

// Record is the metadata derived for one catalog item.
type Record struct {
	ID          int64     `json:"id"`
	AltSubtitle bool      `json:"alt_subtitle,omitempty"`
	Resolution  string    `json:"resolution,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// FindByIDs returns the records that exist for ids. Missing ids are absent
// from the map; that is not an error.
func (s *Store) FindByIDs(ctx context.Context, ids []int64) (map[int64]Record, error) {
	out := make(map[int64]Record, len(ids))
	uniq := dedupe(ids)

	for start := 0; start < len(uniq); start += lookupChunk {
		end := min(start+lookupChunk, len(uniq))
		if err := s.findChunk(ctx, uniq[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) findChunk(ctx context.Context, ids []int64, out map[int64]Record) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, alt_subtitle, resolution, created_at
		FROM metadata WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("metastore: find: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r          Record
			altSub     sql.NullBool
			resolution sql.NullString
			createdAt  int64
		)
		if err := rows.Scan(&r.ID, &altSub, &resolution, &createdAt); err != nil {
			return fmt.Errorf("metastore: scan: %w", err)
		}
		r.AltSubtitle = altSub.Valid && altSub.Bool
		r.Resolution = resolution.String
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		out[r.ID] = r
	}
	return rows.Err()
}

// CreateIfAbsent inserts rec. It returns false without error when a record
// with the same id already exists; the stored record is left untouched.
// A zero CreatedAt is stored as the current time.
func (s *Store) CreateIfAbsent(ctx context.Context, rec Record) (bool, error) {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var altSub, resolution any
	if rec.AltSubtitle {
		altSub = 1
	}
	if rec.Resolution != "" {
		resolution = rec.Resolution
	}

	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO metadata (id, alt_subtitle, resolution, created_at)
		VALUES (?, ?, ?, ?)`,
		rec.ID, altSub, resolution, createdAt.UnixMilli())
	if dbopen.IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("metastore: insert %d: %w", rec.ID, err)
	}
	return true, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM metadata`).Scan(&n); err != nil {
		return 0, fmt.Errorf("metastore: count: %w", err)
	}
	return n, nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
