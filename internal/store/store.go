package store

import (
	"database/sql"
	"errors"
	"time"
)

// ErrConflict is returned when a conditional update matched no row because
// another writer changed it first.
var ErrConflict = errors.New("store conflict")

// ErrLeaseLost is returned when a lease expired and another holder took or
// released the row since.
var ErrLeaseLost = errors.New("lease lost")

type scanner interface{ Scan(...any) error }

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for size < len(items) {
		items, out = items[size:], append(out, items[:size])
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

func toArgs[T any](items []T) []any {
	args := make([]any, len(items))
	for i, v := range items {
		args[i] = v
	}
	return args
}

// inChunk bounds the size of IN (...) lists.
const inChunk = 500
