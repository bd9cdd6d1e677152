// Package store defines the Partial Result Store: a shared key-value record per
// work item holding the independently written outputs of each analysis stage.
package store

import (
	"context"
	"errors"
	"time"
)

// Field names one partial result inside a work item record.
type Field string

const (
	FieldLandmarks Field = "landmarks"
	FieldAgeGender Field = "age_gender"
)

// Fields lists every field a record must hold before it is complete.
var Fields = []Field{FieldLandmarks, FieldAgeGender}

// ErrNotFound is returned by Get when the field has not been written.
var ErrNotFound = errors.New("partial result not found")

// KeyPrefix is prepended to a work item id to form its record key.
const KeyPrefix = "face:"

// Key returns the record key for a work item.
func Key(workItemID string) string {
	return KeyPrefix + workItemID
}

// Valid reports whether f is one of the known fields.
func (f Field) Valid() bool {
	for _, known := range Fields {
		if f == known {
			return true
		}
	}
	return false
}

// Others returns every field except f.
func (f Field) Others() []Field {
	others := make([]Field, 0, len(Fields)-1)
	for _, known := range Fields {
		if known != f {
			others = append(others, known)
		}
	}
	return others
}

// Reader provides read access to partial results.
type Reader interface {
	// Exists reports whether the field has been written for the work item.
	Exists(ctx context.Context, workItemID string, field Field) (bool, error)

	// Get returns the stored payload, or ErrNotFound.
	Get(ctx context.Context, workItemID string, field Field) ([]byte, error)
}

// Writer provides write access to partial results.
type Writer interface {
	// Put writes one field atomically, overwriting any previous value.
	Put(ctx context.Context, workItemID string, field Field, payload []byte) error

	// Complete writes one field and, in the same atomic step, reports whether
	// this call moved the record from incomplete to complete: the field was
	// absent before and every other field is present. Exactly one Complete
	// per work item can return true.
	Complete(ctx context.Context, workItemID string, field Field, payload []byte) (bool, error)
}

// Store combines read and write access with lifecycle management.
type Store interface {
	Reader
	Writer
	Close() error
}

// Joined applies the completion rule to the set of fields present before a
// write of own. Backends that evaluate the rule outside the database share it.
func Joined(own Field, before map[Field]bool) bool {
	if before[own] {
		return false
	}
	for _, other := range own.Others() {
		if !before[other] {
			return false
		}
	}
	return true
}

// Pruner is implemented by backends that keep records until they are removed
// explicitly. Redis expires records with a key TTL instead.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}
