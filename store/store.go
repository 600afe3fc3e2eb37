// Package store is the document store the entity core persists state into.
//
// The core only needs two operations: find one document of a kind by id, and
// upsert a batch of documents of one kind. Documents are opaque bytes.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrPersistence wraps every failure of a store operation.
var ErrPersistence = errors.New("persistence failure")

// ErrInvalidKind is returned for kind names that cannot name a collection.
var ErrInvalidKind = errors.New("invalid document kind")

// Document is one serialized state record.
type Document struct {
	ID   int64
	Data []byte
}

// Store is the document store client.
type Store interface {
	// FindOne returns the document of kind with id. The boolean is false when
	// no such document exists.
	FindOne(ctx context.Context, kind string, id int64) ([]byte, bool, error)

	// UpsertMany inserts or replaces every document in docs.
	UpsertMany(ctx context.Context, kind string, docs []Document) error

	// Close releases the store.
	Close() error
}

var kindPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,62}$`)

// ValidateKind checks that kind can be used as a collection name.
func ValidateKind(kind string) error {
	if !kindPattern.MatchString(kind) {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	return nil
}

// Open creates a store for driver. The memory driver ignores dsn.
func Open(driver, dsn string) (Store, error) {
	if driver == "memory" {
		return NewMemory(), nil
	}
	s, err := OpenSQL(driver, dsn)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func persistenceError(op, kind string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrPersistence, op, kind, err)
}
