// Package storage provides the sealed-record repository used to persist
// credential records.
package storage

import "errors"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// UpdateFunc receives the current envelope (nil when absent) and returns the
// replacement. Returning a nil envelope deletes the record. Returning an
// error aborts the update and leaves the stored record untouched.
type UpdateFunc func(current *Envelope) (*Envelope, error)

// Repository stores sealed envelopes addressed by namespace and key.
type Repository interface {
	Put(namespace, key string, envelope *Envelope) error
	Get(namespace, key string) (*Envelope, error)
	// List returns the keys stored in namespace.
	List(namespace string) ([]string, error)
	// Update performs an atomic read-modify-write of a single record.
	Update(namespace, key string, fn UpdateFunc) error
}
