// Package blobstore abstracts the durable object store that receives
// dataset artifacts. The store has no partial-write or append semantics:
// every Upload replaces the object at its path wholesale.
package blobstore

import "context"

// Store defines the object store operations the exporter needs.
type Store interface {
	// Upload writes data to path, replacing any existing object.
	Upload(ctx context.Context, path string, data []byte) error
	// List returns the paths of objects under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Download reads the object at path.
	Download(ctx context.Context, path string) ([]byte, error)
}
