// Package artifact defines the port for storing run result documents.
package artifact

import "context"

// Store persists immutable result documents and returns a reference to them.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}
