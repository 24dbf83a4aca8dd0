package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNotFound is returned when a named blob does not exist
var ErrNotFound = errors.New("blob not found")

// Backend is the get/put blob contract every object store implements.
// Names are flat strings such as "T12", "MANIFEST" or "samples/3/0".
type Backend interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) error
	Size(ctx context.Context, name string) (int64, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Open creates a backend from a URI:
//
//	redis://host:6379/0   go-redis client
//	badger:///var/scene   embedded badger database
//	file:///var/scene     one file per object
//	mem://                process-local map
func Open(ctx context.Context, uri, prefix string) (Backend, error) {
	if uri == "" {
		return nil, fmt.Errorf("storage uri is required")
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse storage uri: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "redis", "rediss":
		return NewRedisBackend(ctx, uri, prefix)
	case "badger":
		return NewBadgerBackend(localPath(u), prefix)
	case "file":
		return NewDirBackend(localPath(u), prefix)
	case "mem", "memory":
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported storage scheme %q", u.Scheme)
	}
}

func localPath(u *url.URL) string {
	if u.Host != "" && u.Host != "localhost" {
		return u.Host + u.Path
	}
	return u.Path
}
