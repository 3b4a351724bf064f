// Package archive stores finished prediction tables so a run's CSV can be
// downloaded after the request that produced it has returned.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Driver identifies a storage backend.
type Driver string

const (
	DriverNone       Driver = "none"
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("archive: object not found")

// Info describes a stored object.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size_bytes"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Store is implemented by every backend. Put overwrites existing objects.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Driver() Driver
}

// Config selects and configures a backend.
type Config struct {
	Driver string
	Dir    string
	S3     S3Config
}

// Open returns the configured store, or nil for the "none" driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch Driver(strings.ToLower(cfg.Driver)) {
	case "", DriverNone:
		return nil, nil
	case DriverFilesystem:
		st, err := NewFilesystem(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return st, nil
	case DriverS3:
		st, err := NewS3(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
	}
}

// ResultKey is the object key of a run's prediction table.
func ResultKey(runID, filename string) string {
	return path.Join("runs", runID, filename)
}
