package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/instagram-autoposter/internal/config"
	"github.com/instagram-autoposter/pkg/logger"
)

// ErrNotFound is returned by Get when no object exists under the key
var ErrNotFound = errors.New("blob not found")

// Store persists artifact bytes and hands out URLs Instagram can fetch
type Store interface {
	// Put stores data under key and returns a URL for it
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Get reads the object stored under key
	Get(ctx context.Context, key string) ([]byte, string, error)
}

// NewKey builds a unique object key for one artifact of an account
func NewKey(prefix, accountID string, at time.Time, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	name := uuid.NewString()
	if ext != "" {
		name += "." + ext
	}
	return path.Join(prefix, accountID, at.UTC().Format("2006/01/02"), name)
}

// New returns the store selected by cfg.Driver
func New(ctx context.Context, cfg config.BlobConfig, log *logger.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "local":
		return NewLocal(cfg.LocalDir, cfg.PublicBaseURL, log)
	case "s3":
		return NewS3(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// cleanKey rejects keys that would escape the store root
func cleanKey(key string) (string, error) {
	k := path.Clean("/" + key)
	k = strings.TrimPrefix(k, "/")
	if k == "" || k == "." {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return k, nil
}
