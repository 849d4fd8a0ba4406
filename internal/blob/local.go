package blob

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"

	"github.com/instagram-autoposter/pkg/logger"
)

// Local stores blobs on disk. The status API serves them under PublicBaseURL.
type Local struct {
	dir     string
	baseURL string
	log     *logger.Logger
}

// NewLocal creates a disk-backed store rooted at dir
func NewLocal(dir, publicBaseURL string, log *logger.Logger) (*Local, error) {
	if dir == "" {
		return nil, fmt.Errorf("blob.local_dir is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &Local{
		dir:     dir,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		log:     log.WithComponent("blob-local"),
	}, nil
}

// Put writes data atomically under key
func (l *Local) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	full := filepath.Join(l.dir, filepath.FromSlash(k))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", fmt.Errorf("failed to move blob into place: %w", err)
	}

	l.log.Debug().Str("key", k).Int("size_bytes", len(data)).Str("content_type", contentType).Msg("Stored blob")

	return l.baseURL + "/" + k, nil
}

// Get reads the blob stored under key
func (l *Local) Get(ctx context.Context, key string) ([]byte, string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(filepath.Join(l.dir, filepath.FromSlash(k)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to read blob: %w", err)
	}
	return data, detectContentType(k, data), nil
}

func detectContentType(key string, data []byte) string {
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
