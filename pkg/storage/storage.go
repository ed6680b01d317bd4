// Package storage publishes exported models to a blob store: a local directory, or a
// Google Cloud Storage bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
)

var ErrNoPublicUrl = errors.New("storage has no public URL")

// Storage is an abstraction of a blob store
type Storage interface {
	// When finished, you must Close or Abort the Writer. The object is only complete after Close returns nil.
	WriteFile(ctx context.Context, name string) (Writer, error)

	// When finished, you must close File.Reader
	ReadFile(ctx context.Context, name string) (*File, error)

	DeleteFile(ctx context.Context, name string) error

	// Public URL of an object, or ErrNoPublicUrl
	URL(name string) (string, error)

	Close() error
}

// Writer writes a single object. Close commits it, and Abort discards everything written,
// leaving any previous object of the same name untouched.
type Writer interface {
	io.WriteCloser
	Abort() error
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

// Config selects and configures a Storage
type Config struct {
	Type     string `json:"type"`     // "filesystem" or "gcs"
	Root     string `json:"root"`     // Directory, for the filesystem store
	Bucket   string `json:"bucket"`   // Bucket name, for GCS
	Prefix   string `json:"prefix"`   // Prepended to every object name, eg "models/"
	IsPublic bool   `json:"isPublic"` // GCS objects are publicly readable
}

const (
	TypeFilesystem = "filesystem"
	TypeGCS        = "gcs"
)

// Open the storage described by the config
func Open(ctx context.Context, log logs.Log, cfg Config) (Storage, error) {
	switch cfg.Type {
	case TypeFilesystem:
		if cfg.Root == "" {
			return nil, fmt.Errorf("Filesystem storage needs a root directory")
		}
		return NewStorageFS(log, cfg.Root)
	case TypeGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("GCS storage needs a bucket name")
		}
		return NewStorageGCS(ctx, log, cfg.Bucket, cfg.IsPublic)
	}
	return nil, fmt.Errorf("Unknown storage type '%v'", cfg.Type)
}

func validName(name string) error {
	if name == "" || strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return fmt.Errorf("Invalid file name %v", name)
	}
	return nil
}

func WriteFile(ctx context.Context, s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(ctx, name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Abort()
		return err
	}
	return f.Close()
}

func ReadFile(ctx context.Context, s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}

// Upload a local file
func Upload(ctx context.Context, s Storage, name, localFile string) error {
	f, err := os.Open(localFile)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteFile(ctx, s, name, f)
}
