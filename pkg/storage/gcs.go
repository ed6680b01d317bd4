package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"

	gcs "cloud.google.com/go/storage"
	"github.com/cyclopcam/logs"
)

// StorageGCS publishes models to a Google Cloud Storage bucket.
// Credentials come from the environment (GOOGLE_APPLICATION_CREDENTIALS).
type StorageGCS struct {
	bucketName string
	client     *gcs.Client
	bucket     *gcs.BucketHandle
	isPublic   bool
	log        logs.Log
}

func NewStorageGCS(ctx context.Context, log logs.Log, bucketName string, isPublic bool) (*StorageGCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("Failed to create GCS client: %w", err)
	}
	return &StorageGCS{
		bucketName: bucketName,
		client:     client,
		bucket:     client.Bucket(bucketName),
		isPublic:   isPublic,
		log:        log,
	}, nil
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}

// gcsWriter uploads under its own context. Cancelling that context before Close
// abandons the upload, so no partial object is created.
type gcsWriter struct {
	*gcs.Writer
	cancel context.CancelFunc
}

func (w *gcsWriter) Close() error {
	err := w.Writer.Close()
	w.cancel()
	return err
}

func (w *gcsWriter) Abort() error {
	w.cancel()
	w.Writer.Close()
	return nil
}

// The object only becomes visible when the writer is closed successfully
func (s *StorageGCS) WriteFile(ctx context.Context, name string) (Writer, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	s.log.Infof("Uploading gs://%v/%v", s.bucketName, name)
	ctx, cancel := context.WithCancel(ctx)
	w := s.bucket.Object(name).NewWriter(ctx)
	w.ContentType = contentType(name)
	return &gcsWriter{Writer: w, cancel: cancel}, nil
}

// Missing objects are reported as os.ErrNotExist, like the filesystem store
func notExist(err error) error {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("%w: %w", os.ErrNotExist, err)
	}
	return err
}

func (s *StorageGCS) ReadFile(ctx context.Context, name string) (*File, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	r, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return nil, notExist(err)
	}
	return &File{
		Reader:     r,
		ModifiedAt: r.Attrs.LastModified,
		Size:       r.Attrs.Size,
	}, nil
}

func (s *StorageGCS) DeleteFile(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	s.log.Infof("Deleting gs://%v/%v", s.bucketName, name)
	return notExist(s.bucket.Object(name).Delete(ctx))
}

func (s *StorageGCS) URL(name string) (string, error) {
	if !s.isPublic {
		return "", ErrNoPublicUrl
	}
	u := url.URL{
		Scheme: "https",
		Host:   "storage.googleapis.com",
		Path:   "/" + s.bucketName + "/" + name,
	}
	return u.String(), nil
}

func (s *StorageGCS) Close() error {
	return s.client.Close()
}
