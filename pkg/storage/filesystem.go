package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cyclopcam/logs"
)

// StorageFS keeps published models in a local directory, which may be a network mount
// that other machines read models from.
type StorageFS struct {
	Root string
	log  logs.Log
}

func NewStorageFS(log logs.Log, root string) (*StorageFS, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create storage directory %v: %w", absRoot, err)
	}
	return &StorageFS{
		Root: absRoot,
		log:  log,
	}, nil
}

func (fs *StorageFS) path(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	return filepath.Join(fs.Root, filepath.FromSlash(name)), nil
}

// atomicFile is written to a temporary file in the destination directory, and renamed
// over the destination on Close, so readers never see a partial model.
type atomicFile struct {
	*os.File
	dest string
}

func (f *atomicFile) Close() error {
	tmp := f.File.Name()
	if err := f.File.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, f.dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (f *atomicFile) Abort() error {
	tmp := f.File.Name()
	f.File.Close()
	return os.Remove(tmp)
}

func (fs *StorageFS) WriteFile(ctx context.Context, name string) (Writer, error) {
	dest, err := fs.path(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return nil, err
	}
	fs.log.Debugf("Writing %v", dest)
	return &atomicFile{File: tmp, dest: dest}, nil
}

func (fs *StorageFS) ReadFile(ctx context.Context, name string) (*File, error) {
	p, err := fs.path(name)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &File{
		Reader:     file,
		ModifiedAt: st.ModTime(),
		Size:       st.Size(),
	}, nil
}

func (fs *StorageFS) DeleteFile(ctx context.Context, name string) error {
	p, err := fs.path(name)
	if err != nil {
		return err
	}
	fs.log.Infof("Deleting %v", p)
	return os.Remove(p)
}

// A directory has no public URL
func (fs *StorageFS) URL(name string) (string, error) {
	return "", ErrNoPublicUrl
}

func (fs *StorageFS) Close() error {
	return nil
}
