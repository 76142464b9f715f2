package storage

import (
	"errors"
	"io"
	"time"
)

// Storage is an abstraction of a blob store (eg GCS).
// Keys are always namespaced under the environment's configured prefix
// before they reach a backend.
type Storage interface {
	// When finished, you must close the WriteCloser
	WriteFile(name, contentType string) (io.WriteCloser, error)

	// When finished, you must close File.Reader
	ReadFile(name string) (*File, error)

	DeleteFile(name string) error

	// URL returns a browser-usable URL for the object.
	// For private buckets this is a short-lived signed URL.
	URL(name string) (string, error)
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

var ErrNoPublicUrl = errors.New("storage backend has no public URLs")

// WriteFile stores the full content under name
func WriteFile(s Storage, name, contentType string, content io.Reader) error {
	f, err := s.WriteFile(name, contentType)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}

// ReadFile fetches the full content of name
func ReadFile(s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}
