package storage

import (
	"context"
	"io"
	"path"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/cyclopcam/logs"
)

// StorageGCS is a Google Cloud Storage-based blob store.
// Objects are private by default and read back through short-lived signed
// URLs; set isPublic for buckets that serve objects directly.
type StorageGCS struct {
	bucketName string
	bucket     *gcs.BucketHandle
	prefix     string // Key namespace, eg "prod"
	isPublic   bool
	signedTTL  time.Duration
	log        logs.Log
}

func NewStorageGCS(logger logs.Log, bucketName, prefix string, isPublic bool) (*StorageGCS, error) {
	ctx := context.Background()
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	bucket := client.Bucket(bucketName)
	return &StorageGCS{
		bucketName: bucketName,
		bucket:     bucket,
		prefix:     prefix,
		isPublic:   isPublic,
		signedTTL:  15 * time.Minute,
		log:        logger,
	}, nil
}

func (s *StorageGCS) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *StorageGCS) WriteFile(name, contentType string) (io.WriteCloser, error) {
	ctx := context.Background()
	w := s.bucket.Object(s.key(name)).NewWriter(ctx)
	w.ContentType = contentType
	return w, nil
}

func (s *StorageGCS) ReadFile(name string) (*File, error) {
	ctx := context.Background()
	r, err := s.bucket.Object(s.key(name)).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	return &File{
		Reader:     r,
		ModifiedAt: r.Attrs.LastModified,
		Size:       r.Attrs.Size,
	}, nil
}

func (s *StorageGCS) DeleteFile(name string) error {
	ctx := context.Background()
	return s.bucket.Object(s.key(name)).Delete(ctx)
}

func (s *StorageGCS) URL(name string) (string, error) {
	if s.isPublic {
		return "https://storage.googleapis.com/" + s.bucketName + "/" + s.key(name), nil
	}
	return s.bucket.SignedURL(s.key(name), &gcs.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(s.signedTTL),
	})
}
