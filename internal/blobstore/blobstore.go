// Package blobstore wraps gocloud.dev blob buckets with the listing,
// transfer and deletion operations the lifecycle manager needs. The same
// type serves both the source store (exported tiles) and the destination
// store (merged artifacts); drivers are selected by the bucket URL scheme
// (gs://, s3://, file://).
package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local filesystem driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
)

// Location identifies a bucket plus object prefix. Records persist it so
// the inventory can show where an attempt read from and wrote to even
// after the process configuration changes.
type Location struct {
	Bucket string
	Prefix string
}

func (l Location) String() string {
	return l.Bucket + "/" + strings.Trim(l.Prefix, "/")
}

// Key returns the object key for a name under this location's prefix.
func (l Location) Key(name string) string {
	p := strings.Trim(l.Prefix, "/")
	if p == "" {
		return name
	}
	return p + "/" + name
}

// Object is a listed blob: key plus size in bytes.
type Object struct {
	Key  string
	Size int64
}

// Store is a handle to one bucket.
type Store struct {
	bucket     *blob.Bucket
	scheme     string
	bucketName string
}

// Open connects to the bucket named by a gocloud URL such as
// "gs://my-bucket" or "s3://my-bucket?region=us-east-1".
func Open(ctx context.Context, bucketURL string) (*Store, error) {
	u, err := url.Parse(bucketURL)
	if err != nil {
		return nil, fmt.Errorf("parse bucket URL %q: %w", bucketURL, err)
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}

	return &Store{bucket: bucket, scheme: u.Scheme, bucketName: u.Host}, nil
}

// NewWithBucket wraps an already opened bucket. Used by tests with
// in-memory buckets.
func NewWithBucket(bucket *blob.Bucket, scheme, bucketName string) *Store {
	return &Store{bucket: bucket, scheme: scheme, bucketName: bucketName}
}

// Name returns the bucket name.
func (s *Store) Name() string {
	return s.bucketName
}

// List returns every object under prefix, paginating through the bucket
// iterator. Directory placeholders are skipped.
func (s *Store) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object

	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		objects = append(objects, Object{Key: obj.Key, Size: obj.Size})
	}

	return objects, nil
}

// Download streams an object into w.
func (s *Store) Download(ctx context.Context, key string, w io.Writer) (int64, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return 0, fmt.Errorf("open reader for %s: %w", key, err)
	}
	defer r.Close()

	n, err := io.Copy(w, r)
	if err != nil {
		return n, fmt.Errorf("read %s: %w", key, err)
	}
	return n, nil
}

// DownloadFile streams an object to a local file path.
func (s *Store) DownloadFile(ctx context.Context, key, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}

	n, err := s.Download(ctx, key, f)
	if err != nil {
		f.Close()
		os.Remove(path)
		return 0, err
	}

	if err := f.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w", path, err)
	}
	return n, nil
}

// Upload streams r into the object at key with the given content type.
func (s *Store) Upload(ctx context.Context, key string, r io.Reader, contentType string) error {
	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// UploadFile uploads a local file and returns its size.
func (s *Store) UploadFile(ctx context.Context, key, path, contentType string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}

	if err := s.Upload(ctx, key, f, contentType); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Delete removes one object. Deletion may require credentials the process
// does not hold (listing can be anonymous on public buckets); callers
// treat failures as non-fatal.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Exists reports whether the object is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, key)
}

// Attributes returns key and size for a single object.
func (s *Store) Attributes(ctx context.Context, key string) (*Object, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("attributes for %s: %w", key, err)
	}
	return &Object{Key: key, Size: attrs.Size}, nil
}

// URL returns the public HTTPS URL for an object, matching the address
// style downstream consumers fetch artifacts from.
func (s *Store) URL(key string) string {
	switch s.scheme {
	case "gs":
		return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucketName, key)
	case "s3":
		return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucketName, key)
	default:
		return fmt.Sprintf("%s://%s/%s", s.scheme, s.bucketName, key)
	}
}

// Close releases the bucket connection.
func (s *Store) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
