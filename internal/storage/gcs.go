// Package storage is the object store gateway: uploads, existence checks,
// moves and deletes against a GCS bucket, plus V4 signed URL generation with
// a bounded expiry-aware cache.
package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/loist/loist/internal/config"
	"github.com/loist/loist/internal/errors"
	"github.com/loist/loist/internal/logger"
)

// ObjectInfo is the subset of object attributes the service consumes.
type ObjectInfo struct {
	Key     string
	Size    int64
	Created time.Time
}

// Gateway is the object store client bound to a single bucket.
type Gateway struct {
	client *gcs.Client
	bucket string
	signer *Signer
	cache  *URLCache
	log    interface {
		Debug(msg string, args ...interface{})
		Info(msg string, args ...interface{})
		Warn(msg string, args ...interface{})
	}

	uploadTimeout time.Duration
}

// NewGateway builds the gateway, its signer and the signed URL cache.
func NewGateway(ctx context.Context, cfg config.StorageConfig) (*Gateway, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.KindStorage, "no storage bucket configured")
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, errors.NewStorageError("client init", err, false)
	}
	signer, err := NewSigner(ctx, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &Gateway{
		client:        client,
		bucket:        cfg.Bucket,
		signer:        signer,
		cache:         NewURLCache(defaultCacheCapacity),
		log:           logger.Named("storage"),
		uploadTimeout: cfg.UploadTimeout,
	}, nil
}

// Bucket returns the bucket name the gateway is bound to.
func (g *Gateway) Bucket() string {
	return g.bucket
}

// Close releases the underlying client.
func (g *Gateway) Close() error {
	return g.client.Close()
}

// UploadFile streams a local file to the object key.
func (g *Gateway) UploadFile(ctx context.Context, object, path, contentType string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.NewStorageError("open upload source", err, false)
	}
	defer file.Close()
	return g.Upload(ctx, object, file, contentType)
}

// UploadBytes writes a small payload (artwork) to the object key.
func (g *Gateway) UploadBytes(ctx context.Context, object string, data []byte, contentType string) error {
	return g.Upload(ctx, object, bytes.NewReader(data), contentType)
}

// Upload streams the reader into the object, replacing any existing content.
func (g *Gateway) Upload(ctx context.Context, object string, r io.Reader, contentType string) error {
	timeout := g.uploadTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	w.ChunkSize = 8 << 20

	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return g.storageError("upload", object, err)
	}
	if err := w.Close(); err != nil {
		return g.storageError("upload", object, err)
	}
	g.log.Debug("uploaded object", "object", object, "content_type", contentType)
	return nil
}

// Exists reports whether the object is present in the bucket.
func (g *Gateway) Exists(ctx context.Context, object string) (bool, error) {
	_, err := g.client.Bucket(g.bucket).Object(object).Attrs(ctx)
	if err == gcs.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, g.storageError("stat", object, err)
	}
	return true, nil
}

// Stat returns the object's attributes.
func (g *Gateway) Stat(ctx context.Context, object string) (*ObjectInfo, error) {
	attrs, err := g.client.Bucket(g.bucket).Object(object).Attrs(ctx)
	if err == gcs.ErrObjectNotExist {
		return nil, errors.NewNotFoundError("object", object)
	}
	if err != nil {
		return nil, g.storageError("stat", object, err)
	}
	return &ObjectInfo{Key: attrs.Name, Size: attrs.Size, Created: attrs.Created}, nil
}

// Delete removes the object. Deleting a missing object is not an error.
func (g *Gateway) Delete(ctx context.Context, object string) error {
	err := g.client.Bucket(g.bucket).Object(object).Delete(ctx)
	if err != nil && err != gcs.ErrObjectNotExist {
		return g.storageError("delete", object, err)
	}
	return nil
}

// Move copies src to dst and deletes src. GCS has no rename; copy-then-delete
// is the idiom and the copy is atomic per object.
func (g *Gateway) Move(ctx context.Context, src, dst string) error {
	bucket := g.client.Bucket(g.bucket)
	if _, err := bucket.Object(dst).CopierFrom(bucket.Object(src)).Run(ctx); err != nil {
		if err == gcs.ErrObjectNotExist {
			return errors.NewNotFoundError("object", src)
		}
		return g.storageError("copy", src, err)
	}
	if err := bucket.Object(src).Delete(ctx); err != nil && err != gcs.ErrObjectNotExist {
		return g.storageError("delete after copy", src, err)
	}
	return nil
}

// List walks the objects under prefix, calling fn for each. fn returning an
// error stops the walk.
func (g *Gateway) List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	it := g.client.Bucket(g.bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return g.storageError("list", prefix, err)
		}
		if err := fn(ObjectInfo{Key: attrs.Name, Size: attrs.Size, Created: attrs.Created}); err != nil {
			return err
		}
	}
}

// SignedURL returns a V4 signed GET URL for the object, served from the
// expiry-bucketed cache when one with sufficient remaining life exists.
// Existence is probed before minting a GET URL, so a blob that was
// quarantined or deleted since its row was recorded surfaces as not-found
// instead of a URL that 404s at the bucket. A cache hit skips the probe.
func (g *Gateway) SignedURL(ctx context.Context, object string, ttl time.Duration) (string, time.Time, error) {
	return g.cache.GetOrSign(ctx, g.bucket, object, http.MethodGet, ttl,
		func(bucket, object, method string, expires time.Time) (string, error) {
			ok, err := g.Exists(ctx, object)
			if err != nil {
				return "", err
			}
			if !ok {
				return "", errors.NewNotFoundError("object", object)
			}
			return g.signer.SignedURL(bucket, object, method, expires)
		})
}

// SignerEmail returns the principal used for URL signing.
func (g *Gateway) SignerEmail() string {
	return g.signer.Email()
}

// storageError classifies a GCS failure; 5xx and transport errors are
// transient.
func (g *Gateway) storageError(op, object string, err error) error {
	transient := true
	if apiErr, ok := err.(*googleapi.Error); ok {
		transient = apiErr.Code >= 500 || apiErr.Code == http.StatusTooManyRequests
	}
	return errors.NewStorageError(op, err, transient).WithContext("object", object)
}
