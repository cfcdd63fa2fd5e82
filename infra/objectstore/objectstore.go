// Package objectstore stages S3 datasets on local disk and uploads results
// once they are committed.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kilianp07/wqforecast/core/errdefs"
	"github.com/kilianp07/wqforecast/core/logger"
)

// Scheme prefixes remote dataset paths.
const Scheme = "s3://"

// Config holds the S3 connection settings.
type Config struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = "s3.amazonaws.com"
		c.UseSSL = true
	}
}

// Validate checks the settings needed to reach the store.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("storage endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("storage endpoint %q must be a host[:port], not a URL", c.Endpoint)
	}
	return nil
}

// URL is a parsed s3://bucket/key location.
type URL struct {
	Bucket string
	Key    string
}

func (u URL) String() string { return Scheme + u.Bucket + "/" + u.Key }

// Base returns the last element of the key.
func (u URL) Base() string { return path.Base(u.Key) }

// IsRemote reports whether p names an object store location.
func IsRemote(p string) bool { return strings.HasPrefix(p, Scheme) }

// Parse splits an s3:// location into bucket and key. Trailing slashes are
// dropped.
func Parse(p string) (URL, error) {
	if !IsRemote(p) {
		return URL{}, fmt.Errorf("%q is not an %s location", p, Scheme)
	}
	rest := strings.TrimRight(strings.TrimPrefix(p, Scheme), "/")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return URL{}, fmt.Errorf("%q must name a bucket and a key", p)
	}
	return URL{Bucket: bucket, Key: key}, nil
}

// client is the subset of *minio.Client used by Store.
type client interface {
	FGetObject(ctx context.Context, bucket, object, filePath string, opts minio.GetObjectOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

// Store moves datasets between an S3 bucket and local disk. A dataset is
// either a single object or, for directory stores such as Zarr, every
// object under key/.
type Store struct {
	c   client
	log logger.Logger
}

// New connects a Store with cfg.
func New(cfg Config, log logger.Logger) (*Store, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errdefs.Configuration("%w", err)
	}
	c, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, errdefs.Configuration("object store %s: %w", cfg.Endpoint, err)
	}
	return &Store{c: c, log: logger.OrNop(log)}, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Stage downloads the dataset at u into dir and returns its local path.
func (s *Store) Stage(ctx context.Context, u URL, dir string) (string, error) {
	local := filepath.Join(dir, u.Base())
	prefix := u.Key + "/"
	n := 0
	for obj := range s.c.ListObjects(ctx, u.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return "", fmt.Errorf("list %s: %w", u, obj.Err)
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		dst := filepath.Join(local, filepath.FromSlash(rel))
		if err := s.c.FGetObject(ctx, u.Bucket, obj.Key, dst, minio.GetObjectOptions{}); err != nil {
			return "", fmt.Errorf("download %s%s/%s: %w", Scheme, u.Bucket, obj.Key, err)
		}
		n++
	}
	if n > 0 {
		s.log.Infow("staged dataset", map[string]any{"source": u.String(), "objects": n, "path": local})
		return local, nil
	}
	if err := s.c.FGetObject(ctx, u.Bucket, u.Key, local, minio.GetObjectOptions{}); err != nil {
		return "", fmt.Errorf("download %s: %w", u, err)
	}
	s.log.Infow("staged dataset", map[string]any{"source": u.String(), "objects": 1, "path": local})
	return local, nil
}

// Upload copies the committed dataset at local to u. Directories are
// uploaded object by object under u.Key.
func (s *Store) Upload(ctx context.Context, local string, u URL) error {
	st, err := os.Stat(local)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		if _, err := s.c.FPutObject(ctx, u.Bucket, u.Key, local, minio.PutObjectOptions{}); err != nil {
			return fmt.Errorf("upload %s: %w", u, err)
		}
		s.log.Infow("uploaded dataset", map[string]any{"target": u.String(), "objects": 1})
		return nil
	}
	n := 0
	err = filepath.WalkDir(local, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(local, p)
		if err != nil {
			return err
		}
		key := u.Key + "/" + filepath.ToSlash(rel)
		if _, err := s.c.FPutObject(ctx, u.Bucket, key, p, minio.PutObjectOptions{}); err != nil {
			return fmt.Errorf("upload %s%s/%s: %w", Scheme, u.Bucket, key, err)
		}
		n++
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Infow("uploaded dataset", map[string]any{"target": u.String(), "objects": n})
	return nil
}
