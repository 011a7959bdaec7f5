package results

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/newtron-network/newtdeploy/pkg/util"
)

// MinIOConfig locates a bucket.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	// Prefix is prepended to every object key.
	Prefix string
	Secure bool
}

// MinIOStore keeps artifacts as objects <prefix>/<setup>/<name>.
type MinIOStore struct {
	client *minio.Client
	bucket string
	prefix string

	bucketEnsured bool
}

var _ Store = (*MinIOStore)(nil)

// NewMinIOStore builds a client. It does not contact the server.
func NewMinIOStore(cfg MinIOConfig) (*MinIOStore, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required: %w", util.ErrInvalidConfig)
	}
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.Secure,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client %s: %w", cfg.Endpoint, err)
	}
	return &MinIOStore{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (s *MinIOStore) key(setup, name string) (string, error) {
	if err := checkName(setup); err != nil {
		return "", err
	}
	if err := checkName(name); err != nil {
		return "", err
	}
	return path.Join(s.prefix, setup, name), nil
}

func (s *MinIOStore) ensureBucket(ctx context.Context) error {
	if s.bucketEnsured {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("minio bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("minio make bucket %s: %w", s.bucket, err)
		}
	}
	s.bucketEnsured = true
	return nil
}

// Put uploads the artifact.
func (s *MinIOStore) Put(ctx context.Context, setup, name string, data []byte) error {
	key, err := s.key(setup, name)
	if err != nil {
		return err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("minio put %s: %w", key, err)
	}
	util.WithField("setup", setup).Infof("Saved s3://%s/%s", s.bucket, key)
	return nil
}

// Get downloads an artifact.
func (s *MinIOStore) Get(ctx context.Context, setup, name string) ([]byte, error) {
	key, err := s.key(setup, name)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio get %s: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%s/%s: %w", setup, name, util.ErrNotFound)
		}
		return nil, fmt.Errorf("minio get %s: %w", key, err)
	}
	return data, nil
}

// List returns the artifact names of a setup, sorted.
func (s *MinIOStore) List(ctx context.Context, setup string) ([]string, error) {
	if err := checkName(setup); err != nil {
		return nil, err
	}
	prefix := path.Join(s.prefix, setup) + "/"
	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("minio list %s: %w", prefix, obj.Err)
		}
		names = append(names, strings.TrimPrefix(obj.Key, prefix))
	}
	sort.Strings(names)
	return names, nil
}
