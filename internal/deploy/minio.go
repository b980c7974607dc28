package deploy

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/TobiSchelling/SiteForge/internal/generate"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

// MinioConfig configures the object-storage host.
type MinioConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Bucket     string
	Region     string
	UseSSL     bool
	PublicBase string
}

// Validate checks that the settings needed to connect are present.
func (c MinioConfig) Validate() error {
	var missing []string
	if c.Endpoint == "" {
		missing = append(missing, "endpoint")
	}
	if c.AccessKey == "" {
		missing = append(missing, "access key")
	}
	if c.SecretKey == "" {
		missing = append(missing, "secret key")
	}
	if c.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if len(missing) > 0 {
		return stage.Validation(stage.CodeInvalidConfig, fmt.Errorf("minio host: missing %s", strings.Join(missing, ", ")))
	}
	return nil
}

// SiteURL is the public address of a project's site in the bucket.
func (c MinioConfig) SiteURL(project string) string {
	base := strings.TrimRight(c.PublicBase, "/")
	if base == "" {
		scheme := "http"
		if c.UseSSL {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s/%s", scheme, c.Endpoint, c.Bucket)
	}
	return base + "/" + project + "/"
}

// MinioHost uploads a site's files to an S3-compatible bucket.
type MinioHost struct {
	cfg    MinioConfig
	client *minio.Client
}

// NewMinioHost creates an object-storage host.
func NewMinioHost(cfg MinioConfig) (*MinioHost, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, stage.Validation(stage.CodeInvalidConfig, fmt.Errorf("minio client: %w", err))
	}
	return &MinioHost{cfg: cfg, client: client}, nil
}

func (m *MinioHost) Name() string { return "minio" }

// Deploy implements Host.
func (m *MinioHost) Deploy(ctx context.Context, project, dir string) (HostResult, error) {
	if err := m.ensureBucket(ctx); err != nil {
		return HostResult{}, err
	}

	manifest, files, err := generate.ReadSite(osfs.New(dir))
	if err != nil {
		return HostResult{}, stage.Fatal(stage.CodeHostingFailed, err)
	}

	for _, p := range sortedKeys(files) {
		key := path.Join(project, p)
		data := files[p]
		_, err := m.client.PutObject(ctx, m.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: contentType(p),
		})
		if err != nil {
			return HostResult{}, fmt.Errorf("uploading %s: %w", key, err)
		}
	}

	return HostResult{BuildRef: manifest.SnapshotFingerprint, URL: m.cfg.SiteURL(project)}, nil
}

func (m *MinioHost) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", m.cfg.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.cfg.Bucket, minio.MakeBucketOptions{Region: m.cfg.Region}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", m.cfg.Bucket, err)
	}
	return nil
}

func contentType(p string) string {
	if ct := mime.TypeByExtension(filepath.Ext(p)); ct != "" {
		return ct
	}
	return "application/octet-stream"
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
