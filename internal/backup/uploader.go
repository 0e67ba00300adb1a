package backup

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"reel-pipeline/internal/config"
	"reel-pipeline/internal/models"
)

// UploadError wraps a single failed mirror upload. It never fails the job.
type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("backup upload %s: %v", e.Name, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

type objectPutter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Uploader mirrors a job's inputs and final artifacts to the object store,
// best-effort. A zero Uploader is valid and reports itself unconfigured.
type Uploader struct {
	putter   objectPutter
	bucket   string
	region   string
	endpoint string
	cdnBase  string
}

// New builds the uploader. With no bucket configured it returns a disabled
// instance so the stage is skipped rather than failed.
func New(ctx context.Context, cfg config.Config) (*Uploader, error) {
	u := &Uploader{
		bucket:   cfg.S3Bucket,
		region:   cfg.S3Region,
		endpoint: cfg.S3Endpoint,
		cdnBase:  strings.TrimSuffix(cfg.PublicCDNURL, "/"),
	}
	if cfg.S3Bucket == "" {
		return u, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	u.putter = &s3Putter{client: client, bucket: cfg.S3Bucket}
	return u, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					HostnameImmutable: cfg.S3PathStyle,
					SigningRegion:     cfg.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// Configured reports whether the mirror store is usable at all.
func (u *Uploader) Configured() bool {
	return u != nil && u.putter != nil
}

// Mirror uploads the given logical-name -> local-path files under a
// job-scoped prefix. Each upload is independent; the returned map holds the
// public URL for every upload that succeeded, and errs the failures.
func (u *Uploader) Mirror(ctx context.Context, jobID string, files map[string]string) (map[string]string, []error) {
	links := make(map[string]string, len(files))
	var (
		mu   sync.Mutex
		errs []error
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for name, path := range files {
		name, path := name, path
		g.Go(func() error {
			url, err := u.uploadFile(ctx, jobID, name, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, &UploadError{Name: name, Err: err})
				slog.Warn("backup upload failed", "job", jobID, "file", name, "error", err)
				return nil // best-effort: one failure must not cancel the rest
			}
			links[name] = url
			return nil
		})
	}
	_ = g.Wait()
	return links, errs
}

func (u *Uploader) uploadFile(ctx context.Context, jobID, name, path string) (string, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	key := objectKey(jobID, name, filepath.Ext(path))
	if err := u.putter.Put(ctx, key, body, contentTypeFor(path)); err != nil {
		return "", err
	}
	return u.publicURL(key), nil
}

// objectKey places all of one job's files under jobs/<id>/ with the inputs
// and the final artifacts in separate groups.
func objectKey(jobID, name, ext string) string {
	group := "final"
	if name == models.BackupInputA || name == models.BackupInputB {
		group = "inputs"
	}
	if ext == "" {
		ext = ".mp4"
	}
	return sanitizeKey(fmt.Sprintf("jobs/%s/%s/%s%s", jobID, group, name, ext))
}

func (u *Uploader) publicURL(key string) string {
	if u.cdnBase != "" {
		return u.cdnBase + "/" + key
	}
	if u.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(u.endpoint, "/"), u.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.bucket, u.region, key)
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webm":
		return "video/webm"
	default:
		return "video/mp4"
	}
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type s3Putter struct {
	client *s3.Client
	bucket string
}

func (p *s3Putter) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(p.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(body),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
