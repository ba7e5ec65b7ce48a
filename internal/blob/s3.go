package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"

	"vodcast-worker/internal/kernel"
	"vodcast-worker/internal/observability/metrics"
)

// ErrNotFound reports a missing object on an existence probe.
var ErrNotFound = errors.New("object not found")

// S3API is the subset of the S3 client the adapter depends on.
type S3API interface {
	manager.UploadAPIClient
	manager.DownloadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// StoreConfig tunes the transfer manager.
type StoreConfig struct {
	Region              string
	UploadPartSizeMB    int
	UploadConcurrency   int
	DownloadPartSizeMB  int
	DownloadConcurrency int
	RetryAttempts       int
	RetryBaseDelay      int // milliseconds
}

// Store is the object-storage adapter. Every transfer runs under the io
// semaphore and retries transient failures with geometric backoff.
type Store struct {
	api        S3API
	uploader   *manager.Uploader
	downloader *manager.Downloader
	region     string
	io         *kernel.Semaphore
	metrics    *metrics.Recorder
	logger     *slog.Logger
	retry      kernel.RetryOptions
}

const megabyte = 1 << 20

// NewStore builds the adapter around an S3 client.
func NewStore(api S3API, cfg StoreConfig, ioSem *kernel.Semaphore, rec *metrics.Recorder, logger *slog.Logger) *Store {
	uploadPart := int64(cfg.UploadPartSizeMB)
	if uploadPart <= 0 {
		uploadPart = 32
	}
	uploadConc := cfg.UploadConcurrency
	if uploadConc <= 0 {
		uploadConc = 8
	}
	if uploadConc > 16 {
		uploadConc = 16
	}
	downloadPart := int64(cfg.DownloadPartSizeMB)
	if downloadPart <= 0 {
		downloadPart = 32
	}
	downloadConc := cfg.DownloadConcurrency
	if downloadConc <= 0 {
		downloadConc = 8
	}
	retry := kernel.RetryOptions{
		Attempts:  cfg.RetryAttempts,
		BaseDelay: time.Duration(cfg.RetryBaseDelay) * time.Millisecond,
		Retryable: func(err error) bool { return !IsNotRetryable(err) },
	}
	return &Store{
		api: api,
		uploader: manager.NewUploader(api, func(u *manager.Uploader) {
			u.PartSize = uploadPart * megabyte
			u.Concurrency = uploadConc
		}),
		downloader: manager.NewDownloader(api, func(d *manager.Downloader) {
			d.PartSize = downloadPart * megabyte
			d.Concurrency = downloadConc
		}),
		region:  cfg.Region,
		io:      ioSem,
		metrics: rec,
		logger:  logger,
		retry:   retry,
	}
}

// IsNotRetryable reports whether an S3 error is a configuration or
// authentication failure that retries cannot fix.
func IsNotRetryable(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return errors.Is(err, ErrNotFound)
	}
	switch apiErr.ErrorCode() {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "NoSuchBucket", "NoSuchKey", "NotFound":
		return true
	}
	return false
}

// UploadFile uploads a local file via multipart transfer.
func (s *Store) UploadFile(ctx context.Context, localPath, bucket, key, contentType string) error {
	if contentType == "" {
		contentType = ContentTypeFor(localPath)
	}
	return kernel.Step(ctx, s.metrics, "s3_upload_file", func(ctx context.Context) error {
		return s.io.With(ctx, func(ctx context.Context) error {
			return kernel.Retry(ctx, s.retry, func(ctx context.Context) error {
				file, err := os.Open(localPath)
				if err != nil {
					return fmt.Errorf("open %s: %w", localPath, err)
				}
				defer file.Close()
				_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
					Bucket:      aws.String(bucket),
					Key:         aws.String(key),
					Body:        file,
					ContentType: aws.String(contentType),
				})
				if err != nil {
					return fmt.Errorf("upload s3://%s/%s: %w", bucket, key, err)
				}
				return nil
			})
		})
	})
}

// UploadBytes uploads a small in-memory object (manifest, thumbnail).
func (s *Store) UploadBytes(ctx context.Context, body []byte, bucket, key, contentType string) error {
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}
	return kernel.Step(ctx, s.metrics, "s3_upload_bytes", func(ctx context.Context) error {
		return s.io.With(ctx, func(ctx context.Context) error {
			return kernel.Retry(ctx, s.retry, func(ctx context.Context) error {
				_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
					Bucket:      aws.String(bucket),
					Key:         aws.String(key),
					Body:        bytes.NewReader(body),
					ContentType: aws.String(contentType),
				})
				if err != nil {
					return fmt.Errorf("upload s3://%s/%s: %w", bucket, key, err)
				}
				return nil
			})
		})
	})
}

// DownloadFile fetches an object to a local path using ranged concurrent GETs.
func (s *Store) DownloadFile(ctx context.Context, bucket, key, dst string) error {
	return kernel.Step(ctx, s.metrics, "s3_download", func(ctx context.Context) error {
		return s.io.With(ctx, func(ctx context.Context) error {
			return kernel.Retry(ctx, s.retry, func(ctx context.Context) error {
				if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
					return fmt.Errorf("create download dir: %w", err)
				}
				file, err := os.Create(dst)
				if err != nil {
					return fmt.Errorf("create %s: %w", dst, err)
				}
				defer file.Close()
				_, err = s.downloader.Download(ctx, file, &s3.GetObjectInput{
					Bucket: aws.String(bucket),
					Key:    aws.String(key),
				})
				if err != nil {
					return fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
				}
				return nil
			})
		})
	})
}

// DownloadBytes fetches a small object (manifest, playlist) into memory.
func (s *Store) DownloadBytes(ctx context.Context, bucket, key string) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	err := s.io.With(ctx, func(ctx context.Context) error {
		return kernel.Retry(ctx, s.retry, func(ctx context.Context) error {
			_, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DownloadBytesByURL fetches an object addressed by its public URL.
func (s *Store) DownloadBytesByURL(ctx context.Context, rawURL string) ([]byte, error) {
	bucket, key, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return s.DownloadBytes(ctx, bucket, key)
}

// ObjectExists probes the object with a HEAD request. A missing object is
// (false, nil); an access failure is surfaced as an error.
func (s *Store) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	var exists bool
	err := s.io.With(ctx, func(ctx context.Context) error {
		_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			exists = true
			return nil
		}
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return nil
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
			return nil
		}
		return fmt.Errorf("head s3://%s/%s: %w", bucket, key, err)
	})
	return exists, err
}

// ObjectExistsByURL probes a public URL previously produced by PublicURL.
func (s *Store) ObjectExistsByURL(ctx context.Context, rawURL string) (bool, error) {
	bucket, key, err := ParseURL(rawURL)
	if err != nil {
		return false, err
	}
	return s.ObjectExists(ctx, bucket, key)
}

// DeleteFile removes an object; missing objects are not an error.
func (s *Store) DeleteFile(ctx context.Context, bucket, key string) error {
	return s.io.With(ctx, func(ctx context.Context) error {
		_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("delete s3://%s/%s: %w", bucket, key, err)
		}
		return nil
	})
}

// PublicURL synthesizes the virtual-hosted public URL for an object.
func (s *Store) PublicURL(bucket, key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, s.region, strings.TrimPrefix(key, "/"))
}

// ParseURL inverts PublicURL back into bucket and key.
func ParseURL(rawURL string) (bucket, key string, err error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse object url: %w", err)
	}
	host := parsed.Hostname()
	idx := strings.Index(host, ".s3.")
	if idx <= 0 {
		return "", "", fmt.Errorf("not an object-storage url: %s", rawURL)
	}
	bucket = host[:idx]
	key = strings.TrimPrefix(parsed.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("not an object-storage url: %s", rawURL)
	}
	return bucket, key, nil
}

// UploadTree uploads every regular file under dir to bucket, keyed by
// keyPrefix plus the file's path relative to dir. Uploads run concurrently.
func (s *Store) UploadTree(ctx context.Context, dir, bucket, keyPrefix string, concurrency int) error {
	if concurrency < 1 {
		concurrency = 8
	}
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)

	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := path.Join(keyPrefix, filepath.ToSlash(rel))
		group.Go(func() error {
			return s.UploadFile(ctx, p, bucket, key, "")
		})
		return nil
	})
	if groupErr := group.Wait(); groupErr != nil {
		return groupErr
	}
	return walkErr
}

// ContentTypeFor maps artifact extensions to MIME types.
func ContentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".mp4", ".m4a":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".aac":
		return "audio/aac"
	case ".opus", ".ogg":
		return "audio/ogg"
	case ".ts":
		return "video/MP2T"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
