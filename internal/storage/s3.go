package storage

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/oklog/ulid"

	"mathviz/internal/apperr"
)

const putRetries = 3

// s3API is the slice of the S3 client the adapter uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Config for the S3-backed artifact store. Endpoint is optional and enables
// S3-compatible deployments.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// S3Store uploads rendered artifacts to object storage. Keys are
// collision-free by construction: a fresh ULID per upload.
type S3Store struct {
	client s3API
	cfg    Config
	logger *slog.Logger
}

func NewS3Store(ctx context.Context, cfg Config, logger *slog.Logger) (*S3Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: cfg.PathStyle,
					SigningRegion:     cfg.Region,
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
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
	})
	return &S3Store{client: client, cfg: cfg, logger: logger}, nil
}

func newS3StoreWithClient(client s3API, cfg Config, logger *slog.Logger) *S3Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Store{client: client, cfg: cfg, logger: logger}
}

// Put uploads the local file under a server-assigned key. Transient I/O
// failures are retried with exponential backoff; auth and quota failures are
// not.
func (s *S3Store) Put(ctx context.Context, userID, localPath, contentType string) (PutResult, error) {
	key := s.objectKey(userID)

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 1; attempt <= putRetries; attempt++ {
		f, err := os.Open(localPath)
		if err != nil {
			return PutResult{}, apperr.Wrap(apperr.KindUploadFailed, err, "open artifact")
		}
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.cfg.Bucket),
			Key:         aws.String(key),
			Body:        f,
			ContentType: aws.String(contentType),
		})
		f.Close()
		if err == nil {
			return PutResult{ObjectKey: key, URL: s.urlFor(key)}, nil
		}
		lastErr = classifyS3Error(err)
		if apperr.KindOf(lastErr) != apperr.KindUploadFailed {
			return PutResult{}, lastErr
		}
		if attempt < putRetries {
			s.logger.Warn("upload failed, retrying", "key", key, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return PutResult{}, apperr.Wrap(apperr.KindDeadlineExceeded, ctx.Err(), "upload cancelled")
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return PutResult{}, lastErr
}

// Get streams an object back. The key must carry the caller's prefix.
func (s *S3Store) Get(ctx context.Context, userID, objectKey string) (io.ReadCloser, int64, error) {
	if err := s.authorize(userID, objectKey); err != nil {
		return nil, 0, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, 0, apperr.New(apperr.KindNotFound, "object %s not found", objectKey)
		}
		return nil, 0, classifyS3Error(err)
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

// Delete removes an object the caller owns. Deleting an absent object
// reports not_found; a prefix mismatch is forbidden.
func (s *S3Store) Delete(ctx context.Context, userID, objectKey string) error {
	if err := s.authorize(userID, objectKey); err != nil {
		return err
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return apperr.New(apperr.KindNotFound, "object %s not found", objectKey)
		}
		return classifyS3Error(err)
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return classifyS3Error(err)
	}
	return nil
}

func (s *S3Store) authorize(userID, objectKey string) error {
	key := strings.TrimPrefix(objectKey, s.cfg.Prefix)
	key = strings.TrimPrefix(key, "/")
	if !strings.HasPrefix(key, userID+"/") {
		return apperr.New(apperr.KindForbidden, "object key is not owned by caller")
	}
	return nil
}

func (s *S3Store) objectKey(userID string) string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	key := fmt.Sprintf("%s/%s.mp4", userID, id.String())
	if s.cfg.Prefix != "" {
		key = strings.TrimSuffix(s.cfg.Prefix, "/") + "/" + key
	}
	return key
}

func (s *S3Store) urlFor(key string) string {
	if s.cfg.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(s.cfg.Endpoint, "/"), s.cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, key)
}

func classifyS3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return apperr.Wrap(apperr.KindAuth, err, "storage auth failed")
		case "QuotaExceeded", "TooManyBuckets", "EntityTooLarge":
			return apperr.Wrap(apperr.KindQuota, err, "storage quota exceeded")
		}
	}
	return apperr.Wrap(apperr.KindUploadFailed, err, "storage io error")
}

func isNoSuchKey(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}
