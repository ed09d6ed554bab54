package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// ObjectStoreConfig describes an S3-compatible bucket. Endpoint is optional
// and set for R2, MinIO and similar services.
type ObjectStoreConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PublicURL       string
}

// ObjectStore implements Backend for S3-compatible object storage.
type ObjectStore struct {
	s3Client   *s3.Client
	presigner  *s3.PresignClient
	bucketName string
	endpoint   string
	publicURL  string
}

// NewObjectStore creates a new object storage client
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object storage configuration incomplete: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Gateway owns the retry budget; one HTTP request per attempt.
		o.Retryer = aws.NopRetryer{}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &ObjectStore{
		s3Client:   s3Client,
		presigner:  s3.NewPresignClient(s3Client),
		bucketName: cfg.Bucket,
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		publicURL:  strings.TrimRight(cfg.PublicURL, "/"),
	}, nil
}

func (c *ObjectStore) Name() string { return "s3" }

func (c *ObjectStore) Get(ctx context.Context, key string, w io.Writer) error {
	out, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(c.key(key)),
	})
	if err != nil {
		return classifyS3(err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("read object body: %w", err)
	}
	return nil
}

// Put uploads the object and returns its public URL.
func (c *ObjectStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.bucketName),
		Key:         aws.String(c.key(key)),
		Body:        r,
		ContentType: aws.String(contentType),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	if _, err := c.s3Client.PutObject(ctx, input); err != nil {
		return "", classifyS3(err)
	}
	return c.PublicURL(key), nil
}

// Delete removes an object
func (c *ObjectStore) Delete(ctx context.Context, key string) error {
	_, err := c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(c.key(key)),
	})
	if err != nil {
		return classifyS3(err)
	}
	return nil
}

// SignedURL generates a presigned URL for temporary access
func (c *ObjectStore) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(c.key(key)),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return req.URL, nil
}

// PublicURL returns the public CDN URL for a key, or an s3:// reference when
// no public base is configured.
func (c *ObjectStore) PublicURL(key string) string {
	key = objectKey(key)
	if c.publicURL != "" {
		return fmt.Sprintf("%s/%s", c.publicURL, key)
	}
	return fmt.Sprintf("s3://%s/%s", c.bucketName, key)
}

// key resolves a reference returned by Put, either a public URL or an
// s3:// reference, back to the object key.
func (c *ObjectStore) key(ref string) string {
	if c.publicURL != "" {
		if rest, ok := strings.CutPrefix(ref, c.publicURL+"/"); ok {
			return objectKey(rest)
		}
	}
	return objectKey(ref)
}

// objectKey strips an s3://bucket/ prefix and leading slashes.
func objectKey(key string) string {
	if rest, ok := strings.CutPrefix(key, "s3://"); ok {
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			key = rest[i+1:]
		}
	}
	return strings.TrimLeft(key, "/")
}

// classifyS3 maps API error codes and HTTP statuses onto the gateway
// sentinels so the retry loop can tell fatal from transient failures.
func classifyS3(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled":
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case http.StatusForbidden, http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
	}
	return err
}
