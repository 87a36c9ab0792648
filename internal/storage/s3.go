package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds decrypted S3 connection settings.
type S3Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
}

// S3 stores notes as objects in one bucket. Folders are empty
// placeholder objects.
type S3 struct {
	client   *s3.Client
	bucket   string
	endpoint string
	guard    *Guard
	timeout  time.Duration
}

// NewS3 builds an S3 adapter. A custom endpoint implies path-style
// addressing, which S3-compatible servers generally require.
func NewS3(cfg S3Config, guard *Guard, timeout time.Duration) *S3 {
	opts := s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
		HTTPClient:                 guard.HTTPClient(timeout),
		Retryer:                    aws.NopRetryer{},
		UsePathStyle:               cfg.ForcePathStyle || cfg.Endpoint != "",
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	}

	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return &S3{
		client:   s3.New(opts),
		bucket:   cfg.Bucket,
		endpoint: cfg.Endpoint,
		guard:    guard,
		timeout:  timeout,
	}
}

// checkEndpoint runs the egress check on a custom endpoint within one
// call timeout. The AWS default endpoint is public and only goes through
// the dial-time check.
func (a *S3) checkEndpoint(ctx context.Context) error {
	if a.endpoint == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	return a.guard.CheckURL(ctx, a.endpoint)
}

// preflight runs the egress check and bounds ctx by the per-call timeout.
func (a *S3) preflight(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := a.checkEndpoint(ctx); err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)

	return ctx, cancel, nil
}

func (a *S3) Upsert(ctx context.Context, key string, content []byte, isFolder bool) error {
	ctx, cancel, err := a.preflight(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	contentType := "text/plain; charset=utf-8"
	if isFolder {
		content = nil
		contentType = "application/x-directory"
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}

	return nil
}

func (a *S3) Delete(ctx context.Context, key string) error {
	ctx, cancel, err := a.preflight(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}

	return nil
}

// List pages through every key under prefix. The call timeout applies
// to each page, so a large listing is not cut short.
func (a *S3) List(ctx context.Context, prefix string) ([]string, error) {
	if err := a.checkEndpoint(ctx); err != nil {
		return nil, err
	}

	var keys []string

	p := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})

	for p.HasMorePages() {
		pageCtx, cancel := context.WithTimeout(ctx, a.timeout)
		page, err := p.NextPage(pageCtx)
		cancel()

		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", prefix, err)
		}

		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	return keys, nil
}

func (a *S3) Check(ctx context.Context) error {
	ctx, cancel, err := a.preflight(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return fmt.Errorf("s3 head bucket %s: %w", a.bucket, err)
	}

	return nil
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusNotFound
	}

	return false
}
