package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const (
	defaultMaxRetries = 5
	defaultBaseDelay  = 100 * time.Millisecond
	defaultMaxDelay   = 30 * time.Second
)

// AWSClient implements API with the AWS SDK. Idempotent calls are retried
// with exponential backoff; uploads stream the caller's reader and are not.
type AWSClient struct {
	client     *s3.Client
	uploader   *manager.Uploader
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var _ API = (*AWSClient)(nil)

func NewAWSClient(cfg aws.Config, optFns ...func(*s3.Options)) *AWSClient {
	client := s3.NewFromConfig(cfg, optFns...)
	return &AWSClient{
		client:     client,
		uploader:   manager.NewUploader(client),
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
	}
}

func (c *AWSClient) HeadObject(ctx context.Context, req *HeadObjectRequest) (*ObjectInfo, error) {
	var resp *s3.HeadObjectOutput
	err := c.withRetry(ctx, func() error {
		var err error
		resp, err = c.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(req.Bucket),
			Key:    aws.String(req.Key),
		})
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to head object: %w", err)
	}

	return &ObjectInfo{
		Size:     aws.ToInt64(resp.ContentLength),
		Metadata: resp.Metadata,
	}, nil
}

func (c *AWSClient) PutObject(ctx context.Context, req *PutObjectRequest) error {
	input := &s3.PutObjectInput{
		Bucket:            aws.String(req.Bucket),
		Key:               aws.String(req.Key),
		Body:              req.Body,
		Metadata:          req.Metadata,
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	}
	if req.ContentType != "" {
		input.ContentType = aws.String(req.ContentType)
	}
	if req.IfNoneMatch {
		input.IfNoneMatch = aws.String("*")
	}

	if _, err := c.uploader.Upload(ctx, input); err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("%w: %s", ErrPreconditionFailed, req.Key)
		}
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

func (c *AWSClient) CopyObject(ctx context.Context, req *CopyObjectRequest) error {
	source := req.Bucket + "/" + (&url.URL{Path: req.SourceKey}).EscapedPath()
	err := c.withRetry(ctx, func() error {
		_, err := c.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(req.Bucket),
			Key:        aws.String(req.Key),
			CopySource: aws.String(source),
		})
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to copy object: %w", err)
	}
	return nil
}

func (c *AWSClient) DeleteObject(ctx context.Context, req *DeleteObjectRequest) error {
	err := c.withRetry(ctx, func() error {
		_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(req.Bucket),
			Key:    aws.String(req.Key),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (c *AWSClient) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		// NotFound is an answer, not a failure
		if isNotFound(err) || !isRetryableError(err) {
			return err
		}

		lastErr = err
		if attempt < c.maxRetries {
			delay := calculateDelay(attempt, c.baseDelay, c.maxDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

// isPreconditionFailed reports a conditional write that lost against an
// existing object or a concurrent writer.
func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}

// isRetryableError checks if an error is retryable
func isRetryableError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "ServiceUnavailable", "RequestTimeout", "RequestTimeoutException", "InternalError":
			return true
		}
		// Retry on 5xx errors
		if httpErr, ok := apiErr.(interface{ HTTPStatusCode() int }); ok {
			code := httpErr.HTTPStatusCode()
			return code >= 500 && code < 600
		}
	}
	// Also retry on network errors
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

// calculateDelay calculates the retry delay with exponential backoff and jitter
func calculateDelay(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	base := float64(baseDelay)
	delay := base * math.Pow(2.0, float64(attempt))

	// Add jitter (±25%)
	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	delay += jitter

	// Cap at maxDelay
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	return time.Duration(delay)
}
