package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/bifrost-hq/bifrost/common/config"
	"github.com/bifrost-hq/bifrost/common/logger"
)

// Client wraps the AWS S3 client for the workspace mirror bucket.
// Keys are path-for-path mirrors of the workspace; no content addressing.
type Client struct {
	s3     *awss3.Client
	bucket string
	log    *logger.Logger
}

// New creates an S3 client from storage config. Returns nil (no error)
// when no bucket is configured: the mirror is optional.
func New(ctx context.Context, cfg *config.StorageConfig, log *logger.Logger) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	log.Info("object storage configured", "bucket", cfg.Bucket)

	return &Client{
		s3:     s3Client,
		bucket: cfg.Bucket,
		log:    log,
	}, nil
}

// PutObject uploads bytes under a key
func (c *Client) PutObject(ctx context.Context, key string, data []byte) error {
	_, err := c.s3.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	c.log.Debug("s3 put", "key", key, "bytes", len(data))
	return nil
}

// GetObject downloads an object's bytes. Returns found=false for
// missing keys.
func (c *Client) GetObject(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := c.s3.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, true, nil
}

// DeleteObject removes an object
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	c.log.Debug("s3 delete", "key", key)
	return nil
}

// ListKeys lists all keys under a prefix
func (c *Client) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	paginator := awss3.NewListObjectsV2Paginator(c.s3, &awss3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}

	return keys, nil
}

// WalkPrefix downloads every object under prefix and calls fn with the
// key relative to the prefix and the object's bytes. Used by workers to
// pull the initial workspace.
func (c *Client) WalkPrefix(ctx context.Context, prefix string, fn func(relKey string, data []byte) error) error {
	keys, err := c.ListKeys(ctx, prefix)
	if err != nil {
		return err
	}

	for _, key := range keys {
		data, found, err := c.GetObject(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		rel := strings.TrimPrefix(key, prefix)
		if rel == "" {
			continue
		}
		if err := fn(rel, data); err != nil {
			return err
		}
	}

	return nil
}
