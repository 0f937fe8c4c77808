package pkgbatch

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// parseS3URL splits s3://bucket/key into its parts.
func parseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid s3 url %q: %w", rawURL, err)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if u.Scheme != "s3" || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 url %q: want s3://bucket/key", rawURL)
	}
	return bucket, key, nil
}

// newS3Client builds a client from the settings. With no static keys the
// SDK's default credential chain applies; an endpoint switches to path-style
// addressing for R2, MinIO and friends.
func newS3Client(ctx context.Context, cfg S3Settings) (*s3.Client, error) {
	options := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		options = append(options, config.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// downloadS3 fetches an s3:// source into dest.
func downloadS3(ctx context.Context, cfg S3Settings, rawURL, dest string) error {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return err
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return err
	}

	output, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 get %s/%s failed: %w", bucket, key, err)
	}
	defer output.Body.Close()

	size := int64(-1)
	if output.ContentLength != nil {
		size = *output.ContentLength
	}
	return writeAtomically(dest, output.Body, size, nil)
}
