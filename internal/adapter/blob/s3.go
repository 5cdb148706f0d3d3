package blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"lumina/backend/internal/apperr"
)

type S3Config struct {
	Region    string
	AccessKey string
	SecretKey string
	Endpoint  string
	PathStyle bool
}

// NewS3Client uses static credentials when both keys are set and the default
// credential chain otherwise.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// S3 downloads s3://bucket/key links.
type S3 struct {
	client     *s3.Client
	downloader *manager.Downloader
	maxBytes   int64
	timeout    time.Duration
}

func NewS3(client *s3.Client, maxBytes int64) *S3 {
	return &S3{
		client:     client,
		downloader: manager.NewDownloader(client),
		maxBytes:   maxBytes,
		timeout:    2 * time.Minute,
	}
}

func parseS3Link(link string) (bucket, key string, err error) {
	u, err := url.Parse(link)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid s3 link %q", link)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 link %q has no key", link)
	}
	return u.Host, key, nil
}

func (d *S3) Download(ctx context.Context, link string) ([]byte, error) {
	bucket, key, err := parseS3Link(link)
	if err != nil {
		return nil, apperr.Validation("download s3", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	head, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, classifyS3("head "+link, err)
	}
	size := aws.ToInt64(head.ContentLength)
	if d.maxBytes > 0 && size > d.maxBytes {
		return nil, tooLarge("download s3", size, d.maxBytes)
	}

	buf := manager.NewWriteAtBuffer(make([]byte, 0, size))
	if _, err := d.downloader.Download(ctx, buf, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
		return nil, classifyS3("get "+link, err)
	}
	return buf.Bytes(), nil
}

func classifyS3(op string, err error) error {
	var (
		noKey    *types.NoSuchKey
		notFound *types.NotFound
		noBucket *types.NoSuchBucket
	)
	if errors.As(err, &noKey) || errors.As(err, &notFound) || errors.As(err, &noBucket) {
		return apperr.Validation(op, err)
	}
	return apperr.Transient(op, err)
}
