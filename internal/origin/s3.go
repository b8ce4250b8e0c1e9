package origin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hlsgate/hlsgate/internal/config"
)

// S3Origin serves objects from a bucket via GetObject, forwarding the
// inbound Range so S3 does the slicing.
type S3Origin struct {
	client *s3.Client
	bucket string
}

// NewS3 constructs the S3 origin. Static credentials are used when
// provided; otherwise the default chain applies.
func NewS3(ctx context.Context, cfg config.S3Config) (*S3Origin, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Origin{client: client, bucket: cfg.Bucket}, nil
}

// Fetch retrieves the object, honoring an inbound Range header.
func (s *S3Origin) Fetch(ctx context.Context, path string, reqHdr http.Header) (*Object, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(strings.TrimPrefix(path, "/")),
	}
	rangeHdr := reqHdr.Get("Range")
	if rangeHdr != "" {
		input.Range = aws.String(rangeHdr)
	}

	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 get object: %w", err)
	}

	hdr := make(http.Header)
	status := http.StatusOK
	if out.ContentRange != nil {
		hdr.Set("Content-Range", *out.ContentRange)
		status = http.StatusPartialContent
	}
	if out.ContentType != nil {
		hdr.Set("Content-Type", *out.ContentType)
	}
	if out.LastModified != nil {
		hdr.Set("Last-Modified", out.LastModified.UTC().Format(http.TimeFormat))
	}
	if out.ETag != nil {
		hdr.Set("ETag", *out.ETag)
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}

	return &Object{
		Body:   out.Body,
		Size:   size,
		Status: status,
		Header: hdr,
	}, nil
}

// Stat issues a HeadObject probe.
func (s *S3Origin) Stat(ctx context.Context, path string) (int64, bool, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(strings.TrimPrefix(path, "/")),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("s3 head object: %w", err)
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return size, true, nil
}
