package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"previewd/internal/failure"
)

// S3Config describes an S3 (or MinIO) endpoint holding attachments. Only
// objects of Bucket are served.
type S3Config struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source fetches s3://bucket/key URLs of its configured bucket.
type S3Source struct {
	client objectGetter
	bucket string
}

// UserObjectPrefix is the key prefix holding the objects of userID.
func UserObjectPrefix(userID int64) string {
	return "users/" + strconv.FormatInt(userID, 10) + "/"
}

// OwnsObject reports whether u names an object of bucket under the key
// prefix of userID. Keys that are not in clean form never match.
func OwnsObject(u *url.URL, bucket string, userID int64) bool {
	if u == nil || bucket == "" || !strings.EqualFold(u.Scheme, "s3") || u.Host != bucket {
		return false
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" || path.Clean(key) != key {
		return false
	}
	return strings.HasPrefix(key, UserObjectPrefix(userID)) && len(key) > len(UserObjectPrefix(userID))
}

// NewS3Source loads AWS configuration with static credentials when given,
// and points the client at a custom endpoint when one is configured.
func NewS3Source(ctx context.Context, cfg S3Config) (*S3Source, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket must be provided")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
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
	return &S3Source{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Source) Open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, failure.New(failure.KindNetwork, "s3 url needs bucket and key")
	}
	if bucket != s.bucket {
		return nil, failure.New(failure.KindNetwork, "bucket %q is not served", bucket)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}
	if out.ContentLength != nil && *out.ContentLength > MaxFileBytes {
		out.Body.Close()
		return nil, failure.New(failure.KindFileTooLarge, "object size %d exceeds %d bytes", *out.ContentLength, MaxFileBytes)
	}
	return out.Body, nil
}
