package media

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "github.com/baechuer/advert-service/internal/config"
)

const scheme = "s3://"

// S3Resolver presigns GET URLs for s3://bucket/key references.
// Any other reference is returned unchanged.
type S3Resolver struct {
	presigner *s3.PresignClient
	ttl       time.Duration
}

// NewS3Resolver creates a presigner against MinIO/R2 or AWS.
func NewS3Resolver(cfg *appconfig.Config) (*S3Resolver, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.MediaS3Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.MediaS3AccessKey,
			cfg.MediaS3SecretKey,
			"",
		)),
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3PathStyle
		if cfg.MediaS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.MediaS3Endpoint)
		}
	})

	ttl := cfg.MediaPresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &S3Resolver{presigner: s3.NewPresignClient(client), ttl: ttl}, nil
}

func (r *S3Resolver) ResolveURL(ctx context.Context, ref string) (string, error) {
	bucket, key, ok := splitRef(ref)
	if !ok {
		return ref, nil
	}
	req, err := r.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(r.ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign GET %s: %w", ref, err)
	}
	return req.URL, nil
}

// splitRef parses s3://bucket/key. Both parts must be non-empty.
func splitRef(ref string) (bucket, key string, ok bool) {
	if !strings.HasPrefix(ref, scheme) {
		return "", "", false
	}
	bucket, key, found := strings.Cut(strings.TrimPrefix(ref, scheme), "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
