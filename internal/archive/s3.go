// Package archive copies finalized job logs to object storage. The queue row
// keeps the authoritative log; archiving is a side effect for long-term
// retention and never influences a job's outcome.
package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3 uploads job logs to a bucket under a key prefix.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 builds the archiver from the ambient AWS configuration.
func NewS3(ctx context.Context, bucket, prefix string) (*S3, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Archive stores one job's finalized log.
func (a *S3) Archive(ctx context.Context, jobID int64, log string) error {
	key := fmt.Sprintf("%sjob-%d.log", a.prefix, jobID)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(log),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return fmt.Errorf("put job log %s: %w", key, err)
	}
	return nil
}
