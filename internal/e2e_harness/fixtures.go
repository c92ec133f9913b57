package e2e_harness

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/lib/pq"
)

// ColumnStats is one seeded row of the column statistics table.
type ColumnStats struct {
	Column   string
	Distinct float64
	Nulls    float64
	Min, Max *float64
}

// SeedStatistics writes precomputed statistics of one table directly, the
// way an offline job would fill the catalog.
func SeedStatistics(ctx context.Context, db *sql.DB, tableStats, columnStats, namespace, table string, rows int64, cols []ColumnStats) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (namespace, table_name, row_count) VALUES ($1, $2, $3)", pq.QuoteIdentifier(tableStats)),
		namespace, table, rows); err != nil {
		return fmt.Errorf("insert table statistics: %w", err)
	}
	for _, c := range cols {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (namespace, table_name, column_name, distinct_count, null_fraction, min_value, max_value)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, pq.QuoteIdentifier(columnStats)),
			namespace, table, c.Column, c.Distinct, c.Nulls, c.Min, c.Max); err != nil {
			return fmt.Errorf("insert column statistics of %s: %w", c.Column, err)
		}
	}
	return tx.Commit()
}

// NewS3Client builds a path-style client for the harness object store.
func NewS3Client(ctx context.Context, endpoint string) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(S3AccessKey, S3SecretKey, "")),
		config.WithBaseEndpoint(endpoint),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	}), nil
}

// UploadDatabaseImage lays out a partitioned database under prefix. Each
// partition maps to the tables it holds; every table directory gets the
// `.d` file listing its columns.
func UploadDatabaseImage(ctx context.Context, client *s3.Client, bucket, prefix string, partitions map[string]map[string][]string) error {
	if err := ensureBucket(ctx, client, bucket); err != nil {
		return err
	}
	uploader := manager.NewUploader(client)
	put := func(key, body string) error {
		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   strings.NewReader(body),
		})
		if err != nil {
			return fmt.Errorf("s3 upload %s: %w", key, err)
		}
		return nil
	}

	if err := put(path.Join(prefix, "sym"), ""); err != nil {
		return err
	}
	for partition, tables := range partitions {
		for table, columns := range tables {
			if err := put(path.Join(prefix, partition, table, ".d"), strings.Join(columns, "\n")); err != nil {
				return err
			}
		}
	}
	return nil
}

func ensureBucket(ctx context.Context, client *s3.Client, bucket string) error {
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return nil
	}
	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
			return nil
		}
	}
	return fmt.Errorf("create bucket: %w", err)
}
