package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/lychee-technology/kdbpush"
	"go.uber.org/zap"
)

// storeDiscoverer asks the loaded database for its partition values.
type storeDiscoverer struct {
	client StoreClient
}

// NewStorePartitionDiscoverer reads partition values from `.Q.pv`.
func NewStorePartitionDiscoverer(client StoreClient) PartitionDiscoverer {
	return &storeDiscoverer{client: client}
}

func (d *storeDiscoverer) Discover(ctx context.Context, table *TableInfo) ([]any, error) {
	res, err := d.client.Execute(ctx, ".Q.pv")
	if err != nil {
		return nil, err
	}
	values, err := DecodeVector(res)
	if err != nil {
		return nil, fmt.Errorf("decode partition values: %w", err)
	}
	out := values[:0]
	for _, v := range values {
		if v != nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// filesystemDiscoverer lists the partition directories of a database root
// mounted on the local filesystem.
type filesystemDiscoverer struct {
	root string
}

// NewFilesystemPartitionDiscoverer scans root for partition directories.
func NewFilesystemPartitionDiscoverer(root string) PartitionDiscoverer {
	return &filesystemDiscoverer{root: root}
}

func (d *filesystemDiscoverer) Discover(ctx context.Context, table *TableInfo) ([]any, error) {
	if table.PartitionColumn == nil {
		return nil, fmt.Errorf("table %s has no partition column", table.Qualified())
	}
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("read database root: %w", err)
	}
	var out []any
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() {
			continue
		}
		fi, err := os.Stat(filepath.Join(d.root, e.Name(), table.Name))
		if err != nil || !fi.IsDir() {
			continue
		}
		v, err := ParsePartitionValue(table.PartitionColumn.Type, e.Name())
		if err != nil {
			zap.S().Debugw("skipping directory", "root", d.root, "dir", e.Name(), "error", err)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// S3API is the subset of the S3 client used for discovery.
type S3API interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// s3Discoverer lists the partition prefixes of a database image kept in a
// bucket. A partition holds a table when `<partition>/<table>/.d` exists.
type s3Discoverer struct {
	api    S3API
	bucket string
	prefix string
}

// ValidateS3Config checks the settings of an S3 database image.
func ValidateS3Config(cfg kdbpush.S3Config) error {
	if cfg.Bucket == "" {
		return fmt.Errorf("s3: bucket is required")
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey == "" {
		return fmt.Errorf("s3: accessKeyId provided without secretAccessKey")
	}
	if cfg.SecretAccessKey != "" && cfg.AccessKeyID == "" {
		return fmt.Errorf("s3: secretAccessKey provided without accessKeyId")
	}
	return nil
}

// NewS3PartitionDiscoverer builds an S3 client from cfg.
func NewS3PartitionDiscoverer(ctx context.Context, cfg kdbpush.S3Config) (PartitionDiscoverer, error) {
	if err := ValidateS3Config(cfg); err != nil {
		return nil, err
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	if cfg.Endpoint != "" {
		loadOpts = append(loadOpts, config.WithBaseEndpoint(cfg.Endpoint))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3PartitionDiscovererWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3PartitionDiscovererWithClient discovers partitions through api.
func NewS3PartitionDiscovererWithClient(api S3API, bucket, prefix string) PartitionDiscoverer {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &s3Discoverer{api: api, bucket: bucket, prefix: prefix}
}

func (d *s3Discoverer) Discover(ctx context.Context, table *TableInfo) ([]any, error) {
	if table.PartitionColumn == nil {
		return nil, fmt.Errorf("table %s has no partition column", table.Qualified())
	}
	p := s3.NewListObjectsV2Paginator(d.api, &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.bucket),
		Prefix:    aws.String(d.prefix),
		Delimiter: aws.String("/"),
	})
	var out []any
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", d.bucket, d.prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), d.prefix), "/")
			v, err := ParsePartitionValue(table.PartitionColumn.Type, name)
			if err != nil {
				continue
			}
			ok, err := d.holdsTable(ctx, name, table.Name)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, v)
			}
		}
	}
	return out, nil
}

func (d *s3Discoverer) holdsTable(ctx context.Context, partition, table string) (bool, error) {
	key := d.prefix + path.Join(partition, table, ".d")
	_, err := d.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return false, nil
		}
	}
	return false, fmt.Errorf("head s3://%s/%s: %w", d.bucket, key, err)
}

// NewPartitionDiscoverer selects the discoverer configured by cfg.
func NewPartitionDiscoverer(ctx context.Context, cfg kdbpush.PartitionConfig, client StoreClient) (PartitionDiscoverer, error) {
	switch cfg.Discovery {
	case kdbpush.DiscoverFromFilesystem:
		return NewFilesystemPartitionDiscoverer(cfg.Root), nil
	case kdbpush.DiscoverFromS3:
		return NewS3PartitionDiscoverer(ctx, cfg.S3)
	case kdbpush.DiscoverFromStore, "":
		return NewStorePartitionDiscoverer(client), nil
	}
	return nil, fmt.Errorf("unknown partition discovery %q", cfg.Discovery)
}
