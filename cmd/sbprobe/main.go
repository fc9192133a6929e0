// Command sbprobe smoke tests a running sharebucket gateway with a stock
// S3 client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// CheckBucket fails unless the gateway serves bucketName.
func CheckBucket(ctx context.Context, client *minio.Client, bucketName string) error {
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %q does not exist", bucketName)
	}
	return nil
}

// ListPrefix lists one folder level below prefix.
func ListPrefix(ctx context.Context, client *minio.Client, bucketName string, prefix string) error {
	slog.Info("Objects in bucket", "bucket", bucketName, "prefix", prefix)
	for objectInfo := range client.ListObjects(ctx, bucketName, minio.ListObjectsOptions{Prefix: prefix}) {
		if objectInfo.Err != nil {
			return fmt.Errorf("failed to list objects in bucket %q: %w", bucketName, objectInfo.Err)
		}
		slog.Info("Object in bucket", "key", objectInfo.Key, "size", objectInfo.Size, "last_modified", objectInfo.LastModified)
	}
	return nil
}

// StatObject prints the metadata a HEAD request reports for objectName.
func StatObject(ctx context.Context, client *minio.Client, bucketName string, objectName string) error {
	info, err := client.StatObject(ctx, bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to stat object %q in bucket %q: %w", objectName, bucketName, err)
	}
	slog.Info("Object metadata", "key", info.Key, "size", info.Size, "content_type", info.ContentType, "etag", info.ETag, "last_modified", info.LastModified)
	return nil
}

// DownloadFile downloads an object from the specified bucket to a local file.
func DownloadFile(ctx context.Context, client *minio.Client, bucketName string, objectName string, downloadPath string) error {
	if err := client.FGetObject(ctx, bucketName, objectName, downloadPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("failed to download object %q from bucket %q: %w", objectName, bucketName, err)
	}
	slog.Info("Downloaded object", "path", downloadPath)
	return nil
}

func Run(ctx context.Context) error {
	endpoint := flag.String("endpoint", getenv("SHAREBUCKET_ENDPOINT", "localhost:3000"), "gateway host:port")
	secure := flag.Bool("secure", false, "use HTTPS")
	region := flag.String("region", getenv("SHAREBUCKET_REGION", "us-east-1"), "region the gateway reports")
	bucket := flag.String("bucket", getenv("SHAREBUCKET_BUCKET", ""), "bucket to probe")
	list := flag.String("list", "", "list the folder at this prefix")
	stat := flag.String("stat", "", "print the metadata of this key")
	get := flag.String("get", "", "download this key")
	out := flag.String("out", "", "destination file for -get (defaults to the key's base name)")

	flag.Parse()

	if *bucket == "" {
		return errors.New("-bucket is required")
	}

	accessKey := getenv("SHAREBUCKET_ACCESS_KEY", "")
	secretKey := getenv("SHAREBUCKET_SECRET_KEY", "")

	client, err := minio.New(*endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure:       *secure,
		Region:       *region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return fmt.Errorf("failed to create S3 client: %w", err)
	}

	if err := CheckBucket(ctx, client, *bucket); err != nil {
		return err
	}

	if *list != "" || (*stat == "" && *get == "") {
		if err := ListPrefix(ctx, client, *bucket, *list); err != nil {
			return err
		}
	}

	if *stat != "" {
		if err := StatObject(ctx, client, *bucket, *stat); err != nil {
			return err
		}
	}

	if *get != "" {
		dest := *out
		if dest == "" {
			dest = path.Base(*get)
		}
		if err := DownloadFile(ctx, client, *bucket, *get, dest); err != nil {
			return err
		}
	}

	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("sbprobe failed", "err", err)
		os.Exit(1)
	}
}
