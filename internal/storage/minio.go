package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/maneesh/labimport/internal/apperr"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("labimport-storage")

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// MinioClient archives generated artifacts in an object store
type MinioClient struct {
	client     *minio.Client
	bucketName string
}

// NewMinioClient initializes a new MinIO client and ensures the bucket exists
func NewMinioClient(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool, log *zap.SugaredLogger) (*MinioClient, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		log.Infow("creating bucket", "bucket", bucketName)
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioClient{client: client, bucketName: bucketName}, nil
}

func reportKey(name string) string {
	return "reports/" + name
}

// ArchiveReport uploads a local report file under its base name
func (mc *MinioClient) ArchiveReport(ctx context.Context, name, path string) error {
	ctx, span := tracer.Start(ctx, "minio.archive_report",
		trace.WithAttributes(attribute.String("object_key", reportKey(name))),
	)
	defer span.End()

	info, err := mc.client.FPutObject(ctx, mc.bucketName, reportKey(name), path, minio.PutObjectOptions{
		ContentType: xlsxContentType,
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to archive report: %w", err)
	}

	span.SetAttributes(attribute.Int64("size_bytes", info.Size))
	return nil
}

// FetchReport streams an archived report; the caller closes the reader
func (mc *MinioClient) FetchReport(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	ctx, span := tracer.Start(ctx, "minio.fetch_report",
		trace.WithAttributes(attribute.String("object_key", reportKey(name))),
	)
	defer span.End()

	object, err := mc.client.GetObject(ctx, mc.bucketName, reportKey(name), minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("failed to get object: %w", err)
	}

	// GetObject is lazy; Stat surfaces a missing key
	stat, err := object.Stat()
	if err != nil {
		object.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, 0, fmt.Errorf("%w: %s", apperr.ErrFileNotFound, name)
		}
		span.RecordError(err)
		return nil, 0, fmt.Errorf("failed to stat object: %w", err)
	}

	span.SetAttributes(attribute.Int64("size_bytes", stat.Size))
	return object, stat.Size, nil
}

