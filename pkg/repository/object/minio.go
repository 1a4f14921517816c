package object

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"

	"github.com/instill-ai/ingestion-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
	miniox "github.com/instill-ai/x/minio"
)

type minioStorage struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewMinIOStorage creates a new object.Storage implementation using MinIO.
// The configured bucket is created if it doesn't exist.
func NewMinIOStorage(ctx context.Context, params miniox.ClientParams) (Storage, error) {
	params.Logger = params.Logger.With(
		zap.String("host:port", params.Config.Host+":"+params.Config.Port),
		zap.String("user", params.Config.User),
		zap.String("bucket", params.Config.BucketName),
	)

	xClient, err := miniox.NewMinIOClientAndInitBucket(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("connecting to MinIO: %w", err)
	}

	return &minioStorage{
		client: xClient.Client(),
		bucket: params.Config.BucketName,
		logger: params.Logger,
	}, nil
}

// Upload implements object.Storage.Upload
func (m *minioStorage) Upload(ctx context.Context, kbUID types.KBUIDType, path string, content []byte, contentType string) (string, error) {
	if err := ValidatePath(kbUID, path); err != nil {
		return "", err
	}

	_, err := m.client.PutObject(ctx, m.bucket, path, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("uploading object to MinIO: %w", err)
	}
	return path, nil
}

// Download implements object.Storage.Download
func (m *minioStorage) Download(ctx context.Context, kbUID types.KBUIDType, path string) ([]byte, error) {
	if err := ValidatePath(kbUID, path); err != nil {
		return nil, err
	}

	obj, err := m.client.GetObject(ctx, m.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, m.wrapError(err, path)
	}
	defer obj.Close()

	content, err := io.ReadAll(obj)
	if err != nil {
		return nil, m.wrapError(err, path)
	}
	return content, nil
}

// DownloadFile implements object.Storage.DownloadFile
func (m *minioStorage) DownloadFile(ctx context.Context, kbUID types.KBUIDType, path, localPath string) error {
	if err := ValidatePath(kbUID, path); err != nil {
		return err
	}

	if err := m.client.FGetObject(ctx, m.bucket, path, localPath, minio.GetObjectOptions{}); err != nil {
		return m.wrapError(err, path)
	}
	return nil
}

// Delete implements object.Storage.Delete
func (m *minioStorage) Delete(ctx context.Context, kbUID types.KBUIDType, path string) error {
	if err := ValidatePath(kbUID, path); err != nil {
		return err
	}

	// RemoveObject succeeds on missing objects.
	if err := m.client.RemoveObject(ctx, m.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			m.logger.Debug("Object already deleted", zap.String("path", path))
			return nil
		}
		return fmt.Errorf("deleting object from MinIO: %w", err)
	}
	return nil
}

func (m *minioStorage) wrapError(err error, path string) error {
	if isNotFound(err) {
		return fmt.Errorf("object %s: %w", path, errorsx.ErrNotFound)
	}
	return fmt.Errorf("reading object %s from MinIO: %w", path, err)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
