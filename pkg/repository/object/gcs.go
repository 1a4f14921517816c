package object

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/instill-ai/ingestion-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
	logx "github.com/instill-ai/x/log"
)

// gcsStorage implements Storage interface for Google Cloud Storage
type gcsStorage struct {
	client *storage.Client
	bucket string
	logger *zap.Logger
}

// GCSConfig holds GCS storage configuration
type GCSConfig struct {
	ProjectID         string
	Bucket            string
	ServiceAccountKey string // JSON string
}

// NewGCSStorage creates a new object.Storage implementation using GCS
func NewGCSStorage(ctx context.Context, config GCSConfig) (Storage, error) {
	if config.Bucket == "" {
		return nil, errorsx.AddMessage(
			errorsx.ErrInvalidArgument,
			"GCS bucket name is required",
		)
	}

	var opts []option.ClientOption
	if config.ServiceAccountKey != "" {
		key, err := unwrapServiceAccountKey([]byte(config.ServiceAccountKey))
		if err != nil {
			return nil, errorsx.AddMessage(err, "Unable to process service account credentials.")
		}
		opts = append(opts, option.WithCredentialsJSON(key))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("failed to create GCS client: %w", err),
			"Unable to connect to Google Cloud Storage. Please check your configuration.",
		)
	}

	logger, _ := logx.GetZapLogger(ctx)
	logger = logger.With(
		zap.String("storage", "gcs"),
		zap.String("project", config.ProjectID),
		zap.String("bucket", config.Bucket))

	return &gcsStorage{
		client: client,
		bucket: config.Bucket,
		logger: logger,
	}, nil
}

// unwrapServiceAccountKey extracts the credentials from a Vault response
// (data.data) when the key is wrapped in one.
func unwrapServiceAccountKey(key []byte) ([]byte, error) {
	var wrapped struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(key, &wrapped); err != nil || wrapped.Data.Data == nil {
		return key, nil
	}

	actual, err := json.Marshal(wrapped.Data.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal service account key: %w", err)
	}
	return actual, nil
}

// Upload implements object.Storage.Upload
func (g *gcsStorage) Upload(ctx context.Context, kbUID types.KBUIDType, path string, content []byte, contentType string) (string, error) {
	if err := ValidatePath(kbUID, path); err != nil {
		return "", err
	}

	writer := g.client.Bucket(g.bucket).Object(path).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := writer.Write(content); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("failed to write to GCS: %w", err)
	}
	// The upload is only committed once the writer is closed.
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize GCS upload: %w", err)
	}
	return path, nil
}

func (g *gcsStorage) reader(ctx context.Context, kbUID types.KBUIDType, path string) (*storage.Reader, error) {
	if err := ValidatePath(kbUID, path); err != nil {
		return nil, err
	}

	r, err := g.client.Bucket(g.bucket).Object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("object %s: %w", path, errorsx.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read GCS object: %w", err)
	}
	return r, nil
}

// Download implements object.Storage.Download
func (g *gcsStorage) Download(ctx context.Context, kbUID types.KBUIDType, path string) ([]byte, error) {
	r, err := g.reader(ctx, kbUID, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object content: %w", err)
	}
	return content, nil
}

// DownloadFile implements object.Storage.DownloadFile
func (g *gcsStorage) DownloadFile(ctx context.Context, kbUID types.KBUIDType, path, localPath string) error {
	r, err := g.reader(ctx, kbUID, path)
	if err != nil {
		return err
	}
	defer r.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("creating local file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to read GCS object content: %w", err)
	}
	return f.Close()
}

// Delete implements object.Storage.Delete
func (g *gcsStorage) Delete(ctx context.Context, kbUID types.KBUIDType, path string) error {
	if err := ValidatePath(kbUID, path); err != nil {
		return err
	}

	if err := g.client.Bucket(g.bucket).Object(path).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			g.logger.Debug("Object already deleted", zap.String("path", path))
			return nil
		}
		return fmt.Errorf("failed to delete GCS object: %w", err)
	}
	return nil
}
