package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// getGoogleClient initializes a Google Cloud Storage client
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	// Prefer ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
	// If you need to provide explicit JSON (e.g. locally), set GCS_CREDENTIALS_JSON.
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		client, err := storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// GCSObjectWriter writes audit mirror objects to one bucket. Objects are
// created with a does-not-exist precondition, so a rewrite of an already
// mirrored range is treated as success rather than overwriting it.
type GCSObjectWriter struct {
	client *storage.Client
	bucket string
}

func NewGCSObjectWriter(ctx context.Context, bucket string) (*GCSObjectWriter, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("audit bucket is required")
	}
	client, err := getGoogleClient(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("gcs bucket %q not found or not accessible: %v", bucket, err)
	}
	return &GCSObjectWriter{client: client, bucket: bucket}, nil
}

func (w *GCSObjectWriter) WriteObject(ctx context.Context, key string, body []byte, contentType string) error {
	obj := w.client.Bucket(w.bucket).Object(key).If(storage.Conditions{DoesNotExist: true})
	wc := obj.NewWriter(ctx)
	wc.ContentType = contentType
	wc.Metadata = map[string]string{"source": "ledger-audit-mirror"}

	if _, err := wc.Write(body); err != nil {
		_ = wc.Close()
		return err
	}
	if err := wc.Close(); err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return err
	}
	return nil
}

func (w *GCSObjectWriter) Close() error {
	return w.client.Close()
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
