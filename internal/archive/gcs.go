package archive

import (
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"github.com/dvloznov/bank-reconciler/internal/connector"
)

// uploadTimeout bounds a single page upload.
const uploadTimeout = 2 * time.Minute

// GCS archives pages as JSON lines objects in a Cloud Storage bucket.
// It assumes Application Default Credentials are configured.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS creates a storage client for bucket. Close releases it.
func NewGCS(ctx context.Context, bucket, prefix string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGCS: create storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, prefix: prefix}, nil
}

// Close closes the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}

// URI is the gs:// location of a page.
func (g *GCS) URI(accountID, runID string, page int) string {
	return "gs://" + g.bucket + "/" + ObjectName(g.prefix, accountID, runID, page)
}

// ArchivePage implements Archiver. Rewriting a page of the same run replaces it.
func (g *GCS) ArchivePage(ctx context.Context, accountID, runID string, page int, records []connector.Record) error {
	data, err := EncodeJSONLines(records)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	name := ObjectName(g.prefix, accountID, runID, page)
	w := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	w.Metadata = map[string]string{
		"account_id": accountID,
		"run_id":     runID,
	}

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("ArchivePage: writing %s: %w", name, err)
	}
	// Close finalizes the upload.
	if err := w.Close(); err != nil {
		return fmt.Errorf("ArchivePage: finalize upload of %s: %w", name, err)
	}
	return nil
}

// Fetch implements Fetcher for gs:// URIs.
func (g *GCS) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("Fetch: %w", err)
	}

	rc, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading object %s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading bytes: %w", err)
	}
	return data, nil
}

var (
	_ Archiver = (*GCS)(nil)
	_ Fetcher  = (*GCS)(nil)
)
