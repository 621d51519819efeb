package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/sync/errgroup"
)

const (
	uploadConcurrency = 10
	uploadRetries     = 4
)

// splitPages uploads one single-page PDF per page under documentID/ in the
// pages bucket, so the heavy extraction path can fan out per page. pageCount
// is the count the analyzer read. It returns the gs:// prefix of the
// uploaded pages.
func (f *DocumentClassifierFunction) splitPages(ctx context.Context, logCtx *slog.Logger, documentID string, data []byte, pageCount int) (string, error) {
	tempDir, err := os.MkdirTemp("", "document-classifier-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	pagePaths, err := splitLocal(data, pageCount, tempDir)
	if err != nil {
		return "", err
	}

	logCtx.Info("Starting concurrent upload of pages.", "pageCount", len(pagePaths))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(uploadConcurrency)

	for i, localPath := range pagePaths {
		pageNumber := i + 1
		destObject := pageObjectName(documentID, pageNumber)
		eg.Go(func() error {
			if err := f.uploadFile(gctx, localPath, destObject); err != nil {
				return fmt.Errorf("page %d: %w", pageNumber, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return "", fmt.Errorf("one or more pages failed to upload: %w", err)
	}
	logCtx.Info("All pages uploaded successfully.")
	return fmt.Sprintf("gs://%s/%s/", f.config.PagesBucket, documentID), nil
}

// splitLocal writes data to dir and splits it into single-page PDFs. The
// split runs with relaxed validation, the mode the analyzer accepted the
// document in.
func splitLocal(data []byte, pageCount int, dir string) ([]string, error) {
	if pageCount <= 0 {
		return nil, fmt.Errorf("invalid page count %d", pageCount)
	}
	sourcePath := filepath.Join(dir, "source.pdf")
	if err := os.WriteFile(sourcePath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write temp PDF: %w", err)
	}
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	if err := api.SplitFile(sourcePath, dir, 1, cfg); err != nil {
		return nil, fmt.Errorf("failed to split PDF: %w", err)
	}

	base := strings.TrimSuffix(sourcePath, filepath.Ext(sourcePath))
	paths := make([]string, pageCount)
	for i := range paths {
		paths[i] = fmt.Sprintf("%s_%d.pdf", base, i+1)
	}
	return paths, nil
}

// uploadFile copies a local file to the pages bucket, retrying with
// exponential backoff.
func (f *DocumentClassifierFunction) uploadFile(ctx context.Context, localPath, destObject string) error {
	backoff := 1 * time.Second
	var lastErr error

	for i := 0; i < uploadRetries; i++ {
		err := func() error {
			localFile, err := os.Open(localPath)
			if err != nil {
				return fmt.Errorf("could not open local file %s: %w", localPath, err)
			}
			defer localFile.Close()

			writeCtx, cancel := context.WithTimeout(ctx, 50*time.Second)
			defer cancel()

			gcsWriter := f.storageClient.Bucket(f.config.PagesBucket).Object(destObject).NewWriter(writeCtx)
			gcsWriter.ContentType = "application/pdf"
			if _, err := io.Copy(gcsWriter, localFile); err != nil {
				_ = gcsWriter.Close()
				return fmt.Errorf("io.Copy to GCS failed: %w", err)
			}
			if err := gcsWriter.Close(); err != nil {
				return fmt.Errorf("failed to close GCS writer (finalize upload): %w", err)
			}
			return nil
		}()
		if err == nil {
			return nil
		}

		lastErr = err
		slog.Warn("Upload failed, will retry.",
			"gcsObject", destObject,
			"attempt", i+1,
			"maxRetries", uploadRetries,
			"backoff", backoff.String(),
			"error", err,
		)

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("upload for %s failed after all retries: %w", destObject, lastErr)
}

func pageObjectName(documentID string, pageNumber int) string {
	return fmt.Sprintf("%s/%05d.pdf", documentID, pageNumber)
}
