// Package resume stages the applicant's resume as a local temporary file so
// the bridge can feed it to file inputs.
package resume

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Downloader fetches resumes into a staging directory. Each file is owned by
// exactly one run and removed again at cleanup.
type Downloader struct {
	dir    string
	client *resty.Client
	logger *zap.Logger
}

// NewDownloader creates a downloader staging files under dir; when dir is
// empty the OS temp dir is used.
func NewDownloader(dir string, timeout time.Duration, logger *zap.Logger) *Downloader {
	if dir == "" {
		dir = os.TempDir()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Downloader{
		dir:    dir,
		client: resty.New().SetTimeout(timeout),
		logger: logger.Named("resume"),
	}
}

// Download fetches the resume and writes it to a uniquely named file with an
// extension inferred from the URL. The returned path must be passed to
// Cleanup when the run ends, whatever the outcome.
func (d *Downloader) Download(ctx context.Context, resumeURL string) (string, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create resume staging dir: %w", err)
	}

	path := filepath.Join(d.dir, uuid.New().String()+extensionFor(resumeURL))

	resp, err := d.client.R().
		SetContext(ctx).
		SetOutput(path).
		Get(resumeURL)
	if err != nil {
		return "", fmt.Errorf("failed to download resume: %w", err)
	}
	if resp.IsError() {
		// resty wrote whatever the server sent; do not leave it behind.
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to download resume: status %d", resp.StatusCode())
	}

	d.logger.Info("Resume downloaded", zap.String("path", path))
	return path, nil
}

// Cleanup removes the downloaded file. A missing file is a no-op, so cleanup
// can run unconditionally even when the run failed before the download.
func (d *Downloader) Cleanup(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("Failed to remove resume file",
			zap.String("path", path), zap.Error(err))
		return
	}
	d.logger.Debug("Resume file removed", zap.String("path", path))
}

// extensionFor infers the file extension from the source URL, defaulting to
// PDF for anything unrecognized.
func extensionFor(resumeURL string) string {
	lower := strings.ToLower(resumeURL)
	// Strip query and fragment before looking at the suffix.
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	for _, ext := range []string{".pdf", ".doc", ".docx"} {
		if strings.HasSuffix(lower, ext) {
			return ext
		}
	}
	return ".pdf"
}
