package resume

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExtensionFor(t *testing.T) {
	cases := map[string]string{
		"https://files.example.com/r.pdf":        ".pdf",
		"https://files.example.com/r.PDF":        ".pdf",
		"https://files.example.com/r.doc":        ".doc",
		"https://files.example.com/r.docx":       ".docx",
		"https://files.example.com/r.docx?v=2":   ".docx",
		"https://files.example.com/resume":       ".pdf",
		"https://files.example.com/r.tar.gz":     ".pdf",
		"https://files.example.com/r.pdf#page=1": ".pdf",
	}
	for input, want := range cases {
		assert.Equal(t, want, extensionFor(input), input)
	}
}

func TestDownloadAndCleanup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.4 fake resume"))
	}))
	defer server.Close()

	dir := t.TempDir()
	d := NewDownloader(dir, 5*time.Second, zap.NewNop())

	path, err := d.Download(context.Background(), server.URL+"/r.pdf")
	require.NoError(t, err)
	assert.Equal(t, ".pdf", filepath.Ext(path))
	assert.Equal(t, dir, filepath.Dir(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "fake resume")

	d.Cleanup(path)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "file must be gone after cleanup")

	// Second cleanup of the same path is a no-op.
	d.Cleanup(path)
	d.Cleanup("")
}

func TestDownloadServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer server.Close()

	dir := t.TempDir()
	d := NewDownloader(dir, 5*time.Second, zap.NewNop())

	_, err := d.Download(context.Background(), server.URL+"/r.pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "410")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed download must not leave a partial file behind")
}
