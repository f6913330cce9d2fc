package download

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIfMissing(t *testing.T) {
	content := []byte("pretrained weights")
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	var count atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		if r.URL.Path == "/missing.h5" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(content)
	}))
	defer server.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "models", "vgg16.h5")
	require.NoError(t, IfMissing(server.URL+"/vgg16.h5", target, hash))
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, int32(1), count.Load())

	// Cached: no new request.
	require.NoError(t, IfMissing(server.URL+"/vgg16.h5", target, hash))
	assert.Equal(t, int32(1), count.Load())

	// Wrong checksum.
	require.Error(t, IfMissing(server.URL+"/vgg16.h5", target, "00"))

	// HTTP error: fatal, and no partial file left.
	missing := filepath.Join(dir, "models", "missing.h5")
	require.Error(t, IfMissing(server.URL+"/missing.h5", missing, ""))
	assert.NoFileExists(t, missing)
	entries, err := os.ReadDir(filepath.Join(dir, "models"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
