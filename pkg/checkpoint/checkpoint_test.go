package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEpoch(t *testing.T) {
	assert.Equal(t, 1, ParseEpoch("./cache/weights.00-0.2210-0.9120.h5"))
	assert.Equal(t, 6, ParseEpoch("weights.05-0.1234-0.9876.h5"))
	assert.Equal(t, 13, ParseEpoch("/tmp/cache/model_weights.12-1.0-0.5.h5"))
	assert.Equal(t, 101, ParseEpoch("WEIGHTS.100-0.1-0.2.H5"))

	assert.Equal(t, 0, ParseEpoch("vgg16.h5"))
	assert.Equal(t, 0, ParseEpoch("weights.h5"))
	assert.Equal(t, 0, ParseEpoch("weights.xx-0.1-0.2.h5"))
	assert.Equal(t, 0, ParseEpoch("weights.05-0.1234-0.9876.ckpt"))
}

func TestName(t *testing.T) {
	assert.Equal(t, "weights.05-0.1234-0.9876", Name(5, 0.12341, 0.98759))
	assert.Equal(t, 6, ParseEpoch(Name(5, 0.1, 0.2)+LegacyExt))
}

func touch(t *testing.T, dir, name string) string {
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	return p
}

func TestLocate(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "cache")
		latest, err := Locate(dir)
		require.NoError(t, err)
		assert.False(t, latest.Found())
		assert.Equal(t, 0, latest.Epoch)
		assert.DirExists(t, dir)
	})

	t.Run("legacy", func(t *testing.T) {
		dir := t.TempDir()
		// Resume epochs {0, 3, 7, 2}, plus a file that is not a checkpoint.
		touch(t, dir, "vgg16.h5")
		touch(t, dir, "weights.02-0.3000-0.8000.h5")
		want := touch(t, dir, "weights.06-0.2000-0.9000.h5")
		touch(t, dir, "weights.01-0.4000-0.7000.h5")
		touch(t, dir, "weights.09-0.1000-0.9500.txt")
		latest, err := Locate(dir)
		require.NoError(t, err)
		assert.Equal(t, want, latest.Path)
		assert.Equal(t, 7, latest.Epoch)
		assert.True(t, latest.IsLegacy())
	})

	t.Run("only-unparseable", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "vgg16.h5")
		latest, err := Locate(dir)
		require.NoError(t, err)
		assert.False(t, latest.Found())
	})

	t.Run("manifest", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "weights.02-0.3000-0.8000.h5")
		m, err := LoadManifest(dir)
		require.NoError(t, err)
		for epoch, loss := range []float64{0.5, 0.25, 0.4, 0.3} {
			ckptDir := filepath.Join(dir, Name(epoch+3, loss, 0.9)+DirExt)
			require.NoError(t, os.MkdirAll(ckptDir, DirPermMode))
			m.Add(epoch+3, loss, 0.9, ckptDir)
		}
		// Entry listed but removed from disk is skipped.
		m.Add(20, 0.1, 0.99, filepath.Join(dir, "gone"+DirExt))
		require.NoError(t, m.Save())

		latest, err := Locate(dir)
		require.NoError(t, err)
		require.NotNil(t, latest.Entry)
		assert.Equal(t, 7, latest.Epoch)
		assert.Equal(t, filepath.Join(dir, Name(6, 0.3, 0.9)+DirExt), latest.Path)
		assert.False(t, latest.IsLegacy())
	})
}

func TestManifest(t *testing.T) {
	dir := t.TempDir()
	m, err := LoadManifest(dir)
	require.NoError(t, err)
	_, found := m.Best()
	assert.False(t, found)

	e0 := m.Add(0, 0.7, 0.5, filepath.Join(dir, "a"+DirExt))
	m.Add(1, 0.3, 0.8, filepath.Join(dir, "b"+DirExt))
	m.Add(2, 0.4, 0.85, filepath.Join(dir, "c"+DirExt))
	assert.Equal(t, "a"+DirExt, e0.Path)
	assert.NotEmpty(t, e0.ID)
	require.NoError(t, m.Save())

	loaded, err := LoadManifest(dir)
	require.NoError(t, err)
	require.Len(t, loaded.Entries, 3)
	assert.Equal(t, e0.ID, loaded.Entries[0].ID)
	assert.Equal(t, filepath.Join(dir, "a"+DirExt), loaded.Path(loaded.Entries[0]))
	best, found := loaded.Best()
	require.True(t, found)
	assert.Equal(t, 1, best.Epoch)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte("{not json"), 0644))
	_, err = LoadManifest(dir)
	require.Error(t, err)
}
