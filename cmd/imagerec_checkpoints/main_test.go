package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/imagerec/pkg/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListCheckpoints(t *testing.T) {
	cacheDir := t.TempDir()
	manifest, err := checkpoint.LoadManifest(cacheDir)
	require.NoError(t, err)
	for _, e := range []struct {
		epoch     int
		loss, acc float64
	}{{0, 0.5, 0.8}, {1, 0.3, 0.9}, {2, 0.4, 0.85}} {
		ckptDir := filepath.Join(cacheDir, checkpoint.Name(e.epoch, e.loss, e.acc)+checkpoint.DirExt)
		require.NoError(t, os.MkdirAll(ckptDir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(ckptDir, "checkpoint.bin"), make([]byte, 100), 0644))
		manifest.Add(e.epoch, e.loss, e.acc, ckptDir)
	}
	require.NoError(t, manifest.Save())

	rows, latest, err := listCheckpoints(cacheDir)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{rows[0].Epoch, rows[1].Epoch, rows[2].Epoch})
	assert.True(t, rows[1].Best)
	assert.False(t, rows[1].ResumesFrom)
	assert.True(t, rows[2].ResumesFrom)
	assert.Equal(t, 3, latest.Epoch)
	assert.Equal(t, int64(100), rows[0].Size)

	// Legacy file with a later epoch is the one training resumes from.
	legacyPath := filepath.Join(cacheDir, "weights.04-0.2000-0.9500.h5")
	require.NoError(t, os.WriteFile(legacyPath, make([]byte, 10), 0644))
	rows, latest, err = listCheckpoints(cacheDir)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, legacyPath, latest.Path)
	last := rows[3]
	assert.True(t, last.Legacy)
	assert.Equal(t, 4, last.Epoch)
	assert.True(t, last.ResumesFrom)
	assert.False(t, last.Best)
	assert.False(t, last.HasMetrics)
	printCheckpoints(cacheDir, rows)
}

func TestIsHeadScope(t *testing.T) {
	assert.True(t, isHeadScope("/model/predictions_finetuned"))
	assert.False(t, isHeadScope("/model/vgg16/fc2"))
	assert.False(t, isHeadScope("/model/predictions_finetuned_old"))
}

func TestRowMarks(t *testing.T) {
	assert.Equal(t, "best, resume", checkpointRow{Best: true, ResumesFrom: true}.marks().String())
	assert.Equal(t, "resume", checkpointRow{ResumesFrom: true}.marks().String())
	assert.Equal(t, "", rowMark(0).String())

	assert.Equal(t, bestColor, rowStyle(markBest).GetForeground())
	assert.False(t, rowStyle(markBest).GetBold())
	assert.True(t, rowStyle(markBest|markResume).GetBold())
	assert.Equal(t, headColor, rowStyle(markHead).GetForeground())

	l := newListing([]string{"Epoch", "Checkpoint"}, lipgloss.Right, lipgloss.Left)
	l.add(0, "0", "a")
	l.add(markResume, "1", "b")
	assert.Equal(t, []rowMark{0, markResume}, l.marks)
	assert.True(t, l.style(1, 0).GetBold())
	assert.Equal(t, lipgloss.Right, l.style(0, 0).GetAlignHorizontal())
	assert.Equal(t, lipgloss.Left, l.style(0, 5).GetAlignHorizontal())
	assert.Contains(t, l.String(), "Checkpoint")
}

func TestReportMissingCheckpoint(t *testing.T) {
	ckptPath := filepath.Join(t.TempDir(), "missing")
	require.Error(t, report(ckptPath, true, true))
	_, err := os.Stat(ckptPath)
	assert.True(t, os.IsNotExist(err), "inspecting a checkpoint must not create its directory")

	require.Error(t, report(t.TempDir(), true, true), "no checkpoint in an empty directory")
}
