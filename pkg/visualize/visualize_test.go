package visualize

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/imagerec/pkg/classifier"
	"github.com/gomlx/imagerec/pkg/imagerec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func result(t *testing.T, dir, number string, dogConfidence float32) classifier.TestResultSummary {
	p := filepath.Join(dir, number+".png")
	require.NoError(t, imaging.Save(imaging.New(20, 10, color.Gray{Y: 128}), p))
	confidences := []float32{1 - dogConfidence, dogConfidence}
	prediction := imagerec.ImagePredictionResult{Request: imagerec.NewRequest(p), Confidences: confidences}
	prediction.ClassIndex, prediction.ClassName, prediction.Confidence = 0, "cats", confidences[0]
	if dogConfidence > 0.5 {
		prediction.ClassIndex, prediction.ClassName, prediction.Confidence = 1, "dogs", confidences[1]
	}
	return classifier.TestResultSummary{
		PredictionSummary: classifier.PredictionSummary{ImagePredictionResult: prediction},
		ExpectedClass:     "dogs",
		ExpectedIndex:     1,
		Correct:           prediction.ClassName == "dogs",
	}
}

func numbers(summaries []classifier.TestResultSummary) []string {
	var ns []string
	for _, s := range summaries {
		ns = append(ns, s.ImageNumber())
	}
	return ns
}

func TestSelections(t *testing.T) {
	dir := t.TempDir()
	summaries := []classifier.TestResultSummary{
		result(t, dir, "1", 0.9),
		result(t, dir, "2", 0.1),
		result(t, dir, "3", 0.45),
		result(t, dir, "4", 0.55),
		result(t, dir, "5", 0.3),
	}
	assert.Equal(t, []string{"2", "5"}, numbers(MostConfidentIncorrect(summaries, 2)))
	assert.ElementsMatch(t, []string{"3", "4"}, numbers(MostUncertain(summaries, 2)))
	assert.Len(t, MostUncertain(summaries, 10), 5)

	outDir := filepath.Join(t.TempDir(), "vis")
	v := New(outDir, 42)
	v.ThumbSize = 16
	report, err := v.Do(summaries, "dogs", 2, AllToggles)
	require.NoError(t, err)
	require.Len(t, report.Selections, 4)
	assert.Len(t, report.Selections[0].Summaries, 2) // Random correct: "1" and "4".
	assert.Len(t, report.Selections[1].Summaries, 2)
	for _, s := range report.Selections[1].Summaries {
		assert.False(t, s.Correct)
	}

	sheet, err := imaging.Open(report.Selections[0].ContactSheet)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(2*(16+8), 16+8), sheet.Bounds().Size())
	_, err = os.Stat(report.Histogram)
	require.NoError(t, err)

	_, err = v.Do(summaries, "cats", 2, AllToggles)
	require.Error(t, err)

	// Nothing selected, no contact sheet.
	report, err = v.Do(summaries[:1], "dogs", 2, Toggles{RandomIncorrect: true})
	require.NoError(t, err)
	require.Len(t, report.Selections, 1)
	assert.Empty(t, report.Selections[0].ContactSheet)
}
