// Package visualize renders the performance of a classifier over the images of one class: contact sheets
// of selected predictions and a histogram of the confidence in the expected class.
package visualize

import (
	"cmp"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"

	"github.com/disintegration/imaging"
	"github.com/gomlx/imagerec/pkg/classifier"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// Toggles select which visualizations to produce.
type Toggles struct {
	RandomCorrect, RandomIncorrect, MostConfidentIncorrect, MostUncertain bool
}

// AllToggles enables every visualization.
var AllToggles = Toggles{RandomCorrect: true, RandomIncorrect: true, MostConfidentIncorrect: true, MostUncertain: true}

// Selection is one visualization: the summaries selected and the files rendered.
type Selection struct {
	Title        string
	Summaries    []classifier.TestResultSummary
	ContactSheet string
}

// Report of the visualizations of one class.
type Report struct {
	ClassName  string
	Selections []Selection
	Histogram  string
}

// Visualizer renders the visualizations into OutDir.
type Visualizer struct {
	OutDir string

	// ThumbSize is the size of each (square) image in the contact sheets.
	ThumbSize int

	rng *rand.Rand
}

// DefaultThumbSize of the images in the contact sheets.
const DefaultThumbSize = 160

// New creates a Visualizer writing to outDir. The seed is used for the random selections.
func New(outDir string, seed uint64) *Visualizer {
	return &Visualizer{OutDir: outDir, ThumbSize: DefaultThumbSize, rng: rand.New(rand.NewPCG(seed, seed+1))}
}

// Do renders the visualizations of the summaries whose expected class is className: up to count images for each
// toggle enabled, and the histogram of the expected class confidence.
func (v *Visualizer) Do(summaries []classifier.TestResultSummary, className string, count int, toggles Toggles) (*Report, error) {
	var ofClass []classifier.TestResultSummary
	for _, s := range summaries {
		if s.ExpectedClass == className {
			ofClass = append(ofClass, s)
		}
	}
	if len(ofClass) == 0 {
		return nil, errors.Errorf("no test results for class %q", className)
	}
	if err := os.MkdirAll(v.OutDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create visualization directory %q", v.OutDir)
	}
	correct, incorrect := partition(ofClass)
	fmt.Printf("Class %q: %d correct, %d incorrect\n", className, len(correct), len(incorrect))

	report := &Report{ClassName: className}
	addSelection := func(name, title string, selected []classifier.TestResultSummary) error {
		sel := Selection{Title: title, Summaries: selected}
		if len(selected) > 0 {
			sel.ContactSheet = filepath.Join(v.OutDir, fmt.Sprintf("%s_%s.png", className, name))
			if err := v.contactSheet(selected, sel.ContactSheet); err != nil {
				return err
			}
		}
		printSelection(sel)
		report.Selections = append(report.Selections, sel)
		return nil
	}
	var err error
	if toggles.RandomCorrect {
		err = addSelection("random_correct", "Random correct", v.sample(correct, count))
	}
	if err == nil && toggles.RandomIncorrect {
		err = addSelection("random_incorrect", "Random incorrect", v.sample(incorrect, count))
	}
	if err == nil && toggles.MostConfidentIncorrect {
		err = addSelection("most_confident_incorrect", "Most confident incorrect", MostConfidentIncorrect(incorrect, count))
	}
	if err == nil && toggles.MostUncertain {
		err = addSelection("most_uncertain", "Most uncertain", MostUncertain(ofClass, count))
	}
	if err != nil {
		return nil, err
	}

	report.Histogram = filepath.Join(v.OutDir, className+"_confidence.png")
	if err = histogram(ofClass, className, report.Histogram); err != nil {
		return nil, err
	}
	return report, nil
}

func partition(summaries []classifier.TestResultSummary) (correct, incorrect []classifier.TestResultSummary) {
	for _, s := range summaries {
		if s.Correct {
			correct = append(correct, s)
		} else {
			incorrect = append(incorrect, s)
		}
	}
	return
}

// sample returns up to count summaries randomly selected, in their original order.
func (v *Visualizer) sample(summaries []classifier.TestResultSummary, count int) []classifier.TestResultSummary {
	if count >= len(summaries) {
		return summaries
	}
	indices := v.rng.Perm(len(summaries))[:count]
	slices.Sort(indices)
	selected := make([]classifier.TestResultSummary, count)
	for ii, idx := range indices {
		selected[ii] = summaries[idx]
	}
	return selected
}

// MostConfidentIncorrect returns up to count of the incorrect summaries with the highest confidence
// in the (wrong) predicted class.
func MostConfidentIncorrect(summaries []classifier.TestResultSummary, count int) []classifier.TestResultSummary {
	var incorrect []classifier.TestResultSummary
	for _, s := range summaries {
		if !s.Correct {
			incorrect = append(incorrect, s)
		}
	}
	slices.SortStableFunc(incorrect, func(a, b classifier.TestResultSummary) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})
	return incorrect[:min(count, len(incorrect))]
}

// MostUncertain returns up to count summaries whose confidence in the expected class is closest to the
// point of indecision (1/numClasses).
func MostUncertain(summaries []classifier.TestResultSummary, count int) []classifier.TestResultSummary {
	sorted := slices.Clone(summaries)
	uncertainty := func(s classifier.TestResultSummary) float64 {
		numClasses := max(len(s.Confidences), 2)
		return math.Abs(float64(s.ExpectedConfidence()) - 1/float64(numClasses))
	}
	slices.SortStableFunc(sorted, func(a, b classifier.TestResultSummary) int {
		return cmp.Compare(uncertainty(a), uncertainty(b))
	})
	return sorted[:min(count, len(sorted))]
}

func printSelection(sel Selection) {
	fmt.Printf("  %s:\n", sel.Title)
	for _, s := range sel.Summaries {
		fmt.Printf("    %s: predicted %q (%.4f), %q confidence %.4f\n",
			s.ImageNumber(), s.ClassName, s.Confidence, s.ExpectedClass, s.ExpectedConfidence())
	}
	if sel.ContactSheet != "" {
		fmt.Printf("    -> %s\n", sel.ContactSheet)
	}
}

// contactSheet renders the images side by side, each one framed in green if correct, red otherwise.
func (v *Visualizer) contactSheet(summaries []classifier.TestResultSummary, filePath string) error {
	size := v.ThumbSize
	if size <= 0 {
		size = DefaultThumbSize
	}
	const border = 4
	cell := size + 2*border
	sheet := imaging.New(cell*len(summaries), cell, color.White)
	for ii, s := range summaries {
		img, err := imaging.Open(s.Request.Path)
		if err != nil {
			return errors.Wrapf(err, "failed to open image %q", s.Request.Path)
		}
		frameColor := color.NRGBA{R: 200, A: 255}
		if s.Correct {
			frameColor = color.NRGBA{G: 160, A: 255}
		}
		frame := imaging.New(cell, cell, frameColor)
		frame = imaging.Paste(frame, imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos), image.Pt(border, border))
		sheet = imaging.Paste(sheet, frame, image.Pt(ii*cell, 0))
	}
	if err := imaging.Save(sheet, filePath); err != nil {
		return errors.Wrapf(err, "failed to save contact sheet %q", filePath)
	}
	klog.V(1).Infof("saved contact sheet %q with %d images", filePath, len(summaries))
	return nil
}

// histogram plots the distribution of the confidence in the expected class.
func histogram(summaries []classifier.TestResultSummary, className, filePath string) error {
	values := make(plotter.Values, len(summaries))
	for ii, s := range summaries {
		values[ii] = float64(s.ExpectedConfidence())
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Confidence in %q (%d images)", className, len(summaries))
	p.X.Label.Text = "confidence"
	p.Y.Label.Text = "images"
	p.X.Min, p.X.Max = 0, 1
	hist, err := plotter.NewHist(values, 20)
	if err != nil {
		return errors.Wrap(err, "failed to create confidence histogram")
	}
	p.Add(hist)
	if err = p.Save(6*vg.Inch, 4*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save confidence histogram %q", filePath)
	}
	return nil
}
