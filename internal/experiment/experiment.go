// Package experiment holds the steps shared by the Kaggle experiment commands: building the fine-tuned
// model from the command line and producing the test results and visualizations over a validation set.
package experiment

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/imagerec/pkg/classifier"
	"github.com/gomlx/imagerec/pkg/vgg16"
	"github.com/gomlx/imagerec/pkg/visualize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NewVGG16 creates the fine-tuned model with the hyperparameters of ctx, after applying the "-set" settings
// (see commandline.CreateContextSettingsFlag) to it. The settings are kept over the values saved in the
// cached checkpoints.
func NewVGG16(cfg vgg16.Config, ctx *context.Context, settings string) (*vgg16.Model, error) {
	paramsSet, err := commandline.ParseContextSettings(ctx, settings)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse -set=%q", settings)
	}
	cfg.Context = ctx
	cfg.ParamsSet = paramsSet
	cfg.CacheDir, err = fsutil.ReplaceTildeInDir(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	if len(paramsSet) > 0 {
		fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}
	if klog.V(1).Enabled() {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}
	return vgg16.New(cfg)
}

// TestResults classifies the images of each "<validDir>/<class>" directory, tagged with their class.
func TestResults(c *classifier.MasterImageClassifier, validDir string, classNames []string, batchSize int) ([]classifier.TestResultSummary, error) {
	var all []classifier.TestResultSummary
	for _, className := range classNames {
		classDir := filepath.Join(validDir, className)
		if _, err := os.Stat(classDir); err != nil {
			return nil, errors.Wrapf(err, "validation directory for class %q", className)
		}
		results, err := c.AllTestResults(classDir, batchSize, className)
		if err != nil {
			return nil, errors.WithMessagef(err, "test results for class %q", className)
		}
		all = append(all, results...)
	}
	return all, nil
}

// PrintAccuracy prints the accuracy of the test results, overall and per class.
func PrintAccuracy(results []classifier.TestResultSummary) {
	if len(results) == 0 {
		return
	}
	type counts struct{ correct, total int }
	var order []string
	perClass := make(map[string]*counts)
	var total counts
	for _, r := range results {
		c, found := perClass[r.ExpectedClass]
		if !found {
			c = &counts{}
			perClass[r.ExpectedClass] = c
			order = append(order, r.ExpectedClass)
		}
		c.total++
		total.total++
		if r.Correct {
			c.correct++
			total.correct++
		}
	}
	parts := make([]string, 0, len(order))
	for _, className := range order {
		c := perClass[className]
		parts = append(parts, fmt.Sprintf("%s=%.2f%%", className, 100*float64(c.correct)/float64(c.total)))
	}
	fmt.Printf("Accuracy over %d validation images: %.2f%% (%s)\n", total.total,
		100*float64(total.correct)/float64(total.total), strings.Join(parts, ", "))
}

// Visualize renders the visualizations of className into outDir.
func Visualize(results []classifier.TestResultSummary, className string, count int, toggles visualize.Toggles, outDir string, seed uint64) error {
	outDir, err := fsutil.ReplaceTildeInDir(outDir)
	if err != nil {
		return err
	}
	report, err := visualize.New(outDir, seed).Do(results, className, count, toggles)
	if err != nil {
		return err
	}
	fmt.Printf("Visualizations of %q: %d selections, confidence histogram in %s\n",
		report.ClassName, len(report.Selections), report.Histogram)
	return nil
}
