// Package submission writes prediction summaries as Kaggle submission CSV files, using gota dataframes.
package submission

import (
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/imagerec/pkg/classifier"
	"github.com/pkg/errors"
)

// Options of the submission files.
type Options struct {
	// ClipMin and ClipMax, if ClipMax > ClipMin, bound the probabilities written: confident mistakes are
	// heavily penalized by the log-loss used to score the competitions.
	ClipMin, ClipMax float64
}

// DefaultOptions don't clip the probabilities.
var DefaultOptions = Options{}

func (o Options) clip(v float64) float64 {
	if o.ClipMax <= o.ClipMin {
		return v
	}
	return min(max(v, o.ClipMin), o.ClipMax)
}

// ClassProbability builds the Cats vs Dogs submission: columns "id" (the image number) and "label" (the
// probability of the class classIndex), sorted by id. Ids are sorted numerically if they are all integers.
func ClassProbability(summaries []classifier.PredictionSummary, classIndex int, opts Options) (dataframe.DataFrame, error) {
	if len(summaries) == 0 {
		return dataframe.DataFrame{}, errors.New("no predictions to write")
	}
	ids := make([]string, len(summaries))
	numericIDs := make([]int, len(summaries))
	allNumeric := true
	labels := make([]float64, len(summaries))
	for ii, s := range summaries {
		if classIndex < 0 || classIndex >= len(s.Confidences) {
			return dataframe.DataFrame{}, errors.Errorf("class index %d out of range for image %q with %d classes",
				classIndex, s.ImageNumber(), len(s.Confidences))
		}
		ids[ii] = s.ImageNumber()
		if allNumeric {
			n, err := strconv.Atoi(ids[ii])
			allNumeric = err == nil
			numericIDs[ii] = n
		}
		labels[ii] = opts.clip(float64(s.ConfidenceFor(classIndex)))
	}
	var idSeries series.Series
	if allNumeric {
		idSeries = series.New(numericIDs, series.Int, "id")
	} else {
		idSeries = series.New(ids, series.String, "id")
	}
	df := dataframe.New(idSeries, series.New(labels, series.Float, "label"))
	df = df.Arrange(dataframe.Sort("id"))
	return df, df.Err
}

// WriteClassProbability writes the ClassProbability dataframe as CSV.
func WriteClassProbability(w io.Writer, summaries []classifier.PredictionSummary, classIndex int, opts Options) error {
	df, err := ClassProbability(summaries, classIndex, opts)
	if err != nil {
		return err
	}
	return errors.Wrap(df.WriteCSV(w), "failed to write submission CSV")
}

// AllClasses builds the Distracted Driver submission: column "img" (the image file name) followed by one column
// with the probability of each class, named by classNames.
func AllClasses(summaries []classifier.PredictionSummary, classNames []string, opts Options) (dataframe.DataFrame, error) {
	if len(summaries) == 0 {
		return dataframe.DataFrame{}, errors.New("no predictions to write")
	}
	images := make([]string, len(summaries))
	columns := make([][]float64, len(classNames))
	for classIdx := range columns {
		columns[classIdx] = make([]float64, len(summaries))
	}
	for ii, s := range summaries {
		if len(s.Confidences) != len(classNames) {
			return dataframe.DataFrame{}, errors.Errorf("image %q has %d confidences, but there are %d classes",
				s.Request.Path, len(s.Confidences), len(classNames))
		}
		images[ii] = filepath.Base(s.Request.Path)
		for classIdx := range classNames {
			columns[classIdx][ii] = opts.clip(float64(s.Confidences[classIdx]))
		}
	}
	allSeries := make([]series.Series, 0, len(classNames)+1)
	allSeries = append(allSeries, series.New(images, series.String, "img"))
	for classIdx, name := range classNames {
		allSeries = append(allSeries, series.New(columns[classIdx], series.Float, name))
	}
	df := dataframe.New(allSeries...)
	return df, df.Err
}

// WriteAllClasses writes the AllClasses dataframe as CSV.
func WriteAllClasses(w io.Writer, summaries []classifier.PredictionSummary, classNames []string, opts Options) error {
	df, err := AllClasses(summaries, classNames, opts)
	if err != nil {
		return err
	}
	return errors.Wrap(df.WriteCSV(w), "failed to write submission CSV")
}

// WriteFile creates filePath, and its directory if needed, and calls writeFn to write its contents.
func WriteFile(filePath string, writeFn func(w io.Writer) error) (err error) {
	if err = os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	defer func() {
		closeErr := f.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close %q", filePath)
		}
	}()
	return writeFn(f)
}
