// catsvsdogs fine-tunes VGG16 on the Kaggle "Dogs vs. Cats Redux" images, writes the submission file
// with the probability of each test image being a dog, and visualizes the performance over the
// validation dogs.
//
// The data directory is expected to hold:
//
//	train/{cats,dogs}/*.jpg
//	valid/{cats,dogs}/*.jpg
//	test1/unknown/*.jpg
//
// Checkpoints are saved after every epoch into -cache, and training resumes from the latest one.
package main

import (
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/imagerec/internal/experiment"
	"github.com/gomlx/imagerec/pkg/classifier"
	"github.com/gomlx/imagerec/pkg/submission"
	"github.com/gomlx/imagerec/pkg/vgg16"
	"github.com/gomlx/imagerec/pkg/visualize"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

// Config of one run.
type Config struct {
	DataDir, CacheDir string

	NumEpochs                                     int
	TrainBatchSize, ValidBatchSize, TestBatchSize int

	// SubmissionPath of the CSV file, with the probability of SubmissionClass.
	SubmissionPath  string
	SubmissionClass int
	Clip            float64

	// VisualizationClass of the validation images to visualize, VisualizationCount images per selection.
	VisualizationClass string
	VisualizationCount int
	VisualizationDir   string
	Seed               uint64
}

// DefaultConfig matches the layout of the Kaggle dataset.
var DefaultConfig = Config{
	DataDir:            "./data/",
	CacheDir:           "./cache/",
	NumEpochs:          6,
	TrainBatchSize:     64,
	ValidBatchSize:     64,
	TestBatchSize:      64,
	SubmissionPath:     "submission.csv",
	SubmissionClass:    1,
	VisualizationClass: "dogs",
	VisualizationCount: 5,
	VisualizationDir:   "./visualizations/",
	Seed:               42,
}

func (c Config) trainDir() string { return filepath.Join(c.DataDir, "train") }
func (c Config) validDir() string { return filepath.Join(c.DataDir, "valid") }
func (c Config) testDir() string { return filepath.Join(c.DataDir, "test1") }

var (
	flagDataDir  = flag.String("data", DefaultConfig.DataDir, "Directory with the train, valid and test1 image folders.")
	flagCacheDir = flag.String("cache", DefaultConfig.CacheDir, "Directory where checkpoints are saved and loaded from.")
	flagEpochs   = flag.Int("epochs", DefaultConfig.NumEpochs, "Number of additional epochs to train. 0 skips training.")
	flagBatch    = flag.Int("batch", DefaultConfig.TrainBatchSize, "Batch size for training, validation and test.")
	flagOutput   = flag.String("output", DefaultConfig.SubmissionPath, "Path of the submission CSV file.")
	flagClip     = flag.Float64("clip", 0, "If > 0, submitted probabilities are clipped to [clip, 1-clip].")
	flagVisDir   = flag.String("vis_dir", DefaultConfig.VisualizationDir, "Directory where the visualizations are written.")
	flagWeights  = flag.String("weights", "", "URL of the pretrained VGG16 weights. Defaults to the Keras applications file.")
)

func main() {
	ctx := vgg16.DefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	cfg := DefaultConfig
	cfg.DataDir = *flagDataDir
	cfg.CacheDir = *flagCacheDir
	cfg.NumEpochs = *flagEpochs
	cfg.TrainBatchSize, cfg.ValidBatchSize, cfg.TestBatchSize = *flagBatch, *flagBatch, *flagBatch
	cfg.SubmissionPath = *flagOutput
	cfg.Clip = *flagClip
	cfg.VisualizationDir = *flagVisDir

	start := time.Now()
	model := must.M1(experiment.NewVGG16(vgg16.Config{
		TrainDir:       cfg.trainDir(),
		ValidDir:       cfg.validDir(),
		TrainBatchSize: cfg.TrainBatchSize,
		ValidBatchSize: cfg.ValidBatchSize,
		CacheDir:       cfg.CacheDir,
		LoadFromCache:  true,
		WeightsURL:     *flagWeights,
		Seed:           cfg.Seed,
		ProgressBar:    true,
	}, ctx, *settings))
	if cfg.NumEpochs > 0 {
		must.M(model.RefineTraining(cfg.NumEpochs))
	}

	c := classifier.New(model)
	c.ProgressBar = true
	predictions := must.M1(c.AllPredictions(cfg.testDir(), cfg.TestBatchSize))
	opts := submission.DefaultOptions
	if cfg.Clip > 0 {
		opts = submission.Options{ClipMin: cfg.Clip, ClipMax: 1 - cfg.Clip}
	}
	must.M(submission.WriteFile(cfg.SubmissionPath, func(w io.Writer) error {
		return submission.WriteClassProbability(w, predictions, cfg.SubmissionClass, opts)
	}))
	fmt.Printf("Submission with %d predictions written to %s\n", len(predictions), cfg.SubmissionPath)

	results := must.M1(experiment.TestResults(c, cfg.validDir(), []string{cfg.VisualizationClass}, cfg.TestBatchSize))
	experiment.PrintAccuracy(results)
	must.M(experiment.Visualize(results, cfg.VisualizationClass, cfg.VisualizationCount, visualize.AllToggles,
		cfg.VisualizationDir, cfg.Seed))
	fmt.Printf("Elapsed: %s\n", time.Since(start).Round(time.Millisecond))
}
