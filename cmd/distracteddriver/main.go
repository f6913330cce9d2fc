// distracteddriver fine-tunes VGG16 on the Kaggle "State Farm Distracted Driver Detection" images
// (classes c0 to c9), writes the submission with the probability of every class for each test image,
// and visualizes the performance of one class over the validation images of all classes.
//
// The data directory holds a "main" and a "sample" copy of:
//
//	train/c{0-9}/*.jpg
//	valid/c{0-9}/*.jpg
//	test/unknown/*.jpg
//
// With -onnx the classification uses an exported network instead of the fine-tuned VGG16, and no training
// is done.
package main

import (
	"flag"
	"fmt"
	"io"
	"path/filepath"

	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/imagerec/internal/experiment"
	"github.com/gomlx/imagerec/pkg/classifier"
	"github.com/gomlx/imagerec/pkg/imagefolder"
	"github.com/gomlx/imagerec/pkg/imagerec"
	"github.com/gomlx/imagerec/pkg/onnxrec"
	"github.com/gomlx/imagerec/pkg/submission"
	"github.com/gomlx/imagerec/pkg/vgg16"
	"github.com/gomlx/imagerec/pkg/visualize"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

// Config of one run.
type Config struct {
	// RunMainTest classifies the test images and writes the submission.
	RunMainTest bool

	// RefineTraining trains NumEpochs more epochs.
	RefineTraining bool
	NumEpochs      int

	// VisualizePerformance over the validation images of VisualizationClass.
	VisualizePerformance bool
	VisualizationClass   string
	VisualizationCount   int
	VisualizationDir     string

	// UseSample selects the sample data and cache directories.
	UseSample bool

	DataDir string

	MainCacheDir, SampleCacheDir string

	TrainBatchSize, ValidBatchSize, TestBatchSize int

	// MainStepsPerEpoch and SampleStepsPerEpoch are the training steps of each epoch of the main and sample sets.
	// StepsPerEpoch, if not 0, overrides both: a negative value covers the training images once per epoch.
	MainStepsPerEpoch, SampleStepsPerEpoch, StepsPerEpoch int

	SubmissionPath string
	Clip           float64

	// ONNXModel, if set, is used for inference instead of VGG16.
	ONNXModel string

	Seed uint64
}

// DefaultConfig of the experiment.
var DefaultConfig = Config{
	RunMainTest:          true,
	RefineTraining:       false,
	NumEpochs:            100,
	VisualizePerformance: true,
	VisualizationClass:   "c0",
	VisualizationCount:   5,
	VisualizationDir:     "./visualizations/",
	DataDir:              "data/",
	MainCacheDir:         "./cache/main/",
	SampleCacheDir:       "./cache/sample/",
	TrainBatchSize:       64,
	ValidBatchSize:       64,
	TestBatchSize:        64,
	MainStepsPerEpoch:    200,
	SampleStepsPerEpoch:  10,
	SubmissionPath:       "submission.csv",
	Clip:                 0,
	Seed:                 42,
}

func (c Config) setDir() string {
	if c.UseSample {
		return filepath.Join(c.DataDir, "sample")
	}
	return filepath.Join(c.DataDir, "main")
}

func (c Config) trainDir() string { return filepath.Join(c.setDir(), "train") }
func (c Config) validDir() string { return filepath.Join(c.setDir(), "valid") }
func (c Config) testDir() string { return filepath.Join(c.setDir(), "test") }

// stepsPerEpoch returns the training steps per epoch, 0 to cover the training images once.
func (c Config) stepsPerEpoch() int {
	switch {
	case c.StepsPerEpoch < 0:
		return 0
	case c.StepsPerEpoch > 0:
		return c.StepsPerEpoch
	case c.UseSample:
		return c.SampleStepsPerEpoch
	}
	return c.MainStepsPerEpoch
}

func (c Config) cacheDir() string {
	if c.UseSample {
		return c.SampleCacheDir
	}
	return c.MainCacheDir
}

var (
	flagTest       = flag.Bool("test", DefaultConfig.RunMainTest, "Classify the test images and write the submission.")
	flagTrain      = flag.Bool("train", DefaultConfig.RefineTraining, "Refine the training for -epochs more epochs.")
	flagEpochs     = flag.Int("epochs", DefaultConfig.NumEpochs, "Number of additional epochs to train, if -train is set.")
	flagVisualize  = flag.Bool("visualize", DefaultConfig.VisualizePerformance, "Visualize the performance over the validation images.")
	flagVisClass   = flag.String("vis_class", DefaultConfig.VisualizationClass, "Class to visualize.")
	flagVisDir     = flag.String("vis_dir", DefaultConfig.VisualizationDir, "Directory where the visualizations are written.")
	flagSample     = flag.Bool("sample", DefaultConfig.UseSample, "Use the sample data and cache directories.")
	flagDataDir    = flag.String("data", DefaultConfig.DataDir, "Directory with the \"main\" and \"sample\" image sets.")
	flagBatch      = flag.Int("batch", DefaultConfig.TrainBatchSize, "Batch size for training, validation and test.")
	flagSteps      = flag.Int("steps", 0, "Training steps per epoch. 0 uses 200 for the main set and 10 for the sample set, "+
		"a negative value covers all the training images once.")
	flagOutput     = flag.String("output", DefaultConfig.SubmissionPath, "Path of the submission CSV file.")
	flagClip       = flag.Float64("clip", DefaultConfig.Clip, "If > 0, submitted probabilities are clipped to [clip, 1-clip].")
	flagONNX       = flag.String("onnx", "", "Path to an exported .onnx network, with its .json metadata, used instead of VGG16.")
	flagONNXLib    = flag.String("onnx_lib", "", "Path to the ONNX Runtime shared library, if not in the default location.")
	flagWeightsURL = flag.String("weights", "", "URL of the pretrained VGG16 weights. Defaults to the Keras applications file.")
)

func main() {
	ctx := vgg16.DefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	cfg := DefaultConfig
	cfg.RunMainTest = *flagTest
	cfg.RefineTraining = *flagTrain
	cfg.NumEpochs = *flagEpochs
	cfg.VisualizePerformance = *flagVisualize
	cfg.VisualizationClass = *flagVisClass
	cfg.VisualizationDir = *flagVisDir
	cfg.UseSample = *flagSample
	cfg.DataDir = *flagDataDir
	cfg.TrainBatchSize, cfg.ValidBatchSize, cfg.TestBatchSize = *flagBatch, *flagBatch, *flagBatch
	cfg.StepsPerEpoch = *flagSteps
	cfg.SubmissionPath = *flagOutput
	cfg.Clip = *flagClip
	cfg.ONNXModel = *flagONNX
	if cfg.ONNXModel != "" && cfg.RefineTraining {
		klog.Exitf("-train can't be used with -onnx: the ONNX model is inference only")
	}

	var model imagerec.ClassifierWithClasses
	var onnxModel *onnxrec.Model
	if cfg.ONNXModel != "" {
		onnxModel = must.M1(onnxrec.New(onnxrec.Config{ModelPath: cfg.ONNXModel, SharedLibraryPath: *flagONNXLib}))
		model = onnxModel
	} else {
		model = must.M1(experiment.NewVGG16(vgg16.Config{
			TrainDir:           cfg.trainDir(),
			ValidDir:           cfg.validDir(),
			TrainBatchSize:     cfg.TrainBatchSize,
			ValidBatchSize:     cfg.ValidBatchSize,
			TrainStepsPerEpoch: cfg.stepsPerEpoch(),
			CacheDir:           cfg.cacheDir(),
			LoadFromCache:      true,
			WeightsURL:         *flagWeightsURL,
			Seed:               cfg.Seed,
			ProgressBar:        true,
		}, ctx, *settings))
	}
	err := run(cfg, model)
	if onnxModel != nil {
		onnxModel.Close()
	}
	if err != nil {
		klog.Exitf("Failed: %+v", err)
	}
}

func run(cfg Config, model imagerec.ClassifierWithClasses) error {
	if cfg.RefineTraining && cfg.NumEpochs > 0 {
		if err := model.RefineTraining(cfg.NumEpochs); err != nil {
			return err
		}
	}

	c := classifier.New(model)
	c.ProgressBar = true
	if cfg.RunMainTest {
		predictions, err := c.AllPredictions(cfg.testDir(), cfg.TestBatchSize)
		if err != nil {
			return err
		}
		opts := submission.DefaultOptions
		if cfg.Clip > 0 {
			opts = submission.Options{ClipMin: cfg.Clip, ClipMax: 1 - cfg.Clip}
		}
		err = submission.WriteFile(cfg.SubmissionPath, func(w io.Writer) error {
			return submission.WriteAllClasses(w, predictions, model.Classes(), opts)
		})
		if err != nil {
			return err
		}
		fmt.Printf("Submission with %d predictions written to %s\n", len(predictions), cfg.SubmissionPath)
	}

	if cfg.VisualizePerformance {
		classNames, err := validationClasses(cfg.validDir(), model.Classes())
		if err != nil {
			return err
		}
		results, err := experiment.TestResults(c, cfg.validDir(), classNames, cfg.TestBatchSize)
		if err != nil {
			return err
		}
		experiment.PrintAccuracy(results)
		err = experiment.Visualize(results, cfg.VisualizationClass, cfg.VisualizationCount, visualize.AllToggles,
			cfg.VisualizationDir, cfg.Seed)
		if err != nil {
			return err
		}
	}
	return nil
}

// validationClasses returns the model classes, which must all have a validation directory.
func validationClasses(validDir string, classes imagerec.ClassIndexTable) ([]string, error) {
	folder, err := imagefolder.Scan(validDir)
	if err != nil {
		return nil, err
	}
	for _, className := range classes {
		if _, found := folder.ClassIndices[className]; !found {
			return nil, errors.Errorf("class %q of the model has no validation images in %q", className, validDir)
		}
	}
	return classes, nil
}
