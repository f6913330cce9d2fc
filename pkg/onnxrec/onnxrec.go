// Package onnxrec implements an inference-only imagerec.Model backed by an exported ONNX network,
// run with the ONNX Runtime.
//
// The network is described by a JSON metadata file (see Metadata) with its fixed input and
// output shapes and its class names.
package onnxrec

import (
	"math"

	"github.com/gomlx/imagerec/pkg/imagerec"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/klog/v2"
)

// Config of the ONNX model.
type Config struct {
	// ModelPath of the .onnx file.
	ModelPath string

	// MetadataPath of the JSON metadata. Defaults to MetadataPath(ModelPath).
	MetadataPath string

	// SharedLibraryPath of the ONNX Runtime library. If empty the platform default is used.
	SharedLibraryPath string
}

// Model runs an ONNX network. It is not safe for concurrent use.
type Model struct {
	metadata *Metadata
	classes  imagerec.ClassIndexTable

	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	ownsEnv      bool
}

var _ imagerec.ClassifierWithClasses = (*Model)(nil)

// New loads the metadata and creates the ONNX Runtime session. Call Close to release it.
func New(cfg Config) (m *Model, err error) {
	if cfg.MetadataPath == "" {
		cfg.MetadataPath = MetadataPath(cfg.ModelPath)
	}
	md, err := LoadMetadata(cfg.MetadataPath)
	if err != nil {
		return nil, err
	}
	m = &Model{metadata: md, classes: imagerec.ClassIndexTable(md.Classes)}
	defer func() {
		if err != nil {
			m.Close()
			m = nil
		}
	}()

	if !ort.IsInitialized() {
		if cfg.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
		}
		if err = ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrap(err, "failed to initialize ONNX Runtime environment")
		}
		m.ownsEnv = true
	}
	m.inputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(md.InputShape...))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ONNX input tensor")
	}
	m.outputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(md.OutputShape...))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ONNX output tensor")
	}
	m.session, err = ort.NewAdvancedSession(cfg.ModelPath,
		[]string{md.InputName}, []string{md.OutputName},
		[]ort.ArbitraryTensor{m.inputTensor}, []ort.ArbitraryTensor{m.outputTensor},
		nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create ONNX session for %q", cfg.ModelPath)
	}
	klog.Infof("ONNX model %q loaded: input %v (%s), %d classes", cfg.ModelPath, md.InputShape, md.Layout, len(md.Classes))
	return m, nil
}

// Close releases the session and tensors, and the ONNX Runtime environment if New created it.
func (m *Model) Close() {
	if m.session != nil {
		_ = m.session.Destroy()
		m.session = nil
	}
	if m.inputTensor != nil {
		_ = m.inputTensor.Destroy()
		m.inputTensor = nil
	}
	if m.outputTensor != nil {
		_ = m.outputTensor.Destroy()
		m.outputTensor = nil
	}
	if m.ownsEnv {
		_ = ort.DestroyEnvironment()
		m.ownsEnv = false
	}
}

// Metadata of the network.
func (m *Model) Metadata() *Metadata { return m.metadata }

// ImageWidth implements imagerec.Model.
func (m *Model) ImageWidth() int { return m.metadata.Width() }

// ImageHeight implements imagerec.Model.
func (m *Model) ImageHeight() int { return m.metadata.Height() }

// Classes implements imagerec.ClassifierWithClasses.
func (m *Model) Classes() imagerec.ClassIndexTable { return m.classes }

// RefineTraining always fails: exported ONNX networks can't be trained.
func (m *Model) RefineTraining(numEpochs int) error {
	return errors.Errorf("ONNX model is inference only, can't train it for %d epochs", numEpochs)
}

// Predict implements imagerec.Model. The network has a fixed batch size, so batchSize is ignored and the
// last batch is padded with zeros.
func (m *Model) Predict(requests []imagerec.ImagePredictionRequest, batchSize int) ([]imagerec.ImagePredictionResult, error) {
	if m.session == nil {
		return nil, errors.New("ONNX model already closed")
	}
	md := m.metadata
	if batchSize != md.BatchSize() {
		klog.V(1).Infof("ONNX model has a fixed batch size %d, requested batch size %d ignored", md.BatchSize(), batchSize)
	}
	info, err := imagerec.NewBatchInfo(requests, md.Width(), md.Height())
	if err != nil {
		return nil, err
	}
	var confidences [][]float32
	var runErr error
	err = info.Images.ConstFlatData(func(data any) {
		confidences, runErr = m.run(data.([]float32), info.Len())
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to access batch images")
	}
	if runErr != nil {
		return nil, runErr
	}
	return imagerec.GenerateResults(confidences, info, m.classes)
}

// run evaluates numExamples images (HWC RGB values, concatenated) in batches of the session batch size.
func (m *Model) run(images []float32, numExamples int) ([][]float32, error) {
	md := m.metadata
	imageSize := md.ImageSize()
	if len(images) != numExamples*imageSize {
		return nil, errors.Errorf("expected %d values for %d images, got %d", numExamples*imageSize, numExamples, len(images))
	}
	numClasses := len(md.Classes)
	confidences := make([][]float32, 0, numExamples)
	input := m.inputTensor.GetData()
	for start := 0; start < numExamples; start += md.BatchSize() {
		count := min(md.BatchSize(), numExamples-start)
		clear(input)
		for ii := range count {
			example := start + ii
			md.fillInput(input[ii*imageSize:(ii+1)*imageSize], images[example*imageSize:(example+1)*imageSize])
		}
		if err := m.session.Run(); err != nil {
			return nil, errors.Wrapf(err, "ONNX inference failed for images %d to %d", start, start+count-1)
		}
		output := m.outputTensor.GetData()
		for ii := range count {
			row := make([]float32, numClasses)
			copy(row, output[ii*numClasses:(ii+1)*numClasses])
			if md.Softmax {
				softmax(row)
			}
			confidences = append(confidences, row)
		}
	}
	return confidences, nil
}

func softmax(logits []float32) {
	maxLogit := float32(math.Inf(-1))
	for _, v := range logits {
		maxLogit = max(maxLogit, v)
	}
	var sum float64
	for ii, v := range logits {
		e := math.Exp(float64(v - maxLogit))
		logits[ii] = float32(e)
		sum += e
	}
	for ii := range logits {
		logits[ii] = float32(float64(logits[ii]) / sum)
	}
}
