package classifier

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Session runs one inference over a prepared input tensor and returns the
// raw values of every output in model order
type Session interface {
	Input() []float32
	Run() ([][]float32, error)
	Close() error
}

var runtimeMu sync.Mutex

// InitRuntime loads the onnxruntime shared library once per process.
// libPath may be empty to use the platform default.
func InitRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// ShutdownRuntime releases the onnxruntime environment
func ShutdownRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// ONNXSession keeps input and output tensors allocated for the lifetime of the model
type ONNXSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	outputs []*ort.Tensor[float32]
}

// NewONNXSession opens a model with one float32 input and one float32 output
// per entry of outputSizes (each shaped [1, size])
func NewONNXSession(modelPath, inputName string, inputShape []int64, outputNames []string, outputSizes []int) (*ONNXSession, error) {
	if len(outputNames) != len(outputSizes) {
		return nil, fmt.Errorf("got %d output names for %d outputs", len(outputNames), len(outputSizes))
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(inputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	s := &ONNXSession{input: input}
	outputValues := make([]ort.ArbitraryTensor, 0, len(outputSizes))
	for i, size := range outputSizes {
		out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(size)))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create output tensor %d: %w", i, err)
		}
		s.outputs = append(s.outputs, out)
		outputValues = append(outputValues, out)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{inputName}, outputNames,
		[]ort.ArbitraryTensor{input}, outputValues,
		nil)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create ONNX session for %s: %w", modelPath, err)
	}
	s.session = session

	return s, nil
}

// Input exposes the input tensor's backing slice
func (s *ONNXSession) Input() []float32 {
	return s.input.GetData()
}

// Run executes the model. The returned slices alias the output tensors and
// are overwritten by the next call.
func (s *ONNXSession) Run() ([][]float32, error) {
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := make([][]float32, len(s.outputs))
	for i, t := range s.outputs {
		out[i] = t.GetData()
	}
	return out, nil
}

// Close destroys the session and its tensors
func (s *ONNXSession) Close() error {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	for _, t := range s.outputs {
		t.Destroy()
	}
	return nil
}
