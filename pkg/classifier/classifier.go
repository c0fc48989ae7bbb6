// Package classifier runs the bundled clothing models over frames.
//
// Two models are used: a multi-output fashion model whose outputs are, in
// order, garment type, base colour, usage and gender, and a single-output
// pattern model. Each output is reduced to its arg-max class and looked up in
// the model's label map.
package classifier

import (
	"fmt"
	"image"

	"github.com/menta2k/outfit-lens/pkg/types"
)

// Classifier pairs an inference session with its preprocessing and labels
type Classifier struct {
	name    string
	session Session
	labels  LabelMap
	pre     Preprocessor
}

// New wraps an already opened session
func New(name string, session Session, labels LabelMap, pre Preprocessor) (*Classifier, error) {
	if err := pre.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if len(session.Input()) != pre.Size() {
		return nil, fmt.Errorf("%s: input tensor has %d values, preprocessing produces %d", name, len(session.Input()), pre.Size())
	}
	return &Classifier{name: name, session: session, labels: labels, pre: pre}, nil
}

// ModelSpec describes a bundled model on disk
type ModelSpec struct {
	Name        string
	ModelPath   string
	LabelsPath  string
	InputName   string
	OutputNames []string
	Pre         Preprocessor
}

// Open loads the label asset and creates an ONNX session for the model.
// InitRuntime must have been called.
func Open(spec ModelSpec) (*Classifier, error) {
	labels, err := LoadLabelMap(spec.LabelsPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}
	if len(spec.OutputNames) != labels.Outputs() {
		return nil, fmt.Errorf("%s: %d output names configured, label map has %d outputs",
			spec.Name, len(spec.OutputNames), labels.Outputs())
	}
	if err := spec.Pre.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}

	sizes := make([]int, labels.Outputs())
	for i := range labels {
		sizes[i] = len(labels[i])
	}

	session, err := NewONNXSession(spec.ModelPath, spec.InputName, spec.Pre.Shape(), spec.OutputNames, sizes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}

	c, err := New(spec.Name, session, labels, spec.Pre)
	if err != nil {
		session.Close()
		return nil, err
	}
	return c, nil
}

// Name returns the classifier name
func (c *Classifier) Name() string {
	return c.name
}

// Classify returns one label per model output
func (c *Classifier) Classify(img image.Image) ([]string, error) {
	if err := c.pre.Fill(img, c.session.Input()); err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}

	outputs, err := c.session.Run()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	if len(outputs) != c.labels.Outputs() {
		return nil, fmt.Errorf("%s: model returned %d outputs, expected %d", c.name, len(outputs), c.labels.Outputs())
	}

	labels := make([]string, len(outputs))
	for i, probs := range outputs {
		if len(probs) != len(c.labels[i]) {
			return nil, fmt.Errorf("%s: output %d has %d values for %d labels", c.name, i, len(probs), len(c.labels[i]))
		}
		label, err := c.labels.Lookup(i, argmax(probs))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.name, err)
		}
		labels[i] = label
	}
	return labels, nil
}

// Close releases the inference session
func (c *Classifier) Close() error {
	return c.session.Close()
}

func argmax(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// Labeler classifies a single image into a garment label list
type Labeler interface {
	Classify(img image.Image) ([]string, error)
}

// Recognizer runs the fashion and pattern models on the same image
type Recognizer struct {
	Fashion Labeler
	Pattern Labeler
}

// NewRecognizer pairs the two models
func NewRecognizer(fashion, pattern Labeler) *Recognizer {
	return &Recognizer{Fashion: fashion, Pattern: pattern}
}

// Recognize classifies one frame with both models
func (r *Recognizer) Recognize(img image.Image) (types.Classification, error) {
	fashion, err := r.Fashion.Classify(img)
	if err != nil {
		return types.Classification{}, err
	}
	pattern, err := r.Pattern.Classify(img)
	if err != nil {
		return types.Classification{}, err
	}
	if len(pattern) == 0 {
		return types.Classification{}, fmt.Errorf("pattern model returned no label")
	}
	return types.Classification{Fashion: fashion, Pattern: pattern[0]}, nil
}
