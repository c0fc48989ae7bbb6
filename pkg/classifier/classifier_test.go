package classifier

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Session = (*ONNXSession)(nil)

type fakeSession struct {
	input   []float32
	outputs [][]float32
	err     error
	runs    int
	closed  bool
}

func newFakeSession(size int, outputs ...[]float32) *fakeSession {
	return &fakeSession{input: make([]float32, size), outputs: outputs}
}

func (f *fakeSession) Input() []float32 { return f.input }

func (f *fakeSession) Run() ([][]float32, error) {
	f.runs++
	return f.outputs, f.err
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func solidImage(w, h int, c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestParseLabelMap(t *testing.T) {
	m, err := ParseLabelMap([]byte(`{"1": ["Red", "Blue"], "0": ["Shirts", "Jeans", "Dresses"]}`))
	require.NoError(t, err)
	assert.Equal(t, 2, m.Outputs())

	label, err := m.Lookup(0, 2)
	require.NoError(t, err)
	assert.Equal(t, "Dresses", label)

	_, err = m.Lookup(1, 2)
	assert.Error(t, err)
	_, err = m.Lookup(2, 0)
	assert.Error(t, err)
}

func TestParseLabelMapRejectsBadAssets(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":     `[`,
		"empty":        `{}`,
		"gap in keys":  `{"0": ["a"], "2": ["b"]}`,
		"non numeric":  `{"type": ["a"]}`,
		"empty labels": `{"0": []}`,
		"padded key":   `{"01": ["a"], "1": ["b"]}`,
		"signed key":   `{"+0": ["a"]}`,
	} {
		_, err := ParseLabelMap([]byte(raw))
		assert.Error(t, err, name)
	}
}

func TestLoadLabelMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"0": ["Solid", "Striped"]}`), 0o644))

	m, err := LoadLabelMap(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Solid", "Striped"}, m[0])

	_, err = LoadLabelMap(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestPreprocessorNHWC(t *testing.T) {
	p := DefaultPreprocessor(4, 2)
	require.NoError(t, p.Validate())
	assert.Equal(t, []int64{1, 2, 4, 3}, p.Shape())

	dst := make([]float32, p.Size())
	require.NoError(t, p.Fill(solidImage(8, 8, color.RGBA{255, 0, 51, 255}), dst))

	assert.InDelta(t, 1.0, dst[0], 1e-6)
	assert.InDelta(t, 0.0, dst[1], 1e-6)
	assert.InDelta(t, 0.2, dst[2], 1e-6)
	assert.InDelta(t, 1.0, dst[len(dst)-3], 1e-6)
}

func TestPreprocessorNCHWNormalisation(t *testing.T) {
	p := Preprocessor{
		Width: 2, Height: 2, Layout: "nchw",
		Mean: [3]float32{0.5, 0.5, 0.5},
		Std:  [3]float32{0.5, 0.5, 0.5},
	}
	require.NoError(t, p.Validate())
	assert.Equal(t, []int64{1, 3, 2, 2}, p.Shape())

	dst := make([]float32, p.Size())
	require.NoError(t, p.Fill(solidImage(2, 2, color.RGBA{255, 0, 255, 255}), dst))

	// red plane, green plane, blue plane
	assert.InDelta(t, 1.0, dst[0], 1e-6)
	assert.InDelta(t, -1.0, dst[4], 1e-6)
	assert.InDelta(t, 1.0, dst[8], 1e-6)
}

func TestPreprocessorValidate(t *testing.T) {
	assert.Error(t, DefaultPreprocessor(0, 10).Validate())

	p := DefaultPreprocessor(10, 10)
	p.Layout = "CHWN"
	assert.Error(t, p.Validate())

	p = DefaultPreprocessor(10, 10)
	p.Std[1] = 0
	assert.Error(t, p.Validate())

	assert.Error(t, DefaultPreprocessor(2, 2).Fill(solidImage(2, 2, color.RGBA{}), make([]float32, 3)))
}

func TestClassify(t *testing.T) {
	labels := LabelMap{
		{"Shirts", "Jeans", "Tshirts"},
		{"Black", "Navy Blue"},
		{"Casual", "Formal"},
		{"Men", "Women"},
	}
	pre := DefaultPreprocessor(4, 4)
	session := newFakeSession(pre.Size(),
		[]float32{0.1, 0.2, 0.7},
		[]float32{0.4, 0.6},
		[]float32{0.9, 0.1},
		[]float32{0.3, 0.7},
	)

	c, err := New("fashion", session, labels, pre)
	require.NoError(t, err)
	assert.Equal(t, "fashion", c.Name())

	got, err := c.Classify(solidImage(16, 16, color.RGBA{255, 255, 255, 255}))
	require.NoError(t, err)
	assert.Equal(t, []string{"Tshirts", "Navy Blue", "Casual", "Women"}, got)
	assert.Equal(t, 1, session.runs)
	assert.InDelta(t, 1.0, session.input[0], 1e-6, "input tensor must be populated before Run")

	require.NoError(t, c.Close())
	assert.True(t, session.closed)
}

func TestClassifyErrors(t *testing.T) {
	labels := LabelMap{{"Solid", "Striped"}}
	pre := DefaultPreprocessor(2, 2)
	img := solidImage(2, 2, color.RGBA{})

	_, err := New("pattern", newFakeSession(5), labels, pre)
	assert.Error(t, err, "input size mismatch")

	session := newFakeSession(pre.Size(), []float32{0.1, 0.2, 0.7})
	c, err := New("pattern", session, labels, pre)
	require.NoError(t, err)
	_, err = c.Classify(img)
	assert.Error(t, err, "output width differs from label count")

	session.outputs = [][]float32{{0.1, 0.9}, {0.5}}
	_, err = c.Classify(img)
	assert.Error(t, err, "output count differs")

	session.outputs = nil
	session.err = errors.New("boom")
	_, err = c.Classify(img)
	assert.Error(t, err)
}

func TestArgmaxTiesPickFirst(t *testing.T) {
	assert.Equal(t, 0, argmax([]float32{0.5, 0.5}))
	assert.Equal(t, 2, argmax([]float32{-3, -2, -1}))
}

type stubLabeler struct {
	labels []string
	err    error
}

func (s stubLabeler) Classify(image.Image) ([]string, error) { return s.labels, s.err }

func TestRecognizer(t *testing.T) {
	r := NewRecognizer(
		stubLabeler{labels: []string{"Shirts", "White", "Formal", "Men"}},
		stubLabeler{labels: []string{"Checked"}},
	)
	c, err := r.Recognize(solidImage(1, 1, color.RGBA{}))
	require.NoError(t, err)
	assert.Equal(t, "Checked", c.Pattern)
	assert.Equal(t, "Formal", c.Fashion[2])

	r.Pattern = stubLabeler{}
	_, err = r.Recognize(solidImage(1, 1, color.RGBA{}))
	assert.Error(t, err)

	r.Fashion = stubLabeler{err: errors.New("fail")}
	_, err = r.Recognize(solidImage(1, 1, color.RGBA{}))
	assert.Error(t, err)
}
