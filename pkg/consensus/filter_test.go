package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/outfit-lens/pkg/types"
)

var (
	shirt  = []string{"Tshirts", "Navy Blue", "Casual", "Men"}
	jeans  = []string{"Jeans", "Blue", "Casual", "Women"}
	shirt2 = []string{"Tshirts", "Navy Blue", "Casual", "Women"}
)

func TestNew(t *testing.T) {
	f := New()
	if f.Window() != DefaultWindow {
		t.Errorf("Expected window %d, got %d", DefaultWindow, f.Window())
	}
	if f.Len() != 0 {
		t.Errorf("Expected empty filter, got %d entries", f.Len())
	}
}

func TestNewWithWindowClampsToOne(t *testing.T) {
	f := NewWithWindow(0)
	assert.Equal(t, 1, f.Window())

	g, ok := f.Push(shirt, "Solid")
	require.True(t, ok)
	assert.Equal(t, "Tshirts", g.Type)
}

func TestThreeIdenticalFramesEmitOnce(t *testing.T) {
	f := New()

	_, ok := f.Push(shirt, "Striped")
	assert.False(t, ok)
	_, ok = f.Push(shirt, "Striped")
	assert.False(t, ok)

	g, ok := f.Push(shirt, "Striped")
	require.True(t, ok)
	assert.Equal(t, types.Garment{
		Type:     "Tshirts",
		Coloring: "Navy Blue",
		Usage:    "Casual",
		Gender:   "Men",
		Pattern:  "Striped",
	}, g)

	// buffer is cleared after a match
	assert.Equal(t, 0, f.Len())
	_, ok = f.Push(shirt, "Striped")
	assert.False(t, ok, "a fresh window needs three new frames")
}

func TestFewerThanWindowNeverEmits(t *testing.T) {
	f := New()
	_, ok := f.Push(jeans, "Solid")
	assert.False(t, ok)
	_, ok = f.Push(jeans, "Solid")
	assert.False(t, ok)
	assert.Equal(t, 2, f.Len())
}

func TestDissentingFrameBlocksWindow(t *testing.T) {
	tests := []struct {
		name    string
		fashion [][]string
		pattern []string
	}{
		{"fashion differs at start", [][]string{jeans, shirt, shirt}, []string{"Solid", "Solid", "Solid"}},
		{"fashion differs in middle", [][]string{shirt, shirt2, shirt}, []string{"Solid", "Solid", "Solid"}},
		{"pattern differs at end", [][]string{shirt, shirt, shirt}, []string{"Solid", "Solid", "Checked"}},
		{"label count differs", [][]string{shirt, shirt, shirt[:3]}, []string{"Solid", "Solid", "Solid"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New()
			for i := range tt.fashion {
				_, ok := f.Push(tt.fashion[i], tt.pattern[i])
				assert.False(t, ok)
			}
			assert.Equal(t, 3, f.Len())
		})
	}
}

func TestWindowSlidesAfterMismatch(t *testing.T) {
	f := New()
	f.Push(jeans, "Solid")
	f.Push(shirt, "Solid")
	_, ok := f.Push(shirt, "Solid")
	assert.False(t, ok)

	// the dissenting jeans frame falls out of the window
	g, ok := f.Push(shirt, "Solid")
	require.True(t, ok)
	assert.Equal(t, "Tshirts", g.Type)
}

func TestBufferStaysBounded(t *testing.T) {
	f := New()
	for i := 0; i < 1000; i++ {
		if i%2 == 0 {
			f.Push(shirt, "Solid")
		} else {
			f.Push(jeans, "Solid")
		}
	}
	assert.Equal(t, 3, f.Len())
	assert.Len(t, f.entries, 3)
}

func TestPushCopiesLabels(t *testing.T) {
	f := New()
	labels := []string{"Tshirts", "Red", "Casual", "Men"}
	f.Push(labels, "Solid")
	f.Push(labels, "Solid")
	labels[1] = "Green"

	_, ok := f.Push(labels, "Solid")
	assert.False(t, ok, "mutating the caller's slice must not change history")
}

func TestReset(t *testing.T) {
	f := New()
	f.Push(shirt, "Solid")
	f.Push(shirt, "Solid")
	f.Reset()
	assert.Equal(t, 0, f.Len())

	_, ok := f.Push(shirt, "Solid")
	assert.False(t, ok)
}

func TestPushClassification(t *testing.T) {
	f := New()
	c := types.Classification{Fashion: jeans, Pattern: "Denim"}
	f.PushClassification(c)
	f.PushClassification(c)
	g, ok := f.PushClassification(c)
	require.True(t, ok)
	assert.Equal(t, "Denim", g.Pattern)
	assert.Equal(t, "Women", g.Gender)
}

func BenchmarkPush(b *testing.B) {
	f := New()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Push(shirt, "Solid")
	}
}
