// Package consensus stabilises noisy per-frame classifier output by requiring
// the last few frames to agree exactly before a result is accepted.
package consensus

import (
	"slices"

	"github.com/menta2k/outfit-lens/pkg/types"
)

// DefaultWindow is the number of consecutive agreeing frames required
const DefaultWindow = 3

type entry struct {
	fashion []string
	pattern string
}

// Filter keeps a ring of the most recent classifications. A mismatch does not
// clear the ring; the window keeps sliding until it holds identical entries.
type Filter struct {
	window  int
	entries []entry
	next    int
	count   int
}

// New creates a filter with the default window
func New() *Filter {
	return NewWithWindow(DefaultWindow)
}

// NewWithWindow creates a filter requiring window agreeing frames
func NewWithWindow(window int) *Filter {
	if window < 1 {
		window = 1
	}
	return &Filter{
		window:  window,
		entries: make([]entry, window),
	}
}

// Window returns the configured window size
func (f *Filter) Window() int {
	return f.window
}

// Len returns how many entries are currently held
func (f *Filter) Len() int {
	return f.count
}

// Reset discards all held entries
func (f *Filter) Reset() {
	for i := range f.entries {
		f.entries[i] = entry{}
	}
	f.next = 0
	f.count = 0
}

// Push records one frame's classification. When the trailing window agrees on
// both the fashion labels and the pattern label it returns the Garment built
// from the common value and resets itself.
func (f *Filter) Push(fashion []string, pattern string) (types.Garment, bool) {
	f.entries[f.next] = entry{fashion: slices.Clone(fashion), pattern: pattern}
	f.next = (f.next + 1) % f.window
	if f.count < f.window {
		f.count++
	}

	if f.count < f.window {
		return types.Garment{}, false
	}

	first := f.entries[0]
	for _, e := range f.entries[1:] {
		if e.pattern != first.pattern || !slices.Equal(e.fashion, first.fashion) {
			return types.Garment{}, false
		}
	}

	garment := types.GarmentFromLabels(first.fashion, first.pattern)
	f.Reset()
	return garment, true
}

// PushClassification is Push for a types.Classification
func (f *Filter) PushClassification(c types.Classification) (types.Garment, bool) {
	return f.Push(c.Fashion, c.Pattern)
}
