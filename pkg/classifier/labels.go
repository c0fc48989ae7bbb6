package classifier

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// LabelMap holds the ordered label list of every model output, indexed by
// output position. The asset format is {"0": ["Shirts", ...], "1": [...]}.
type LabelMap [][]string

// LoadLabelMap reads a label asset from disk
func LoadLabelMap(path string) (LabelMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	labels, err := ParseLabelMap(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return labels, nil
}

// ParseLabelMap decodes a label asset. Keys must be the contiguous output
// indices 0..n-1 and every list must be non-empty.
func ParseLabelMap(data []byte) (LabelMap, error) {
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse labels: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("label map is empty")
	}

	labels := make(LabelMap, len(raw))
	for key, list := range raw {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(raw) || strconv.Itoa(idx) != key {
			return nil, fmt.Errorf("label map key %q is not an output index in [0,%d)", key, len(raw))
		}
		if labels[idx] != nil {
			return nil, fmt.Errorf("output %d is listed twice", idx)
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("output %d has no labels", idx)
		}
		labels[idx] = list
	}
	return labels, nil
}

// Outputs returns the number of model outputs
func (m LabelMap) Outputs() int {
	return len(m)
}

// Lookup returns the label of class index cls for output out
func (m LabelMap) Lookup(out, cls int) (string, error) {
	if out < 0 || out >= len(m) {
		return "", fmt.Errorf("output %d out of range", out)
	}
	if cls < 0 || cls >= len(m[out]) {
		return "", fmt.Errorf("class %d out of range for output %d (%d labels)", cls, out, len(m[out]))
	}
	return m[out][cls], nil
}
