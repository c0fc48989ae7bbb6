package types

import "time"

// Garment is a clothing attribute tuple, either stabilised from the on-device
// classifiers or returned by a vision model as part of an outfit
type Garment struct {
	Type     string `json:"type"`
	Coloring string `json:"coloring"`
	Usage    string `json:"usage"`
	Gender   string `json:"gender"`
	Pattern  string `json:"pattern"`
}

// IsZero reports whether no attribute is set
func (g Garment) IsZero() bool {
	return g == Garment{}
}

// GarmentFromLabels builds a Garment from the ordered fashion labels
// (type, coloring, usage, gender) and a pattern label. Missing labels stay empty.
func GarmentFromLabels(fashion []string, pattern string) Garment {
	at := func(i int) string {
		if i < len(fashion) {
			return fashion[i]
		}
		return ""
	}
	return Garment{
		Type:     at(0),
		Coloring: at(1),
		Usage:    at(2),
		Gender:   at(3),
		Pattern:  pattern,
	}
}

// Outfit is the structured answer of the vision model
type Outfit struct {
	Outfit     []Garment `json:"outfit"`
	HotPrompts []string  `json:"hotPrompts"`
}

// IsEmpty reports whether the model described no garments
func (o *Outfit) IsEmpty() bool {
	return o == nil || len(o.Outfit) == 0
}

// Classification is the per-frame output of both on-device classifiers
type Classification struct {
	Fashion []string `json:"fashion"`
	Pattern string   `json:"pattern"`
}

// GeneratedImage is an illustration returned by the image generation model
type GeneratedImage struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"-"`
}

// SessionState is the lifecycle state of a capture session
type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateCapturing  SessionState = "capturing"
	StateDescribing SessionState = "describing"
)

// Session describes the current capture session
type Session struct {
	ID        string       `json:"id"`
	State     SessionState `json:"state"`
	StartedAt time.Time    `json:"startedAt"`
	Frames    int          `json:"frames"`
}

// Result is what a finished capture session produced
type Result struct {
	SessionID string          `json:"sessionId"`
	Garment   Garment         `json:"garment"`
	Outfit    *Outfit         `json:"outfit,omitempty"`
	Image     *GeneratedImage `json:"-"`

	// Snapshot is the JPEG frame the garment was stabilised on
	Snapshot  []byte    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}
