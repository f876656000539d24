package model

import "fmt"

// Frame is a single-pointed structure: a structure together with the result
// frozen for it. Frames are immutable; accessors hand out copies and
// WithResult builds a new frame.
type Frame struct {
	structure Structure
	result    Result
	label     string
}

// NewFrame deep-copies both inputs.
func NewFrame(s Structure, r Result, label string) (Frame, error) {
	if len(r.Forces) != s.Len() {
		return Frame{}, fmt.Errorf("result has %d forces for %d atoms", len(r.Forces), s.Len())
	}
	return Frame{structure: s.Clone(), result: r.Clone(), label: label}, nil
}

// MustFrame is NewFrame for callers that already checked the shapes.
func MustFrame(s Structure, r Result, label string) Frame {
	f, err := NewFrame(s, r, label)
	if err != nil {
		panic(err)
	}
	return f
}

func (f Frame) Structure() Structure { return f.structure.Clone() }
func (f Frame) Result() Result       { return f.result.Clone() }
func (f Frame) Label() string        { return f.label }
func (f Frame) Energy() float64      { return f.result.Energy }
func (f Frame) Len() int             { return f.structure.Len() }
func (f Frame) Fmax() float64        { return f.result.Fmax() }

// Forces returns a copy of the frozen forces.
func (f Frame) Forces() []Vec3 {
	return append([]Vec3(nil), f.result.Forces...)
}

func (f Frame) WithResult(r Result, label string) (Frame, error) {
	return NewFrame(f.structure, r, label)
}

// ReferencePair holds the parent and base results of the same initial
// structure. It is the fixed offset of every delta correction.
type ReferencePair struct {
	Parent Frame
	Base   Frame
}

func (p ReferencePair) Validate() error {
	if p.Parent.Len() == 0 || p.Base.Len() == 0 {
		return fmt.Errorf("reference pair is incomplete")
	}
	if p.Parent.Len() != p.Base.Len() {
		return fmt.Errorf("reference pair atom count mismatch: %d != %d", p.Parent.Len(), p.Base.Len())
	}
	return nil
}

// FrameRecord is the serializable form of a Frame.
type FrameRecord struct {
	Structure Structure `json:"structure"`
	Result    Result    `json:"result"`
	Label     string    `json:"label,omitempty"`
}

func (f Frame) Record() FrameRecord {
	return FrameRecord{Structure: f.Structure(), Result: f.Result(), Label: f.label}
}

func (r FrameRecord) Frame() (Frame, error) {
	return NewFrame(r.Structure, r.Result, r.Label)
}
