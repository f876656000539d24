package model

// Dataset is an ordered, append-only list of training frames. The most recent
// addition is always last.
type Dataset struct {
	frames []Frame
}

func NewDataset(frames ...Frame) *Dataset {
	d := &Dataset{}
	d.Append(frames...)
	return d
}

func (d *Dataset) Append(frames ...Frame) {
	d.frames = append(d.frames, frames...)
}

func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.frames)
}

// Frames returns a copy of the frame list. Frames themselves are immutable.
func (d *Dataset) Frames() []Frame {
	if d == nil {
		return nil
	}
	return append([]Frame(nil), d.frames...)
}

func (d *Dataset) Last() (Frame, bool) {
	if d.Len() == 0 {
		return Frame{}, false
	}
	return d.frames[len(d.frames)-1], true
}
