package export

// ResolvedClip is one EDL event: a source range and the media it comes from.
type ResolvedClip struct {
	ClipName  string
	MediaPath string
	StartMs   int
	EndMs     int
	// Speed is the playback speed; 0 means 1.0.
	Speed float64
}

func (c ResolvedClip) speed() float64 {
	if c.Speed <= 0 {
		return 1.0
	}
	return c.Speed
}

// recordMs is the clip's length on the output timeline.
func (c ResolvedClip) recordMs() int {
	return int(float64(c.EndMs-c.StartMs)/c.speed() + 0.5)
}
