package audio

// LevelSource tags where a raw level reading came from. Analyser-backed
// sources already apply their own noise shaping; other sources get a hard
// floor so sub-threshold hiss reports as zero.
type LevelSource string

const (
	// SourceAnalyser marks levels derived from a spectrum analyser pass.
	SourceAnalyser LevelSource = "analyser"

	// SourceCapture marks levels computed directly from capture frames.
	SourceCapture LevelSource = "capture"
)

const (
	// levelCeiling is the RMS value mapped to a displayed level of 1.0.
	levelCeiling = 0.25

	// captureFloor is the raw RMS below which non-analyser sources report
	// silence.
	captureFloor = 0.004
)

// LevelMeter smooths raw RMS readings into a stable [0,1] level for UI
// metering. Not safe for concurrent use; feed it from a single goroutine.
type LevelMeter struct {
	level float64
}

// Update feeds one raw RMS reading and returns the smoothed, normalised
// level. Smoothing is level*0.8 + raw*0.2 so single loud frames do not make
// the meter jump.
func (m *LevelMeter) Update(raw float64, source LevelSource) float64 {
	if source != SourceAnalyser && raw < captureFloor {
		raw = 0
	}

	normalised := raw / levelCeiling
	if normalised > 1 {
		normalised = 1
	}

	m.level = m.level*0.8 + normalised*0.2
	return m.level
}

// Level returns the current smoothed level without feeding a new reading.
func (m *LevelMeter) Level() float64 { return m.level }

// Reset clears the meter to silence.
func (m *LevelMeter) Reset() { m.level = 0 }
