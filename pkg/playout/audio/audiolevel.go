package audio

import (
	"math"

	"go.uber.org/atomic"
)

const (
	silentAudioLevel = 127
	negInv20         = -1.0 / 20
	fullScale        = 32768.0

	// noise floor rises slowly and falls immediately
	floorRiseFactor = 0.02
)

type LevelParams struct {
	ActiveLevel     uint8
	MinPercentile   uint8
	ObserveDuration uint32
	SmoothIntervals uint32
}

// Level tracks the audio level of decoded output, one frame at a time. It
// also keeps a minimum-statistics noise floor that concealment uses as the
// background noise energy.
type Level struct {
	params LevelParams
	// min duration within an observe duration window to be considered active
	minActiveDuration uint32
	smoothFactor      float64
	activeThreshold   float64

	smoothedLevel atomic.Float64

	loudestObservedLevel uint8
	activeDuration       uint32 // ms
	observedDuration     uint32 // ms

	floorRMS    float64
	floorPrimed bool
}

func NewLevel(params LevelParams) *Level {
	l := &Level{
		params:               params,
		minActiveDuration:    uint32(params.MinPercentile) * params.ObserveDuration / 100,
		smoothFactor:         1,
		activeThreshold:      ConvertAudioLevel(float64(params.ActiveLevel)),
		loudestObservedLevel: silentAudioLevel,
	}

	if l.params.SmoothIntervals > 0 {
		// exponential moving average (EMA), same center of mass with simple moving average (SMA)
		l.smoothFactor = float64(2) / (float64(l.params.SmoothIntervals + 1))
	}

	return l
}

// Observe consumes one frame of interleaved samples, must be called from the
// same thread.
func (l *Level) Observe(samples []int16, durationMs uint32) {
	rms := RMS(samples)
	l.observeFloor(rms)

	level := DBov(rms)
	l.observedDuration += durationMs

	if level <= l.params.ActiveLevel {
		l.activeDuration += durationMs
		if l.loudestObservedLevel > level {
			l.loudestObservedLevel = level
		}
	}

	if l.observedDuration >= l.params.ObserveDuration {
		// compute and reset
		if l.activeDuration >= l.minActiveDuration {
			// adjust loudest observed level by how much of the window was active.
			// Weight will be 0 if active the entire duration
			// > 0 if active for longer than observe duration
			// < 0 if active for less than observe duration
			activityWeight := 20 * math.Log10(float64(l.activeDuration)/float64(l.params.ObserveDuration))
			adjustedLevel := float64(l.loudestObservedLevel) - activityWeight
			linearLevel := ConvertAudioLevel(adjustedLevel)

			// exponential smoothing to dampen transients
			smoothedLevel := l.smoothedLevel.Load()
			smoothedLevel += (linearLevel - smoothedLevel) * l.smoothFactor
			l.smoothedLevel.Store(smoothedLevel)
		} else {
			l.smoothedLevel.Store(0)
		}
		l.loudestObservedLevel = silentAudioLevel
		l.activeDuration = 0
		l.observedDuration = 0
	}
}

// GetLevel returns the current smoothed audio level.
func (l *Level) GetLevel() (float64, bool) {
	smoothedLevel := l.smoothedLevel.Load()
	active := smoothedLevel >= l.activeThreshold
	return smoothedLevel, active
}

// NoiseFloor returns the tracked background RMS in linear sample units.
func (l *Level) NoiseFloor() float64 {
	return l.floorRMS
}

func (l *Level) Reset() {
	l.smoothedLevel.Store(0)
	l.loudestObservedLevel = silentAudioLevel
	l.activeDuration = 0
	l.observedDuration = 0
	l.floorRMS = 0
	l.floorPrimed = false
}

func (l *Level) observeFloor(rms float64) {
	if !l.floorPrimed || rms < l.floorRMS {
		l.floorRMS = rms
		l.floorPrimed = true
		return
	}
	l.floorRMS += (rms - l.floorRMS) * floorRiseFactor
}

// RMS computes the root mean square of one frame.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var acc float64
	for _, s := range samples {
		acc += float64(s) * float64(s)
	}
	return math.Sqrt(acc / float64(len(samples)))
}

// DBov expresses an RMS amplitude as dB below full scale, clamped to the
// RTP audio level range [0, 127].
func DBov(rms float64) uint8 {
	if rms <= 0 {
		return silentAudioLevel
	}
	db := -20 * math.Log10(rms/fullScale)
	if db < 0 {
		db = 0
	} else if db > silentAudioLevel {
		db = silentAudioLevel
	}
	return uint8(math.Round(db))
}

// ConvertAudioLevel converts decibel back to linear
func ConvertAudioLevel(level float64) float64 {
	return math.Pow(10, level*negInv20)
}
