// Copyright 2024 VoiceKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package playout

import "math"

const (
	minPitchMs   = 5
	maxPitchMs   = 15
	scaleInputMs = 30

	// below this the signal is not periodic enough to splice cleanly
	minScaleCorrelation = 0.65
)

// timeScaler removes or inserts one pitch period per operation, correcting
// buffer occupancy without materially changing pitch. Input and output are
// interleaved samples.
type timeScaler struct {
	sampleRate int
	channels   int

	mono []float64
}

func newTimeScaler(sampleRate int, channels int) *timeScaler {
	t := &timeScaler{}
	t.setFormat(sampleRate, channels)
	return t
}

func (t *timeScaler) setFormat(sampleRate int, channels int) {
	t.sampleRate = sampleRate
	t.channels = channels
	t.mono = t.mono[:0]
}

func (t *timeScaler) minInputSamples() int {
	return scaleInputMs * t.sampleRate / 1000 * t.channels
}

// accelerate removes one pitch period by crossfading it into its successor.
// Returns the shortened signal and per channel samples removed, zero when the
// input is too short or not periodic enough.
func (t *timeScaler) accelerate(samples []int16) ([]int16, int) {
	lag, ok := t.analyze(samples)
	if !ok {
		return samples, 0
	}

	ch := t.channels
	perChannel := len(samples) / ch
	out := make([]int16, (perChannel-lag)*ch)
	for f := 0; f < lag; f++ {
		w := float64(f) / float64(lag)
		for c := 0; c < ch; c++ {
			a := float64(samples[f*ch+c])
			b := float64(samples[(f+lag)*ch+c])
			out[f*ch+c] = clampSample(a*(1-w) + b*w)
		}
	}
	copy(out[lag*ch:], samples[2*lag*ch:])
	return out, lag
}

// preemptiveExpand inserts one pitch period, blending the first period into
// the second to hide the splice. Returns the lengthened signal and per
// channel samples added.
func (t *timeScaler) preemptiveExpand(samples []int16) ([]int16, int) {
	lag, ok := t.analyze(samples)
	if !ok {
		return samples, 0
	}

	ch := t.channels
	perChannel := len(samples) / ch
	out := make([]int16, (perChannel+lag)*ch)
	copy(out, samples[:lag*ch])
	for f := 0; f < lag; f++ {
		w := float64(f) / float64(lag)
		for c := 0; c < ch; c++ {
			a := float64(samples[f*ch+c])
			b := float64(samples[(f+lag)*ch+c])
			out[(lag+f)*ch+c] = clampSample(a*(1-w) + b*w)
		}
	}
	copy(out[2*lag*ch:], samples[lag*ch:])
	return out, lag
}

func (t *timeScaler) analyze(samples []int16) (int, bool) {
	if t.channels == 0 || len(samples) < t.minInputSamples() {
		return 0, false
	}
	lag, corr := t.bestPeriod(samples)
	if lag == 0 || corr < minScaleCorrelation {
		return 0, false
	}
	if 2*lag*t.channels > len(samples) {
		return 0, false
	}
	return lag, true
}

// bestPeriod searches the dominant pitch period by normalized autocorrelation
// on a mono mixdown. The lag is in per channel samples.
func (t *timeScaler) bestPeriod(samples []int16) (int, float64) {
	ch := t.channels
	perChannel := len(samples) / ch
	if cap(t.mono) < perChannel {
		t.mono = make([]float64, perChannel)
	}
	mono := t.mono[:perChannel]
	for f := 0; f < perChannel; f++ {
		var acc float64
		for c := 0; c < ch; c++ {
			acc += float64(samples[f*ch+c])
		}
		mono[f] = acc / float64(ch)
	}

	minLag := minPitchMs * t.sampleRate / 1000
	maxLag := maxPitchMs * t.sampleRate / 1000
	window := frameMs * t.sampleRate / 1000
	if maxLag+window > perChannel {
		maxLag = perChannel - window
	}
	if maxLag < minLag {
		return 0, 0
	}

	bestLag := 0
	bestCorr := 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		var cross, e0, e1 float64
		for i := 0; i < window; i++ {
			a := mono[i]
			b := mono[i+lag]
			cross += a * b
			e0 += a * a
			e1 += b * b
		}
		if e0 == 0 || e1 == 0 {
			continue
		}
		corr := cross / math.Sqrt(e0*e1)
		if corr > bestCorr {
			bestCorr = corr
			bestLag = lag
		}
	}
	return bestLag, bestCorr
}

func clampSample(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
