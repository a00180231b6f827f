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

import (
	"math"

	"github.com/voicekit/playout/pkg/config"
)

// voiced energy below this fraction of full mute is background noise only
const mutedThreshold = 0.01

type expanderParams struct {
	BackgroundNoise    config.BackgroundNoiseMode
	FadeThresholdTicks int
	MuteDecayPerTick   float64
}

// expander masks missing packets by repeating the last pitch period of played
// audio with progressive attenuation, mixed over a background noise floor.
type expander struct {
	params expanderParams

	sampleRate int
	channels   int

	active     bool
	period     []int16
	periodPos  int
	muteFactor float64
	bgnMute    float64
	noiseRMS   float64
	ticks      int

	noise *noiseSource
}

func newExpander(params expanderParams, sampleRate int, channels int, noise *noiseSource) *expander {
	x := &expander{
		params: params,
		noise:  noise,
	}
	x.setFormat(sampleRate, channels)
	return x
}

func (x *expander) setFormat(sampleRate int, channels int) {
	x.sampleRate = sampleRate
	x.channels = channels
	x.reset()
}

func (x *expander) reset() {
	x.active = false
	x.period = nil
	x.periodPos = 0
	x.muteFactor = 1
	x.bgnMute = 1
	x.noiseRMS = 0
	x.ticks = 0
}

// activate starts a concealment run from the most recent played audio.
// history is interleaved, noiseRMS is the tracked background floor.
func (x *expander) activate(history []int16, scaler *timeScaler, noiseRMS float64) {
	x.reset()
	x.active = true
	x.noiseRMS = noiseRMS

	lag, _ := scaler.bestPeriod(history)
	if lag <= 0 {
		return
	}
	start := len(history) - lag*x.channels
	if start < 0 {
		return
	}
	x.period = append(x.period[:0], history[start:]...)
}

func (x *expander) isActive() bool {
	return x.active
}

func (x *expander) consecutiveTicks() int {
	return x.ticks
}

// generate fills one frame and returns its classification. Voiced content
// decays by the configured factor per tick; the noise floor follows the
// background noise mode.
func (x *expander) generate(dst []int16) OutputType {
	ch := x.channels
	periodFrames := 0
	if ch > 0 {
		periodFrames = len(x.period) / ch
	}
	// uniform noise has RMS amplitude/sqrt(3)
	noiseAmp := x.noiseRMS * math.Sqrt(3) * x.bgnMute

	for f := 0; f < len(dst)/ch; f++ {
		n := x.noise.next() * noiseAmp
		for c := 0; c < ch; c++ {
			var voiced float64
			if periodFrames > 0 {
				voiced = float64(x.period[x.periodPos*ch+c]) * x.muteFactor
			}
			dst[f*ch+c] = clampSample(voiced + n)
		}
		if periodFrames > 0 {
			x.periodPos++
			if x.periodPos >= periodFrames {
				x.periodPos = 0
			}
		}
	}

	x.ticks++
	x.muteFactor *= x.params.MuteDecayPerTick
	switch x.params.BackgroundNoise {
	case config.BackgroundNoiseOff:
		x.bgnMute *= x.params.MuteDecayPerTick
	case config.BackgroundNoiseFade:
		if x.ticks >= x.params.FadeThresholdTicks {
			x.bgnMute *= x.params.MuteDecayPerTick
		}
	}

	if x.muteFactor > mutedThreshold && len(x.period) > 0 {
		return OutputConcealment
	}
	return OutputConcealmentToComfortNoise
}

// noiseSource is a deterministic LCG shared by concealment and comfort noise.
type noiseSource struct {
	state uint32
}

func newNoiseSource(seed uint32) *noiseSource {
	return &noiseSource{state: seed}
}

// next returns a uniform sample in [-1, 1].
func (n *noiseSource) next() float64 {
	n.state = n.state*1103515245 + 12345
	return float64(int32(n.state)) / math.MaxInt32
}
