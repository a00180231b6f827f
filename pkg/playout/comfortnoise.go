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
	"bytes"
	"math"
)

const (
	maxCNOrder    = 16
	maxReflection = 0.95
)

// comfortNoise expands RFC 3389 payloads, a noise level byte followed by
// quantized reflection coefficients, into spectrally shaped noise through a
// synthesis filter.
type comfortNoise struct {
	sampleRate int
	channels   int

	noise *noiseSource

	haveParams    bool
	lastPayload   []byte
	lpc           []float64
	filterState   []float64
	excitationAmp float64
}

func newComfortNoise(sampleRate int, channels int, noise *noiseSource) *comfortNoise {
	c := &comfortNoise{
		noise: noise,
	}
	c.setFormat(sampleRate, channels)
	return c
}

func (c *comfortNoise) setFormat(sampleRate int, channels int) {
	c.sampleRate = sampleRate
	c.channels = channels
	for i := range c.filterState {
		c.filterState[i] = 0
	}
}

func (c *comfortNoise) hasParameters() bool {
	return c.haveParams
}

// update applies the parameters of a consumed comfort noise packet. A payload
// byte-identical to the previous one is deduplicated: reported as unchanged
// and the generator state is left undisturbed.
func (c *comfortNoise) update(payload []byte) bool {
	if c.haveParams && bytes.Equal(payload, c.lastPayload) {
		return false
	}

	level := payload[0] & 0x7F
	targetRMS := 32767 * math.Pow(10, -float64(level)/20)

	coefs := payload[1:]
	if len(coefs) > maxCNOrder {
		coefs = coefs[:maxCNOrder]
	}

	// reflection coefficients to direct form, one Levinson step per order
	lpc := []float64{1}
	energyGain := 1.0
	for m, b := range coefs {
		k := (float64(b) - 127) / 128
		if k > maxReflection {
			k = maxReflection
		} else if k < -maxReflection {
			k = -maxReflection
		}
		energyGain *= 1 - k*k

		next := make([]float64, m+2)
		copy(next, lpc)
		next[m+1] = k
		for i := 1; i <= m; i++ {
			next[i] = lpc[i] + k*lpc[m+1-i]
		}
		lpc = next
	}

	c.lpc = lpc
	c.filterState = make([]float64, len(lpc)-1)
	// the synthesis filter amplifies white noise by 1/energyGain in power
	c.excitationAmp = targetRMS * math.Sqrt(energyGain) * math.Sqrt(3)
	c.lastPayload = append(c.lastPayload[:0], payload...)
	c.haveParams = true
	return true
}

// generate fills one frame with shaped noise. Without parameters it emits
// silence.
func (c *comfortNoise) generate(dst []int16) {
	if !c.haveParams {
		for i := range dst {
			dst[i] = 0
		}
		return
	}

	ch := c.channels
	order := len(c.filterState)
	for f := 0; f < len(dst)/ch; f++ {
		y := c.noise.next() * c.excitationAmp
		for i := 0; i < order; i++ {
			y -= c.lpc[i+1] * c.filterState[i]
		}
		if order > 0 {
			copy(c.filterState[1:], c.filterState[:order-1])
			c.filterState[0] = y
		}
		s := clampSample(y)
		for cc := 0; cc < ch; cc++ {
			dst[f*ch+cc] = s
		}
	}
}

func (c *comfortNoise) reset() {
	c.haveParams = false
	c.lastPayload = c.lastPayload[:0]
	c.lpc = nil
	c.filterState = nil
	c.excitationAmp = 0
}
