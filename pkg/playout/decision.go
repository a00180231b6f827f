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

	"github.com/livekit/protocol/logger"

	"github.com/voicekit/playout/pkg/config"
)

type controllerState int

const (
	stateInitial controllerState = iota
	stateNormal
	stateTimeScaled
	stateConcealment
	stateComfortNoise
	stateConcealmentToComfortNoise
)

func (s controllerState) String() string {
	switch s {
	case stateInitial:
		return "INITIAL"
	case stateNormal:
		return "NORMAL"
	case stateTimeScaled:
		return "TIME_SCALED"
	case stateConcealment:
		return "CONCEALMENT"
	case stateComfortNoise:
		return "COMFORT_NOISE"
	case stateConcealmentToComfortNoise:
		return "CONCEALMENT_TO_COMFORT_NOISE"
	default:
		return "UNKNOWN"
	}
}

type scalingDecision int

const (
	scaleNone scalingDecision = iota
	scaleAccelerate
	scalePreemptive
)

// minimum gap between the low and high occupancy limits
const hysteresisMs = 20

type delayManagerParams struct {
	ForgettingFactor float64
	TargetQuantile   float64
	MaxIATPackets    int
	MinDelayMs       int
	MaxDelayMs       int
	MaxBufferPackets int
	Logger           logger.Logger
}

// delayManager estimates the preferred buffer occupancy from the observed
// inter-arrival times and keeps the long run clock drift estimate. IAT is
// measured in packet duration units: 1.0 for perfectly paced arrivals, 0 for
// a packet arriving in the same tick as its predecessor.
type delayManager struct {
	params delayManagerParams

	histogram        []float64
	primed           bool
	lastArrivalTick  uint64
	lastExtTimestamp uint64
	packetDurationMs int

	meanIAT    float64
	iatSamples uint64

	minDelayMs int
	maxDelayMs int
}

func newDelayManager(params delayManagerParams) *delayManager {
	return &delayManager{
		params:           params,
		histogram:        make([]float64, params.MaxIATPackets+1),
		packetDurationMs: frameMs,
		meanIAT:          1,
		minDelayMs:       params.MinDelayMs,
		maxDelayMs:       params.MaxDelayMs,
	}
}

// update records the arrival of one speech packet or placeholder.
func (d *delayManager) update(extTimestamp uint64, sampleRate int, arrivalTick uint64) {
	if !d.primed {
		d.primed = true
		d.lastArrivalTick = arrivalTick
		d.lastExtTimestamp = extTimestamp
		return
	}
	if extTimestamp <= d.lastExtTimestamp {
		// reordered or repeated media time carries no pacing information
		return
	}

	tsDelta := extTimestamp - d.lastExtTimestamp
	packetMs := float64(tsDelta) * 1000 / float64(sampleRate)
	arrivalMs := float64(arrivalTick-d.lastArrivalTick) * frameMs
	d.lastArrivalTick = arrivalTick
	d.lastExtTimestamp = extTimestamp

	if packetMs <= 0 {
		return
	}
	if packetMs <= 120 {
		d.packetDurationMs = int(math.Round(math.Max(packetMs, frameMs)))
	}

	iat := arrivalMs / packetMs
	f := d.params.ForgettingFactor

	bucket := int(math.Round(iat))
	if bucket >= len(d.histogram) {
		bucket = len(d.histogram) - 1
	}
	for i := range d.histogram {
		d.histogram[i] *= f
	}
	d.histogram[bucket] += 1 - f

	d.meanIAT = f*d.meanIAT + (1-f)*iat
	d.iatSamples++
}

// targetPackets returns the preferred occupancy in packets: the histogram
// quantile clamped to the configured delay bounds and to 3/4 of buffer
// capacity.
func (d *delayManager) targetPackets() int {
	target := 1
	var sum, total float64
	for _, p := range d.histogram {
		total += p
	}
	if total > 0 {
		quantile := d.params.TargetQuantile * total
		for i, p := range d.histogram {
			sum += p
			if sum >= quantile {
				target = i
				break
			}
		}
	}
	if target < 1 {
		target = 1
	}

	if d.minDelayMs > 0 {
		minPackets := (d.minDelayMs + d.packetDurationMs - 1) / d.packetDurationMs
		if target < minPackets {
			target = minPackets
		}
	}
	if d.maxDelayMs > 0 {
		maxPackets := d.maxDelayMs / d.packetDurationMs
		if maxPackets < 1 {
			maxPackets = 1
		}
		if target > maxPackets {
			target = maxPackets
		}
	}
	if capacity := 3 * d.params.MaxBufferPackets / 4; target > capacity {
		target = capacity
	}
	return target
}

func (d *delayManager) targetMs() int {
	return d.targetPackets() * d.packetDurationMs
}

func (d *delayManager) targetSamples(sampleRate int) int {
	return d.targetMs() * sampleRate / 1000
}

// driftPPM reports the lifetime clock drift estimate. Negative means the
// sender clock runs fast relative to the pull cadence, positive means slow.
func (d *delayManager) driftPPM() int {
	if d.iatSamples == 0 {
		return 0
	}
	return int(math.Round((d.meanIAT - 1) * 1e6))
}

func (d *delayManager) setMinimum(ms int) {
	d.minDelayMs = ms
}

func (d *delayManager) setMaximum(ms int) {
	d.maxDelayMs = ms
}

func (d *delayManager) reset() {
	for i := range d.histogram {
		d.histogram[i] = 0
	}
	d.primed = false
	d.packetDurationMs = frameMs
	d.meanIAT = 1
	d.iatSamples = 0
}

// bufferLevelFilter smooths occupancy so single late packets do not whip the
// time scaling decisions around.
type bufferLevelFilter struct {
	level  float64
	primed bool
}

const levelFilterFactor = 0.97

func (f *bufferLevelFilter) update(samples int) {
	if !f.primed {
		f.level = float64(samples)
		f.primed = true
		return
	}
	f.level = levelFilterFactor*f.level + (1-levelFilterFactor)*float64(samples)
}

// adjust compensates for samples removed or added by time scaling so the
// filter tracks the post-scaling occupancy.
func (f *bufferLevelFilter) adjust(deltaSamples int) {
	f.level += float64(deltaSamples)
	if f.level < 0 {
		f.level = 0
	}
}

func (f *bufferLevelFilter) get() int {
	return int(f.level)
}

func (f *bufferLevelFilter) reset() {
	f.level = 0
	f.primed = false
}

// scalingDecisionFor compares filtered occupancy to the target window.
// Fax mode never scales, streaming mode widens the window to favor stability
// over latency.
func scalingDecisionFor(mode config.PlayoutMode, filteredSamples, targetSamples, sampleRate int) scalingDecision {
	if mode == config.PlayoutModeFax {
		return scaleNone
	}

	hysteresis := hysteresisMs * sampleRate / 1000
	lowLimit := 3 * targetSamples / 4
	highLimit := targetSamples
	if highLimit < lowLimit+hysteresis {
		highLimit = lowLimit + hysteresis
	}
	if mode == config.PlayoutModeStreaming {
		lowLimit /= 2
		highLimit += hysteresis
	}

	switch {
	case filteredSamples > highLimit:
		return scaleAccelerate
	case filteredSamples < lowLimit:
		return scalePreemptive
	default:
		return scaleNone
	}
}
