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
	"github.com/gammazero/deque"

	"github.com/voicekit/playout/pkg/utils"
)

// Statistics is a point in time snapshot of stream quality. Rates are
// lifetime fractions, audio rates against emitted samples and packet rates
// against expected or received packets. The waiting time figures cover
// packets consumed since the previous snapshot and reset on read, -1 when no
// packet was consumed in the interval.
type Statistics struct {
	CurrentBufferMs   int
	PreferredBufferMs int

	PacketLossRate       float64
	PacketDiscardRate    float64
	ExpandRate           float64
	SpeechExpandRate     float64
	AccelerateRate       float64
	PreemptiveRate       float64
	SecondaryDecodedRate float64

	ClockDriftPPM      int
	SynthesizedSamples uint64

	MeanWaitingTimeMs   int
	MedianWaitingTimeMs int
	MinWaitingTimeMs    int
	MaxWaitingTimeMs    int
}

// tickReport is the controller's record of one pull, the single write path
// for per-tick statistics.
type tickReport struct {
	emittedSamples      int
	synthesizedSamples  int
	expandSamples       int
	speechExpandSamples int
	accelerateSamples   int
	preemptiveSamples   int
	secondarySamples    int
	waitingTimesMs      []int
}

type statsTrackerParams struct {
	WaitingHistoryDepth int
}

type statsTracker struct {
	params statsTrackerParams

	emittedSamples      uint64
	synthesizedSamples  uint64
	expandSamples       uint64
	speechExpandSamples uint64
	accelerateSamples   uint64
	preemptiveSamples   uint64
	secondarySamples    uint64

	receivedPackets  uint64
	discardedPackets uint64
	bufferFlushes    uint64

	waiting deque.Deque[int]
}

func newStatsTracker(params statsTrackerParams) *statsTracker {
	return &statsTracker{
		params: params,
	}
}

func (s *statsTracker) recordTick(report tickReport) {
	s.emittedSamples += uint64(report.emittedSamples)
	s.synthesizedSamples += uint64(report.synthesizedSamples)
	s.expandSamples += uint64(report.expandSamples)
	s.speechExpandSamples += uint64(report.speechExpandSamples)
	s.accelerateSamples += uint64(report.accelerateSamples)
	s.preemptiveSamples += uint64(report.preemptiveSamples)
	s.secondarySamples += uint64(report.secondarySamples)

	for _, waited := range report.waitingTimesMs {
		s.waiting.PushBack(waited)
		if s.waiting.Len() > s.params.WaitingHistoryDepth {
			s.waiting.PopFront()
		}
	}
}

func (s *statsTracker) recordReceived() {
	s.receivedPackets++
}

func (s *statsTracker) recordDiscarded(n int) {
	s.discardedPackets += uint64(n)
}

func (s *statsTracker) recordFlush() {
	s.bufferFlushes++
}

type snapshotInputs struct {
	currentBufferMs   int
	preferredBufferMs int
	clockDriftPPM     int
	expectedPackets   uint64
	lostPackets       uint64
}

// snapshot assembles the statistics and clears the waiting time histogram.
func (s *statsTracker) snapshot(in snapshotInputs) Statistics {
	stats := Statistics{
		CurrentBufferMs:      in.currentBufferMs,
		PreferredBufferMs:    in.preferredBufferMs,
		ClockDriftPPM:        in.clockDriftPPM,
		SynthesizedSamples:   s.synthesizedSamples,
		PacketLossRate:       ratio(in.lostPackets, in.expectedPackets),
		PacketDiscardRate:    ratio(s.discardedPackets, s.receivedPackets),
		ExpandRate:           ratio(s.expandSamples, s.emittedSamples),
		SpeechExpandRate:     ratio(s.speechExpandSamples, s.emittedSamples),
		AccelerateRate:       ratio(s.accelerateSamples, s.emittedSamples),
		PreemptiveRate:       ratio(s.preemptiveSamples, s.emittedSamples),
		SecondaryDecodedRate: ratio(s.secondarySamples, s.emittedSamples),
		MeanWaitingTimeMs:    -1,
		MedianWaitingTimeMs:  -1,
		MinWaitingTimeMs:     -1,
		MaxWaitingTimeMs:     -1,
	}

	if s.waiting.Len() > 0 {
		times := make([]int, 0, s.waiting.Len())
		for i := 0; i < s.waiting.Len(); i++ {
			times = append(times, s.waiting.At(i))
		}
		stats.MeanWaitingTimeMs = utils.Mean(times)
		// Median sorts in place, min and max fall out of the sort
		stats.MedianWaitingTimeMs = utils.Median(times)
		stats.MinWaitingTimeMs = times[0]
		stats.MaxWaitingTimeMs = times[len(times)-1]
		s.waiting.Clear()
	}

	return stats
}

func ratio(num, den uint64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
