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

const historyMs = 60

// syncBuffer joins the decode side to the emit side. future holds decoded
// samples not yet played, history holds the most recent played samples for
// concealment and pitch analysis. All sample slices are interleaved.
type syncBuffer struct {
	sampleRate int
	channels   int

	future  []int16
	history []int16
}

func newSyncBuffer(sampleRate int, channels int) *syncBuffer {
	s := &syncBuffer{}
	s.setFormat(sampleRate, channels)
	return s
}

// setFormat resets all audio state for a new rate or channel count.
func (s *syncBuffer) setFormat(sampleRate int, channels int) {
	s.sampleRate = sampleRate
	s.channels = channels
	s.future = s.future[:0]
	s.history = make([]int16, 0, historyMs*sampleRate/1000*channels)
}

// futureSamples reports per channel samples decoded but not yet emitted.
func (s *syncBuffer) futureSamples() int {
	if s.channels == 0 {
		return 0
	}
	return len(s.future) / s.channels
}

func (s *syncBuffer) appendFuture(samples []int16) {
	s.future = append(s.future, samples...)
}

// takeFuture moves up to len(dst) samples out of future and reports how many
// were copied. The caller owns zeroing any remainder.
func (s *syncBuffer) takeFuture(dst []int16) int {
	n := copy(dst, s.future)
	remaining := copy(s.future, s.future[n:])
	s.future = s.future[:remaining]
	return n
}

// futureSlice exposes the pending samples for in place time scaling.
func (s *syncBuffer) futureSlice() []int16 {
	return s.future
}

func (s *syncBuffer) replaceFuture(samples []int16) {
	s.future = samples
}

// noteEmitted records one emitted frame into the rolling history.
func (s *syncBuffer) noteEmitted(frame []int16) {
	max := cap(s.history)
	if max == 0 {
		return
	}
	if len(frame) >= max {
		s.history = append(s.history[:0], frame[len(frame)-max:]...)
		return
	}
	overflow := len(s.history) + len(frame) - max
	if overflow > 0 {
		remaining := copy(s.history, s.history[overflow:])
		s.history = s.history[:remaining]
	}
	s.history = append(s.history, frame...)
}

// historyTail returns the last n per channel samples emitted, zero padded at
// the front when history is shorter.
func (s *syncBuffer) historyTail(n int) []int16 {
	want := n * s.channels
	tail := make([]int16, want)
	if len(s.history) >= want {
		copy(tail, s.history[len(s.history)-want:])
	} else {
		copy(tail[want-len(s.history):], s.history)
	}
	return tail
}

func (s *syncBuffer) reset() {
	s.future = s.future[:0]
	s.history = s.history[:0]
}
