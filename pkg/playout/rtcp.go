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
	"github.com/pion/rtcp"
)

// arrivalTracker accumulates RFC 3550 reception statistics from the insert
// path: cumulative and interval loss from extended sequence numbers, and
// interarrival jitter in timestamp units.
type arrivalTracker struct {
	primed     bool
	baseExtSeq uint64
	maxExtSeq  uint64
	received   uint64

	expectedPrior uint64
	receivedPrior uint64

	jitter      float64
	lastTransit int64
}

func (a *arrivalTracker) record(extSeqNo uint64, extTimestamp uint64, arrivalTick uint64, sampleRate int) {
	if !a.primed {
		a.primed = true
		a.baseExtSeq = extSeqNo
		a.maxExtSeq = extSeqNo
	} else if extSeqNo > a.maxExtSeq {
		a.maxExtSeq = extSeqNo
	}
	a.received++

	arrival := int64(arrivalTick) * int64(sampleRate) / 100
	transit := arrival - int64(extTimestamp)
	if a.received > 1 {
		d := transit - a.lastTransit
		if d < 0 {
			d = -d
		}
		a.jitter += (float64(d) - a.jitter) / 16
	}
	a.lastTransit = transit
}

func (a *arrivalTracker) expected() uint64 {
	if !a.primed {
		return 0
	}
	return a.maxExtSeq - a.baseExtSeq + 1
}

func (a *arrivalTracker) lost() uint64 {
	expected := a.expected()
	if expected <= a.received {
		return 0
	}
	return expected - a.received
}

// report builds a reception report block and advances the interval reference
// for the fraction lost computation.
func (a *arrivalTracker) report(ssrc uint32) rtcp.ReceptionReport {
	expected := a.expected()

	var fraction uint8
	expectedInterval := expected - a.expectedPrior
	receivedInterval := a.received - a.receivedPrior
	if expectedInterval > receivedInterval && expectedInterval > 0 {
		lostInterval := expectedInterval - receivedInterval
		fraction = uint8(lostInterval * 256 / expectedInterval)
	}
	a.expectedPrior = expected
	a.receivedPrior = a.received

	totalLost := a.lost()
	if totalLost > 0xFFFFFF {
		totalLost = 0xFFFFFF
	}

	return rtcp.ReceptionReport{
		SSRC:               ssrc,
		FractionLost:       fraction,
		TotalLost:          uint32(totalLost),
		LastSequenceNumber: uint32(a.maxExtSeq),
		Jitter:             uint32(a.jitter),
	}
}

func (a *arrivalTracker) reset() {
	*a = arrivalTracker{}
}
