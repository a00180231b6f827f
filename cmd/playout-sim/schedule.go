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

package main

import (
	"encoding/binary"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/pion/rtp"
	"github.com/pkg/errors"
	"github.com/zaf/g711"
)

const framePeriod = 10 * time.Millisecond

// packetEvent is one packet as the receiver sees it, arrival measured on
// the receiver clock from the start of the run.
type packetEvent struct {
	arrival time.Duration
	hdr     rtp.Header
	payload []byte
}

type scheduleParams struct {
	codec     string
	duration  time.Duration
	talkSpurt time.Duration
	pause     time.Duration
	lossPct   float64
	jitterMs  int
	driftPPM  int
	red       bool
	seed      int64
}

// payloadSource synthesizes a phase continuous tone in the schedule's
// payload format.
type payloadSource struct {
	rate        int
	payloadType uint8
	phase       float64
	encode      func(samples []int16) []byte
}

func newPayloadSource(codecName string) (*payloadSource, error) {
	switch codecName {
	case "pcmu":
		return &payloadSource{
			rate:        8000,
			payloadType: 0,
			encode: func(samples []int16) []byte {
				return g711.EncodeUlaw(lpcmBytes(samples))
			},
		}, nil
	case "pcma":
		return &payloadSource{
			rate:        8000,
			payloadType: 8,
			encode: func(samples []int16) []byte {
				return g711.EncodeAlaw(lpcmBytes(samples))
			},
		}, nil
	case "l16":
		return &payloadSource{
			rate:        16000,
			payloadType: 96,
			encode: func(samples []int16) []byte {
				payload := make([]byte, 2*len(samples))
				for i, s := range samples {
					binary.BigEndian.PutUint16(payload[2*i:], uint16(s))
				}
				return payload
			},
		}, nil
	default:
		return nil, errors.Errorf("unknown schedule codec %q", codecName)
	}
}

func (s *payloadSource) next(samples int) []byte {
	const toneHz = 440
	buf := make([]int16, samples)
	for i := range buf {
		buf[i] = int16(6000 * math.Sin(s.phase))
		s.phase += 2 * math.Pi * toneHz / float64(s.rate)
	}
	return s.encode(buf)
}

// generateSchedule lays out one sender's packets on the receiver clock. The
// sender emits a 10 ms packet cadence of talk spurts separated by comfort
// noise pauses, each pause opened by a single SID. Loss drops sent packets,
// jitter shifts arrivals, drift scales the sender clock against the
// receiver's.
func generateSchedule(params scheduleParams) ([]packetEvent, error) {
	src, err := newPayloadSource(params.codec)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(params.seed))
	samplesPerPacket := src.rate / 100

	cnPT := uint8(13)
	if src.rate != 8000 {
		cnPT = 98
	}

	hdr := rtp.Header{
		Version:        2,
		PayloadType:    src.payloadType,
		SequenceNumber: uint16(rng.Intn(1 << 16)),
		Timestamp:      rng.Uint32(),
		SSRC:           rng.Uint32(),
	}

	// sender seconds per receiver second
	scale := 1.0 + float64(params.driftPPM)/1e6

	var (
		events     []packetEvent
		spurt      = true
		spurtLeft  = params.talkSpurt
		marker     = true
		sidPending bool
		pauseCount int
		prevSpeech []byte
	)

	for sent := time.Duration(0); sent < params.duration; sent += framePeriod {
		if spurtLeft <= 0 {
			switch {
			case params.pause <= 0:
				spurtLeft = params.talkSpurt
			case spurt:
				spurt = false
				spurtLeft = params.pause
				sidPending = true
				prevSpeech = nil
			default:
				spurt = true
				spurtLeft = params.talkSpurt
				marker = true
			}
		}
		spurtLeft -= framePeriod

		var payload []byte
		pkt := hdr
		switch {
		case spurt:
			speech := src.next(samplesPerPacket)
			payload = speech
			if params.red {
				pkt.PayloadType = 117
				payload = redCarrier(src.payloadType, uint32(samplesPerPacket), prevSpeech, speech)
			}
			pkt.Marker = marker
			marker = false
			prevSpeech = speech
		case sidPending:
			pkt.PayloadType = cnPT
			level := uint8(35)
			if pauseCount%2 == 1 {
				level = 40
			}
			payload = []byte{level}
			sidPending = false
			pauseCount++
		}

		if payload != nil {
			if rng.Float64()*100 >= params.lossPct {
				arrival := time.Duration(float64(sent) / scale)
				if params.jitterMs > 0 {
					arrival += time.Duration(rng.Intn(params.jitterMs+1)) * time.Millisecond
				}
				events = append(events, packetEvent{
					arrival: arrival,
					hdr:     pkt,
					payload: payload,
				})
			}
			hdr.SequenceNumber++
		}
		hdr.Timestamp += uint32(samplesPerPacket)
	}

	// jitter can reorder, the receiver still consumes in arrival order
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].arrival < events[j].arrival
	})
	return events, nil
}

// redCarrier wraps a primary encoding and its predecessor in an RFC 2198
// payload. A nil secondary produces a primary only carrier.
func redCarrier(blockPT uint8, offset uint32, secondary, primary []byte) []byte {
	buf := make([]byte, 0, 5+len(secondary)+len(primary))
	if secondary != nil {
		v := offset<<10 | uint32(len(secondary))&0x3FF
		buf = append(buf, 0x80|blockPT, byte(v>>16), byte(v>>8), byte(v))
	}
	buf = append(buf, blockPT)
	buf = append(buf, secondary...)
	return append(buf, primary...)
}

func lpcmBytes(samples []int16) []byte {
	lpcm := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(lpcm[2*i:], uint16(s))
	}
	return lpcm
}
