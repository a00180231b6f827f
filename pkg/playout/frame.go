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
	"errors"
	"time"
)

var (
	ErrUnknownPayloadType      = errors.New("payload type not registered")
	ErrBufferFlushed           = errors.New("packet buffer full, buffer flushed")
	ErrMalformedHeader         = errors.New("malformed packet header")
	ErrPlaceholderFirstPacket  = errors.New("placeholder cannot be the first packet of a stream")
	ErrPlaceholderPayloadClass = errors.New("placeholder payload class must be speech")
	ErrPlaceholderCodecChange  = errors.New("placeholder payload type differs from current stream")
	ErrSSRCMismatch            = errors.New("packet SSRC differs from established stream SSRC")
	ErrInvalidPlayoutMode      = errors.New("invalid playout mode")
	ErrInvalidDelay            = errors.New("delay must not be negative")
)

// OutputType classifies how the samples of a pulled frame were produced.
type OutputType int

const (
	// OutputNormal is decoded audio, possibly time scaled.
	OutputNormal OutputType = iota
	// OutputConcealment is synthesized from recent speech to mask a missing packet.
	OutputConcealment
	// OutputComfortNoise is generated from comfort noise parameters, or initial silence.
	OutputComfortNoise
	// OutputConcealmentToComfortNoise is concealment whose speech energy has
	// decayed, leaving only the background noise floor.
	OutputConcealmentToComfortNoise
)

func (o OutputType) String() string {
	switch o {
	case OutputNormal:
		return "NORMAL"
	case OutputConcealment:
		return "CONCEALMENT"
	case OutputComfortNoise:
		return "COMFORT_NOISE"
	case OutputConcealmentToComfortNoise:
		return "CONCEALMENT_TO_COMFORT_NOISE"
	default:
		return "UNKNOWN"
	}
}

// Frame is one fixed-duration block of interleaved PCM produced by PullAudioFrame.
type Frame struct {
	Data              []int16
	SampleRate        int
	Channels          int
	SamplesPerChannel int
	Type              OutputType
	// Level is the smoothed linear audio level of recent output, 0 when inactive.
	Level float64
}

func (f *Frame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.SamplesPerChannel) * time.Second / time.Duration(f.SampleRate)
}
