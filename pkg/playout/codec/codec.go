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

// Package codec maps RTP payload types to audio decoder capabilities.
package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v3"
)

// MIME types not covered by pion constants
const (
	MimeTypeCN             = "audio/CN"
	MimeTypeAudioRed       = "audio/red"
	MimeTypeL16            = "audio/L16"
	MimeTypeTelephoneEvent = "audio/telephone-event"
)

// Class partitions payload types by how the playout engine treats them.
// Only ClassSpeech payloads are decoded to audio; the other classes are
// consumed by the engine itself.
type Class int

const (
	ClassSpeech Class = iota
	ClassComfortNoise
	ClassRedundancy
	ClassEvent
)

func (c Class) String() string {
	switch c {
	case ClassSpeech:
		return "SPEECH"
	case ClassComfortNoise:
		return "COMFORT_NOISE"
	case ClassRedundancy:
		return "REDUNDANCY"
	case ClassEvent:
		return "EVENT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(c))
	}
}

// ClassifyMimeType derives the capability class from a MIME type.
func ClassifyMimeType(mimeType string) Class {
	switch strings.ToLower(mimeType) {
	case strings.ToLower(MimeTypeCN):
		return ClassComfortNoise
	case strings.ToLower(MimeTypeAudioRed):
		return ClassRedundancy
	case strings.ToLower(MimeTypeTelephoneEvent):
		return ClassEvent
	default:
		return ClassSpeech
	}
}

// Decoder converts one encoded payload into interleaved int16 samples.
// Implementations are stateful and owned by a single stream.
type Decoder interface {
	Decode(payload []byte) ([]int16, error)
	SampleRate() int
	Channels() int
}

// Error carries a decoder's native failure code through the engine so it can
// be reported after a failed pull.
type Error struct {
	Codec string
	Code  int
	err   error
}

func NewError(codec string, code int, err error) *Error {
	return &Error{
		Codec: codec,
		Code:  code,
		err:   err,
	}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s decode failed (code %d): %v", e.Codec, e.Code, e.err)
	}
	return fmt.Sprintf("%s decode failed (code %d)", e.Codec, e.Code)
}

func (e *Error) Unwrap() error {
	return e.err
}

// ErrorCode extracts the native decoder code from an error chain.
func ErrorCode(err error) (int, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Code, true
	}
	return 0, false
}

// native failure codes for the built-in decoders
const (
	CodeEmptyPayload   = 101
	CodeCorruptPayload = 102
	CodeShortOutput    = 103
)

// Capability is a convenience constructor for the common audio capabilities.
func Capability(mimeType string, clockRate uint32, channels uint16) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:  mimeType,
		ClockRate: clockRate,
		Channels:  channels,
	}
}
