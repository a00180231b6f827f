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

package codec

import (
	"errors"
	"strings"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/logger"
)

var (
	ErrUnsupportedCodec   = errors.New("no built-in decoder for codec")
	ErrInvalidClockRate   = errors.New("invalid clock rate")
	ErrInvalidPayloadType = errors.New("payload type out of range")
	ErrNilDecoder         = errors.New("nil external decoder")
)

// Registration binds one payload type to a decoder capability for the
// lifetime of a stream. Decoder is nil for the classes the engine consumes
// itself (comfort noise, redundancy, events).
type Registration struct {
	PayloadType uint8
	Name        string
	MimeType    string
	Class       Class
	SampleRate  int
	Channels    int
	Decoder     Decoder
	External    bool
}

type RegistryParams struct {
	Logger logger.Logger
}

// Registry is the per-stream payload type table. It is owned by a single
// engine instance and is not safe for concurrent use.
type Registry struct {
	params RegistryParams

	registrations *orderedmap.OrderedMap[uint8, *Registration]
}

func NewRegistry(params RegistryParams) *Registry {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Registry{
		params:        params,
		registrations: orderedmap.NewOrderedMap[uint8, *Registration](),
	}
}

// Register binds payloadType to a built-in decoder selected by the
// capability's MIME type. Re-registration at the same payload type replaces
// the prior binding.
func (r *Registry) Register(payloadType uint8, capability webrtc.RTPCodecCapability, name string) error {
	if payloadType > 127 {
		return ErrInvalidPayloadType
	}
	if capability.ClockRate == 0 {
		return ErrInvalidClockRate
	}

	class := ClassifyMimeType(capability.MimeType)
	channels := int(capability.Channels)
	if channels == 0 {
		channels = 1
	}

	var dec Decoder
	if class == ClassSpeech {
		var err error
		dec, err = newDecoderForCapability(capability, channels)
		if err != nil {
			return err
		}
	}

	r.put(&Registration{
		PayloadType: payloadType,
		Name:        name,
		MimeType:    capability.MimeType,
		Class:       class,
		SampleRate:  int(capability.ClockRate),
		Channels:    channels,
		Decoder:     dec,
	})
	return nil
}

// RegisterExternal binds payloadType to a caller-supplied decoder.
func (r *Registry) RegisterExternal(dec Decoder, payloadType uint8, name string, sampleRate int) error {
	if payloadType > 127 {
		return ErrInvalidPayloadType
	}
	if dec == nil {
		return ErrNilDecoder
	}
	if sampleRate <= 0 {
		return ErrInvalidClockRate
	}

	channels := dec.Channels()
	if channels == 0 {
		channels = 1
	}
	r.put(&Registration{
		PayloadType: payloadType,
		Name:        name,
		MimeType:    "audio/" + name,
		Class:       ClassSpeech,
		SampleRate:  sampleRate,
		Channels:    channels,
		Decoder:     dec,
		External:    true,
	})
	return nil
}

func (r *Registry) put(reg *Registration) {
	if prev, ok := r.registrations.Get(reg.PayloadType); ok {
		r.params.Logger.Debugw(
			"replacing payload type registration",
			"payloadType", reg.PayloadType,
			"previous", prev.Name,
			"codec", reg.Name,
		)
	}
	r.registrations.Set(reg.PayloadType, reg)
}

func (r *Registry) Lookup(payloadType uint8) (*Registration, bool) {
	return r.registrations.Get(payloadType)
}

func (r *Registry) Remove(payloadType uint8) bool {
	return r.registrations.Delete(payloadType)
}

func (r *Registry) Len() int {
	return r.registrations.Len()
}

// Registrations lists bindings in registration order.
func (r *Registry) Registrations() []*Registration {
	regs := make([]*Registration, 0, r.registrations.Len())
	for el := r.registrations.Front(); el != nil; el = el.Next() {
		regs = append(regs, el.Value)
	}
	return regs
}

func newDecoderForCapability(capability webrtc.RTPCodecCapability, channels int) (Decoder, error) {
	switch {
	case strings.EqualFold(capability.MimeType, webrtc.MimeTypePCMU):
		return NewPCMUDecoder(), nil
	case strings.EqualFold(capability.MimeType, webrtc.MimeTypePCMA):
		return NewPCMADecoder(), nil
	case strings.EqualFold(capability.MimeType, webrtc.MimeTypeOpus):
		return NewOpusDecoder(int(capability.ClockRate), channels), nil
	case strings.EqualFold(capability.MimeType, MimeTypeL16):
		return NewPCM16Decoder(int(capability.ClockRate), channels), nil
	default:
		return nil, ErrUnsupportedCodec
	}
}
