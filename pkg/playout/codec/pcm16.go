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
	"encoding/binary"
)

// PCM16Decoder decodes uncompressed L16 payloads: network byte order,
// 16 bits per sample, interleaved channels.
type PCM16Decoder struct {
	sampleRate int
	channels   int
}

func NewPCM16Decoder(sampleRate, channels int) *PCM16Decoder {
	if channels <= 0 {
		channels = 1
	}
	return &PCM16Decoder{
		sampleRate: sampleRate,
		channels:   channels,
	}
}

func (d *PCM16Decoder) Decode(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, NewError("l16", CodeEmptyPayload, nil)
	}
	if len(payload)%(2*d.channels) != 0 {
		return nil, NewError("l16", CodeCorruptPayload, nil)
	}

	samples := make([]int16, len(payload)/2)
	for i := range samples {
		samples[i] = int16(binary.BigEndian.Uint16(payload[2*i:]))
	}
	return samples, nil
}

func (d *PCM16Decoder) SampleRate() int {
	return d.sampleRate
}

func (d *PCM16Decoder) Channels() int {
	return d.channels
}
