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
	"github.com/zaf/g711"
)

type g711Law int

const (
	lawMu g711Law = iota
	lawA
)

// G711Decoder decodes ITU-T G.711 (PCMU/PCMA) payloads, one byte per
// sample at 8 kHz mono.
type G711Decoder struct {
	law  g711Law
	name string
}

func NewPCMUDecoder() *G711Decoder {
	return &G711Decoder{law: lawMu, name: "pcmu"}
}

func NewPCMADecoder() *G711Decoder {
	return &G711Decoder{law: lawA, name: "pcma"}
}

func (d *G711Decoder) Decode(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, NewError(d.name, CodeEmptyPayload, nil)
	}

	var lpcm []byte
	if d.law == lawMu {
		lpcm = g711.DecodeUlaw(payload)
	} else {
		lpcm = g711.DecodeAlaw(payload)
	}
	if len(lpcm) < 2*len(payload) {
		return nil, NewError(d.name, CodeShortOutput, nil)
	}

	samples := make([]int16, len(payload))
	for i := range samples {
		samples[i] = int16(lpcm[2*i]) | int16(lpcm[2*i+1])<<8
	}
	return samples, nil
}

func (d *G711Decoder) SampleRate() int {
	return 8000
}

func (d *G711Decoder) Channels() int {
	return 1
}
