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
	"encoding/binary"
	"errors"
)

//	0                   1                    2                   3
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3  4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |F|   block PT  |  timestamp offset         |   block length    |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// F: 1 bit First bit in header indicates whether another header block
//
//	follows.  If 1 further header blocks follow, if 0 this is the
//	last header block.
const (
	redHeaderLength     = 4
	redLastHeaderLength = 1
)

var errMalformedRED = errors.New("malformed redundancy payload")

// redBlock is one encoding carried inside a redundancy payload. The final
// block is the primary encoding with a zero timestamp offset.
type redBlock struct {
	payloadType     uint8
	timestampOffset uint32
	payload         []byte
	primary         bool
}

// parseRED splits an RFC 2198 payload into its blocks, primary last.
func parseRED(payload []byte) ([]redBlock, error) {
	var (
		pts     []uint8
		offsets []uint32
		lengths []int
	)

	index := 0
	for {
		if index >= len(payload) {
			return nil, errMalformedRED
		}
		if payload[index]&0x80 == 0 {
			break
		}
		if index+redHeaderLength > len(payload) {
			return nil, errMalformedRED
		}
		pts = append(pts, payload[index]&0x7F)
		offsets = append(offsets, uint32(binary.BigEndian.Uint16(payload[index+1:])>>2))
		lengths = append(lengths, int(binary.BigEndian.Uint16(payload[index+2:])&0x03FF))
		index += redHeaderLength
	}
	// the primary header is a single byte
	primaryPT := payload[index] & 0x7F
	index += redLastHeaderLength

	blocks := make([]redBlock, 0, len(pts)+1)
	for i, length := range lengths {
		if index+length > len(payload) {
			return nil, errMalformedRED
		}
		blocks = append(blocks, redBlock{
			payloadType:     pts[i],
			timestampOffset: offsets[i],
			payload:         payload[index : index+length],
		})
		index += length
	}
	return append(blocks, redBlock{
		payloadType: primaryPT,
		payload:     payload[index:],
		primary:     true,
	}), nil
}
