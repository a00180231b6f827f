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
	"bytes"

	"github.com/gammazero/deque"
	"github.com/livekit/protocol/logger"

	"github.com/voicekit/playout/pkg/playout/codec"
)

// packet is a buffered network or placeholder packet. A nil payload marks a
// placeholder holding a timing position without audio.
type packet struct {
	seqNo        uint16
	timestamp    uint32
	extSeqNo     uint64
	extTimestamp uint64
	payloadType  uint8
	ssrc         uint32
	marker       bool
	payload      []byte
	class        codec.Class
	sampleRate   int
	// carried inside a redundancy payload rather than received on its own
	secondary  bool
	insertTick uint64
}

func (p *packet) isPlaceholder() bool {
	return p.payload == nil
}

type insertResult int

const (
	insertOK insertResult = iota
	insertDuplicate
	insertSuperseded
	insertFlushed
)

type packetBufferParams struct {
	MaxPackets int
	Logger     logger.Logger
}

// packetBuffer keeps packets in ascending (extended timestamp, extended seq)
// order. It knows nothing about codecs beyond the class stamped on each
// packet at insert time.
type packetBuffer struct {
	params packetBufferParams

	packets deque.Deque[*packet]
}

func newPacketBuffer(params packetBufferParams) *packetBuffer {
	return &packetBuffer{
		params: params,
	}
}

// insert places p at its ordered position. A full buffer is flushed first,
// old audio held by a persistently full buffer is unsalvageable.
func (b *packetBuffer) insert(p *packet) insertResult {
	if res, done := b.deduplicate(p); done {
		return res
	}

	flushed := false
	if b.packets.Len() >= b.params.MaxPackets {
		b.params.Logger.Debugw("packet buffer full, flushing",
			"bufferedPackets", b.packets.Len(),
			"seqNo", p.seqNo,
		)
		b.flush()
		flushed = true
	}

	idx := b.packets.Len()
	for idx > 0 {
		prev := b.packets.At(idx - 1)
		if prev.extTimestamp < p.extTimestamp ||
			(prev.extTimestamp == p.extTimestamp && prev.extSeqNo <= p.extSeqNo) {
			break
		}
		idx--
	}
	b.packets.Insert(idx, p)

	if flushed {
		return insertFlushed
	}
	return insertOK
}

// deduplicate resolves p against a buffered packet holding the same timestamp.
// A real primary packet supersedes a placeholder or a redundancy copy in
// place; anything else arriving second is dropped.
func (b *packetBuffer) deduplicate(p *packet) (insertResult, bool) {
	if p.class != codec.ClassSpeech {
		return insertOK, false
	}

	for i := b.packets.Len() - 1; i >= 0; i-- {
		existing := b.packets.At(i)
		if existing.extTimestamp < p.extTimestamp {
			break
		}
		if existing.extTimestamp != p.extTimestamp || existing.class != codec.ClassSpeech {
			continue
		}

		if p.isPlaceholder() || p.secondary {
			return insertDuplicate, true
		}
		if existing.isPlaceholder() || existing.secondary {
			b.packets.Set(i, p)
			return insertSuperseded, true
		}
		return insertDuplicate, true
	}
	return insertOK, false
}

// peek returns the earliest buffered packet without consuming it.
func (b *packetBuffer) peek() *packet {
	if b.packets.Len() == 0 {
		return nil
	}
	return b.packets.Front()
}

func (b *packetBuffer) pop() *packet {
	if b.packets.Len() == 0 {
		return nil
	}
	return b.packets.PopFront()
}

// discardOlderThan drops packets whose timestamp precedes the playout cursor.
// They arrived too late to be played and are counted by the caller.
func (b *packetBuffer) discardOlderThan(extTimestamp uint64) int {
	discarded := 0
	for b.packets.Len() > 0 && b.packets.Front().extTimestamp < extTimestamp {
		b.packets.PopFront()
		discarded++
	}
	return discarded
}

// popIdentical consumes packets at the front matching seq, timestamp and
// payload bytes of ref. Exact comfort noise repeats are legal and must not
// disturb statistics.
func (b *packetBuffer) popIdentical(ref *packet) int {
	popped := 0
	for b.packets.Len() > 0 {
		front := b.packets.Front()
		if front.extTimestamp != ref.extTimestamp || front.seqNo != ref.seqNo ||
			!bytes.Equal(front.payload, ref.payload) {
			break
		}
		b.packets.PopFront()
		popped++
	}
	return popped
}

func (b *packetBuffer) len() int {
	return b.packets.Len()
}

func (b *packetBuffer) flush() int {
	flushed := b.packets.Len()
	b.packets.Clear()
	return flushed
}

