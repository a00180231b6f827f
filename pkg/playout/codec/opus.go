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
	"github.com/pion/opus"
)

const (
	// 120 ms at 48 kHz stereo, the largest packet the TOC can describe
	opusMaxSamples = 120 * 48 * 2

	opusNativeCodeBadTOC = 201
)

// OpusDecoder decodes Opus payloads. The decoder runs at the bandwidth
// signaled in each packet and resamples to the registered clock rate, so the
// engine always sees frames at the RTP timestamp rate (48 kHz by default).
type OpusDecoder struct {
	decoder    opus.Decoder
	sampleRate int
	channels   int

	out []byte
}

func NewOpusDecoder(sampleRate, channels int) *OpusDecoder {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	if channels <= 0 {
		channels = 1
	}
	return &OpusDecoder{
		decoder:    opus.NewDecoder(),
		sampleRate: sampleRate,
		channels:   channels,
		out:        make([]byte, 2*opusMaxSamples),
	}
}

func (d *OpusDecoder) Decode(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, NewError("opus", CodeEmptyPayload, nil)
	}

	frames, durationUs, err := opusFrameInfo(payload)
	if err != nil {
		return nil, err
	}

	bandwidth, isStereo, err := d.decoder.Decode(payload, d.out)
	if err != nil {
		return nil, NewError("opus", CodeCorruptPayload, err)
	}

	rate := opusBandwidthRate(bandwidth)
	channels := 1
	if isStereo {
		channels = 2
	}

	perChannel := frames * durationUs * rate / 1e6
	total := perChannel * channels
	if total <= 0 || 2*total > len(d.out) {
		return nil, NewError("opus", CodeShortOutput, nil)
	}

	pcm := make([]int16, total)
	for i := range pcm {
		pcm[i] = int16(d.out[2*i]) | int16(d.out[2*i+1])<<8
	}

	if rate == d.sampleRate {
		return pcm, nil
	}
	return resampleLinear(pcm, channels, rate, d.sampleRate), nil
}

func (d *OpusDecoder) SampleRate() int {
	return d.sampleRate
}

func (d *OpusDecoder) Channels() int {
	return d.channels
}

// opusFrameInfo reads the frame count and per-frame duration from the TOC
// byte (RFC 6716, section 3.1).
func opusFrameInfo(payload []byte) (frames int, durationUs int, err error) {
	toc := payload[0]
	config := toc >> 3
	switch {
	case config <= 11:
		durationUs = silkDurationsUs[config&0x3]
	case config <= 15:
		durationUs = hybridDurationsUs[config&0x1]
	default:
		durationUs = celtDurationsUs[config&0x3]
	}

	switch toc & 0x3 {
	case 0:
		frames = 1
	case 1, 2:
		frames = 2
	default:
		if len(payload) < 2 {
			return 0, 0, NewError("opus", opusNativeCodeBadTOC, nil)
		}
		frames = int(payload[1] & 0x3F)
		if frames == 0 {
			return 0, 0, NewError("opus", opusNativeCodeBadTOC, nil)
		}
	}
	return frames, durationUs, nil
}

var (
	silkDurationsUs   = [4]int{10000, 20000, 40000, 60000}
	hybridDurationsUs = [2]int{10000, 20000}
	celtDurationsUs   = [4]int{2500, 5000, 10000, 20000}
)

func opusBandwidthRate(bandwidth opus.Bandwidth) int {
	switch bandwidth {
	case opus.BandwidthNarrowband:
		return 8000
	case opus.BandwidthMediumband:
		return 12000
	case opus.BandwidthWideband:
		return 16000
	case opus.BandwidthSuperwideband:
		return 24000
	case opus.BandwidthFullband:
		return 48000
	default:
		return 48000
	}
}

// resampleLinear converts interleaved samples between rates with linear
// interpolation. Quality is adequate here: the engine consumes the output
// for playout pacing, not re-encoding.
func resampleLinear(in []int16, channels, inRate, outRate int) []int16 {
	if inRate == outRate || len(in) == 0 || channels <= 0 {
		return in
	}

	inFrames := len(in) / channels
	outFrames := inFrames * outRate / inRate
	out := make([]int16, outFrames*channels)
	ratio := float64(inRate) / float64(outRate)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		for ch := 0; ch < channels; ch++ {
			s1 := in[idx*channels+ch]
			s2 := s1
			if idx+1 < inFrames {
				s2 = in[(idx+1)*channels+ch]
			}
			out[i*channels+ch] = int16(float64(s1)*(1-frac) + float64(s2)*frac)
		}
	}
	return out
}
