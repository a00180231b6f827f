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
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/voicekit/playout/pkg/config"
	"github.com/voicekit/playout/pkg/playout/audio"
	"github.com/voicekit/playout/pkg/playout/codec"
)

const (
	testSSRC = 0x11223344
	testTs0  = 16000
	testSeq0 = 100
)

func newTestEngine(t *testing.T, conf *config.Config) *Engine {
	t.Helper()

	e, err := NewEngine(EngineParams{Config: conf})
	require.NoError(t, err)

	require.NoError(t, e.RegisterDecoder(0, codec.Capability(webrtc.MimeTypePCMU, 8000, 1), "pcmu"))
	require.NoError(t, e.RegisterDecoder(8, codec.Capability(webrtc.MimeTypePCMA, 8000, 1), "pcma"))
	require.NoError(t, e.RegisterDecoder(93, codec.Capability(codec.MimeTypeL16, 8000, 1), "l16"))
	require.NoError(t, e.RegisterDecoder(94, codec.Capability(codec.MimeTypeL16, 16000, 1), "l16-wb"))
	require.NoError(t, e.RegisterDecoder(95, codec.Capability(codec.MimeTypeL16, 32000, 1), "l16-swb"))
	require.NoError(t, e.RegisterDecoder(13, codec.Capability(codec.MimeTypeCN, 8000, 1), "cn"))
	require.NoError(t, e.RegisterDecoder(98, codec.Capability(codec.MimeTypeCN, 16000, 1), "cn-wb"))
	require.NoError(t, e.RegisterDecoder(117, codec.Capability(codec.MimeTypeAudioRed, 8000, 1), "red"))
	return e
}

// streamWriter feeds an engine a paced RTP stream. skip advances the sender
// position without delivering, send delivers and advances.
type streamWriter struct {
	e      *Engine
	pt     uint8
	ssrc   uint32
	seq    uint16
	ts     uint32
	tsStep uint32
}

func (w *streamWriter) header() rtp.Header {
	return rtp.Header{
		Version:        2,
		PayloadType:    w.pt,
		SequenceNumber: w.seq,
		Timestamp:      w.ts,
		SSRC:           w.ssrc,
	}
}

func (w *streamWriter) send(payload []byte) error {
	err := w.e.InsertPacket(w.header(), payload, time.Now())
	w.advance()
	return err
}

func (w *streamWriter) sendPlaceholder() error {
	err := w.e.InsertPlaceholderPacket(w.header(), time.Now())
	w.advance()
	return err
}

func (w *streamWriter) skip() {
	w.advance()
}

func (w *streamWriter) advance() {
	w.seq++
	w.ts += w.tsStep
}

// sineSource produces phase continuous big endian L16 payloads.
type sineSource struct {
	period int
	amp    float64
	phase  int
}

func (s *sineSource) payload(samples int) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(s.amp * math.Sin(2*math.Pi*float64(s.phase)/float64(s.period)))
		binary.BigEndian.PutUint16(buf[i*2:], uint16(v))
		s.phase++
	}
	return buf
}

func noisePayloadL16(rng *rand.Rand, samples int, amp int) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(rng.Intn(2*amp+1) - amp)
		binary.BigEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

// redCarry wraps primary, and optionally one redundant block offsetSamples
// behind it, into an RFC 2198 payload.
func redCarry(pt uint8, offsetSamples int, secondary, primary []byte) []byte {
	var buf []byte
	if secondary != nil {
		v := uint32(offsetSamples)<<10 | uint32(len(secondary))
		buf = append(buf, 0x80|pt, byte(v>>16), byte(v>>8), byte(v))
	}
	buf = append(buf, pt)
	if secondary != nil {
		buf = append(buf, secondary...)
	}
	return append(buf, primary...)
}

func pullFrame(t *testing.T, e *Engine) Frame {
	t.Helper()
	f, err := e.PullAudioFrame()
	require.NoError(t, err)
	return f
}

func meanOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func TestEngineInitialSilence(t *testing.T) {
	e := newTestEngine(t, nil)

	_, ok := e.GetPlayoutTimestamp()
	require.False(t, ok)

	f := pullFrame(t, e)
	require.Equal(t, OutputComfortNoise, f.Type)
	require.Equal(t, 8000, f.SampleRate)
	require.Equal(t, 1, f.Channels)
	require.Equal(t, 80, f.SamplesPerChannel)
	require.Equal(t, 10*time.Millisecond, f.Duration())
	for _, s := range f.Data {
		require.Equal(t, int16(0), s)
	}

	_, ok = e.GetPlayoutTimestamp()
	require.True(t, ok)
	require.Equal(t, 8000, e.LastOutputSampleRate())
}

func TestEngineNormalPlayout(t *testing.T) {
	t.Run("decodes a paced stream", func(t *testing.T) {
		e := newTestEngine(t, nil)
		w := &streamWriter{e: e, pt: 93, ssrc: testSSRC, seq: testSeq0, ts: testTs0, tsStep: 80}
		src := &sineSource{period: 80, amp: 8000}

		var last uint32
		for k := 0; k < 20; k++ {
			require.NoError(t, w.send(src.payload(80)))
			f := pullFrame(t, e)
			require.Equal(t, OutputNormal, f.Type)
			require.Equal(t, 80, f.SamplesPerChannel)
			require.Greater(t, audio.RMS(f.Data), 1000.0)

			ts, ok := e.GetPlayoutTimestamp()
			require.True(t, ok)
			if k > 0 {
				require.Equal(t, uint32(80), ts-last)
			}
			last = ts
		}

		stats := e.GetStatistics()
		require.Equal(t, 0.0, stats.ExpandRate)
		require.Equal(t, 0.0, stats.PacketLossRate)
		require.Equal(t, 10, stats.MeanWaitingTimeMs)
	})

	t.Run("switches output format with the stream", func(t *testing.T) {
		e := newTestEngine(t, nil)
		w := &streamWriter{e: e, pt: 93, ssrc: testSSRC, seq: testSeq0, ts: testTs0, tsStep: 80}
		nb := &sineSource{period: 80, amp: 8000}
		for k := 0; k < 3; k++ {
			require.NoError(t, w.send(nb.payload(80)))
			f := pullFrame(t, e)
			require.Equal(t, OutputNormal, f.Type)
			require.Equal(t, 8000, f.SampleRate)
		}

		w.pt = 94
		w.tsStep = 160
		wb := &sineSource{period: 160, amp: 8000}
		for k := 0; k < 3; k++ {
			require.NoError(t, w.send(wb.payload(160)))
			f := pullFrame(t, e)
			require.Equal(t, OutputNormal, f.Type)
			require.Equal(t, 16000, f.SampleRate)
			require.Equal(t, 160, f.SamplesPerChannel)
			require.Equal(t, 10*time.Millisecond, f.Duration())
			require.Greater(t, audio.RMS(f.Data), 1000.0)
		}
		require.Equal(t, 16000, e.LastOutputSampleRate())
	})
}

func TestEngineWaitingTimeStatistics(t *testing.T) {
	conf := config.DefaultConfig()
	conf.PlayoutMode = config.PlayoutModeFax
	e := newTestEngine(t, conf)

	// the whole burst arrives before the first pull, pull k then waits
	// exactly 10*k ms on its packet
	w := &streamWriter{e: e, pt: 94, ssrc: testSSRC, seq: testSeq0, ts: testTs0, tsStep: 160}
	src := &sineSource{period: 160, amp: 8000}
	for k := 0; k < 30; k++ {
		require.NoError(t, w.send(src.payload(160)))
	}

	for k := 0; k < 30; k++ {
		f := pullFrame(t, e)
		require.Equal(t, OutputNormal, f.Type)
		require.Equal(t, 160, f.SamplesPerChannel)
	}

	stats := e.GetStatistics()
	require.Equal(t, 155, stats.MeanWaitingTimeMs)
	require.Equal(t, 155, stats.MedianWaitingTimeMs)
	require.Equal(t, 10, stats.MinWaitingTimeMs)
	require.Equal(t, 300, stats.MaxWaitingTimeMs)
	require.Equal(t, 0.0, stats.AccelerateRate)
	require.Equal(t, 0.0, stats.PreemptiveRate)
	require.Equal(t, 0.0, stats.ExpandRate)
	require.Equal(t, 16000, e.LastOutputSampleRate())

	// snapshot resets the waiting histogram
	stats = e.GetStatistics()
	require.Equal(t, -1, stats.MeanWaitingTimeMs)
	require.Equal(t, -1, stats.MedianWaitingTimeMs)
	require.Equal(t, -1, stats.MinWaitingTimeMs)
	require.Equal(t, -1, stats.MaxWaitingTimeMs)
}

func TestEngineClockDrift(t *testing.T) {
	t.Run("fast sender is absorbed by accelerate", func(t *testing.T) {
		e := newTestEngine(t, nil)
		w := &streamWriter{e: e, pt: 93, ssrc: testSSRC, seq: testSeq0, ts: testTs0, tsStep: 80}
		src := &sineSource{period: 80, amp: 8000}

		// one extra packet every ten ticks, the sender clock runs ~10% fast
		for k := 0; k < 3000; k++ {
			require.NoError(t, w.send(src.payload(80)))
			if k%10 == 9 {
				require.NoError(t, w.send(src.payload(80)))
			}
			_ = pullFrame(t, e)
		}

		stats := e.GetStatistics()
		require.Greater(t, stats.ClockDriftPPM, -150000)
		require.Less(t, stats.ClockDriftPPM, -60000)
		require.Greater(t, stats.AccelerateRate, 0.02)
		require.Equal(t, 0.0, stats.ExpandRate)
		require.Equal(t, 0.0, stats.PacketDiscardRate)
	})

	t.Run("slow sender is concealed without discards", func(t *testing.T) {
		e := newTestEngine(t, nil)
		w := &streamWriter{e: e, pt: 93, ssrc: testSSRC, seq: testSeq0, ts: testTs0, tsStep: 80}
		src := &sineSource{period: 80, amp: 8000}

		// nine packets per ten ticks, the sender clock runs ~10% slow; every
		// re-anchor lands one frame behind the cursor and must stay playable
		for k := 0; k < 5000; k++ {
			if k%10 != 9 {
				require.NoError(t, w.send(src.payload(80)))
			}
			_ = pullFrame(t, e)
		}

		stats := e.GetStatistics()
		require.Greater(t, stats.ClockDriftPPM, 60000)
		require.Less(t, stats.ClockDriftPPM, 150000)
		require.Greater(t, stats.ExpandRate, 0.05)
		require.Less(t, stats.ExpandRate, 0.15)
		require.Greater(t, stats.SpeechExpandRate, 0.0)
		require.Equal(t, 0.0, stats.PacketDiscardRate)
	})
}

func TestEnginePreemptiveOnBursts(t *testing.T) {
	burstSchedule := func(t *testing.T, e *Engine) Statistics {
		w := &streamWriter{e: e, pt: 93, ssrc: testSSRC, seq: testSeq0, ts: testTs0, tsStep: 80}
		src := &sineSource{period: 80, amp: 8000}
		for k := 0; k < 180; k++ {
			if k%6 == 0 {
				for i := 0; i < 6; i++ {
					require.NoError(t, w.send(src.payload(80)))
				}
			}
			_ = pullFrame(t, e)
		}
		return e.GetStatistics()
	}

	t.Run("normal mode stretches up to the target", func(t *testing.T) {
		stats := burstSchedule(t, newTestEngine(t, nil))
		require.Greater(t, stats.PreemptiveRate, 0.0)
		require.Equal(t, 0.0, stats.ExpandRate)
		require.Equal(t, 0.0, stats.PacketDiscardRate)
	})

	t.Run("streaming mode tolerates the dips", func(t *testing.T) {
		conf := config.DefaultConfig()
		conf.PlayoutMode = config.PlayoutModeStreaming
		stats := burstSchedule(t, newTestEngine(t, conf))
		require.Equal(t, 0.0, stats.PreemptiveRate)
		require.Equal(t, 0.0, stats.ExpandRate)
	})
}

func TestEngineWraparound(t *testing.T) {
	e := newTestEngine(t, nil)
	w := &streamWriter{
		e:      e,
		pt:     93,
		ssrc:   testSSRC,
		seq:    65520,
		ts:     math.MaxUint32 - 799,
		tsStep: 80,
	}
	src := &sineSource{period: 80, amp: 8000}

	var last uint32
	for k := 0; k < 30; k++ {
		require.NoError(t, w.send(src.payload(80)))
		f := pullFrame(t, e)
		require.Equal(t, OutputNormal, f.Type)

		ts, ok := e.GetPlayoutTimestamp()
		require.True(t, ok)
		if k > 0 {
			require.Equal(t, uint32(80), ts-last)
		}
		last = ts
	}

	report := e.GetRTCPReceptionReport()
	require.Equal(t, uint32(0), report.TotalLost)
	require.Equal(t, uint8(0), report.FractionLost)
	require.Equal(t, uint32(65520+29), report.LastSequenceNumber)

	stats := e.GetStatistics()
	require.Equal(t, 0.0, stats.ExpandRate)
	require.Equal(t, 0.0, stats.PacketLossRate)
}

func TestEngineComfortNoise(t *testing.T) {
	t.Run("stream can open with comfort noise", func(t *testing.T) {
		e := newTestEngine(t, nil)
		w := &streamWriter{e: e, pt: 13, ssrc: testSSRC, seq: testSeq0, ts: testTs0, tsStep: 80}
		require.NoError(t, w.send([]byte{40, 100, 60}))

		var rms []float64
		for k := 0; k < 5; k++ {
			f := pullFrame(t, e)
			require.Equal(t, OutputComfortNoise, f.Type)
			if k >= 2 {
				rms = append(rms, audio.RMS(f.Data))
			}
		}
		require.InDelta(t, 327.67, meanOf(rms), 250)

		// speech continuing the media timeline takes over on the next pull
		w.pt = 93
		w.ts = testTs0 + 5*80
		src := &sineSource{period: 80, amp: 8000}
		require.NoError(t, w.send(src.payload(80)))
		f := pullFrame(t, e)
		require.Equal(t, OutputNormal, f.Type)
		require.Greater(t, audio.RMS(f.Data), 1000.0)
	})

	t.Run("locks onto a noise run and recovers", func(t *testing.T) {
		e := newTestEngine(t, nil)
		speech := &streamWriter{e: e, pt: 93, ssrc: testSSRC, seq: testSeq0, ts: testTs0, tsStep: 80}
		src := &sineSource{period: 80, amp: 8000}
		for k := 0; k < 30; k++ {
			require.NoError(t, speech.send(src.payload(80)))
			_ = pullFrame(t, e)
		}

		// one minute of DTX, a SID refresh every ten ticks
		sid := &streamWriter{e: e, pt: 13, ssrc: testSSRC, seq: speech.seq, ts: speech.ts, tsStep: 800}
		for k := 0; k < 6000; k++ {
			if k%10 == 0 {
				require.NoError(t, sid.send([]byte{40}))
			}
			f := pullFrame(t, e)
			require.Equal(t, OutputComfortNoise, f.Type)
			if k >= 5000 && k < 5010 {
				require.InDelta(t, 327.67, audio.RMS(f.Data), 250)
			}
		}

		speech.seq = sid.seq
		speech.ts = sid.ts
		recovered := false
		for k := 0; k < 20; k++ {
			require.NoError(t, speech.send(src.payload(80)))
			f := pullFrame(t, e)
			if f.Type == OutputNormal {
				require.Greater(t, audio.RMS(f.Data), 1000.0)
				recovered = true
				break
			}
		}
		require.True(t, recovered)

		stats := e.GetStatistics()
		require.Equal(t, 0.0, stats.ExpandRate)
		require.GreaterOrEqual(t, stats.SynthesizedSamples, uint64(400000))
	})

	t.Run("identical repeats leave state untouched", func(t *testing.T) {
		a := newTestEngine(t, nil)
		b := newTestEngine(t, nil)
		src := &sineSource{period: 80, amp: 8000}
		for _, e := range []*Engine{a, b} {
			w := &streamWriter{e: e, pt: 93, ssrc: testSSRC, seq: testSeq0, ts: testTs0, tsStep: 80}
			payloadSrc := *src
			for k := 0; k < 30; k++ {
				require.NoError(t, w.send(payloadSrc.payload(80)))
				_ = pullFrame(t, e)
			}
		}

		sidHdr := rtp.Header{
			Version:        2,
			PayloadType:    13,
			SequenceNumber: testSeq0 + 30,
			Timestamp:      testTs0 + 30*80,
			SSRC:           testSSRC,
		}
		sidPayload := []byte{45, 200}
		require.NoError(t, a.InsertPacket(sidHdr, sidPayload, time.Now()))
		require.NoError(t, b.InsertPacket(sidHdr, sidPayload, time.Now()))
		require.NoError(t, b.InsertPacket(sidHdr, sidPayload, time.Now()))

		statsA := a.GetStatistics()
		statsB := b.GetStatistics()
		require.Greater(t, statsB.CurrentBufferMs, statsA.CurrentBufferMs)

		for k := 0; k < 10; k++ {
			fa := pullFrame(t, a)
			fb := pullFrame(t, b)
			require.Equal(t, OutputComfortNoise, fa.Type)
			require.Equal(t, fa.Type, fb.Type)
		}
		require.Equal(t, a.GetStatistics(), b.GetStatistics())
	})
}

func TestEngineBackgroundNoiseModes(t *testing.T) {
	concealmentRMS := func(t *testing.T, mode config.BackgroundNoiseMode) []float64 {
		conf := config.DefaultConfig()
		conf.BackgroundNoise = mode
		e := newTestEngine(t, conf)

		w := &streamWriter{e: e, pt: 93, ssrc: testSSRC, seq: testSeq0, ts: testTs0, tsStep: 80}
		rng := rand.New(rand.NewSource(7))
		for k := 0; k < 100; k++ {
			require.NoError(t, w.send(noisePayloadL16(rng, 80, 600)))
			f := pullFrame(t, e)
			require.Equal(t, OutputNormal, f.Type)
		}

		rms := make([]float64, 0, 700)
		for k := 0; k < 700; k++ {
			f := pullFrame(t, e)
			rms = append(rms, audio.RMS(f.Data))
			if k > 100 {
				require.Equal(t, OutputConcealmentToComfortNoise, f.Type)
			}
		}
		return rms
	}

	t.Run("on holds the noise floor", func(t *testing.T) {
		rms := concealmentRMS(t, config.BackgroundNoiseOn)
		floor := meanOf(rms[690:700])
		require.Greater(t, floor, 100.0)
		require.Less(t, floor, 600.0)
	})

	t.Run("off decays immediately", func(t *testing.T) {
		rms := concealmentRMS(t, config.BackgroundNoiseOff)
		require.Less(t, meanOf(rms[60:70]), 10.0)
	})

	t.Run("fade holds then decays past the threshold", func(t *testing.T) {
		rms := concealmentRMS(t, config.BackgroundNoiseFade)
		held := meanOf(rms[540:550])
		require.Greater(t, held, 100.0)
		require.Less(t, held, 600.0)
		require.Less(t, meanOf(rms[690:700]), 10.0)
	})
}

func TestEnginePlaceholders(t *testing.T) {
	e := newTestEngine(t, nil)
	now := time.Now()
	mkHeader := func(pt uint8, seq uint16, ts uint32, ssrc uint32) rtp.Header {
		return rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		}
	}

	err := e.InsertPlaceholderPacket(mkHeader(93, testSeq0, testTs0, testSSRC), now)
	require.ErrorIs(t, err, ErrPlaceholderFirstPacket)

	src := &sineSource{period: 80, amp: 8000}
	require.NoError(t, e.InsertPacket(mkHeader(93, testSeq0, testTs0, testSSRC), src.payload(80), now))
	f := pullFrame(t, e)
	require.Equal(t, OutputNormal, f.Type)

	err = e.InsertPlaceholderPacket(mkHeader(13, testSeq0+1, testTs0+80, testSSRC), now)
	require.ErrorIs(t, err, ErrPlaceholderPayloadClass)
	err = e.InsertPlaceholderPacket(mkHeader(94, testSeq0+1, testTs0+80, testSSRC), now)
	require.ErrorIs(t, err, ErrPlaceholderCodecChange)
	err = e.InsertPlaceholderPacket(mkHeader(77, testSeq0+1, testTs0+80, testSSRC), now)
	require.ErrorIs(t, err, ErrUnknownPayloadType)
	err = e.InsertPlaceholderPacket(mkHeader(93, testSeq0+1, testTs0+80, testSSRC+1), now)
	require.ErrorIs(t, err, ErrSSRCMismatch)
	require.ErrorIs(t, e.LastError(), ErrSSRCMismatch)

	// an accepted placeholder holds the position and plays as silence
	require.NoError(t, e.InsertPlaceholderPacket(mkHeader(93, testSeq0+1, testTs0+80, testSSRC), now))
	f = pullFrame(t, e)
	require.Equal(t, OutputNormal, f.Type)
	for _, s := range f.Data {
		require.Equal(t, int16(0), s)
	}

	// the real packet supersedes its placeholder in place
	require.NoError(t, e.InsertPlaceholderPacket(mkHeader(93, testSeq0+2, testTs0+160, testSSRC), now))
	require.NoError(t, e.InsertPacket(mkHeader(93, testSeq0+2, testTs0+160, testSSRC), src.payload(80), now))
	f = pullFrame(t, e)
	require.Equal(t, OutputNormal, f.Type)
	require.Greater(t, audio.RMS(f.Data), 1000.0)
}

func TestEngineInsertErrors(t *testing.T) {
	e := newTestEngine(t, nil)
	now := time.Now()
	hdr := rtp.Header{
		Version:        2,
		PayloadType:    77,
		SequenceNumber: testSeq0,
		Timestamp:      testTs0,
		SSRC:           testSSRC,
	}

	require.ErrorIs(t, e.InsertPacket(hdr, []byte{1, 2, 3}, now), ErrUnknownPayloadType)
	require.ErrorIs(t, e.LastError(), ErrUnknownPayloadType)

	hdr.PayloadType = 93
	require.ErrorIs(t, e.InsertPacket(hdr, nil, now), ErrMalformedHeader)
	require.ErrorIs(t, e.InsertPacket(hdr, []byte{}, now), ErrMalformedHeader)

	src := &sineSource{period: 80, amp: 8000}
	require.NoError(t, e.InsertPacket(hdr, src.payload(80), now))
	f := pullFrame(t, e)
	require.Equal(t, OutputNormal, f.Type)
}

type flakyDecoder struct{}

func (d *flakyDecoder) Decode(payload []byte) ([]int16, error) {
	if len(payload) > 0 && payload[0] == 0xFF {
		return nil, codec.NewError("flaky", 6730, errors.New("synthetic corruption"))
	}
	out := make([]int16, 80)
	for i := range out {
		out[i] = 1000
	}
	return out, nil
}

func (d *flakyDecoder) SampleRate() int { return 8000 }
func (d *flakyDecoder) Channels() int   { return 1 }

func TestEngineDecoderError(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.RegisterExternalDecoder(&flakyDecoder{}, 96, "flaky", 8000))
	w := &streamWriter{e: e, pt: 96, ssrc: testSSRC, seq: testSeq0, ts: testTs0, tsStep: 80}

	require.NoError(t, w.send([]byte{1}))
	f := pullFrame(t, e)
	require.Equal(t, OutputNormal, f.Type)
	require.Equal(t, int16(1000), f.Data[0])
	first, ok := e.GetPlayoutTimestamp()
	require.True(t, ok)

	// the failed tick still emits a frame and still advances the timeline
	require.NoError(t, w.send([]byte{0xFF}))
	f, err := e.PullAudioFrame()
	require.Error(t, err)
	code, ok := codec.ErrorCode(err)
	require.True(t, ok)
	require.Equal(t, 6730, code)
	require.Equal(t, 6730, e.LastDecoderErrorCode())
	require.Equal(t, OutputNormal, f.Type)
	for _, s := range f.Data {
		require.Equal(t, int16(0), s)
	}
	ts, _ := e.GetPlayoutTimestamp()
	require.Equal(t, uint32(80), ts-first)

	require.NoError(t, w.send([]byte{2}))
	f = pullFrame(t, e)
	require.Equal(t, OutputNormal, f.Type)
	require.Equal(t, int16(1000), f.Data[0])
	ts, _ = e.GetPlayoutTimestamp()
	require.Equal(t, uint32(160), ts-first)
}

func TestEngineBufferOverflow(t *testing.T) {
	conf := config.DefaultConfig()
	conf.MaxPackets = 10
	e := newTestEngine(t, conf)
	w := &streamWriter{e: e, pt: 93, ssrc: testSSRC, seq: testSeq0, ts: testTs0, tsStep: 80}
	src := &sineSource{period: 80, amp: 8000}

	for k := 0; k < 10; k++ {
		require.NoError(t, w.send(src.payload(80)))
	}
	require.ErrorIs(t, w.send(src.payload(80)), ErrBufferFlushed)
	require.ErrorIs(t, e.LastError(), ErrBufferFlushed)

	// only the newest packet survived; playout runs silent until the cursor
	// reaches it
	for k := 0; k < 10; k++ {
		f := pullFrame(t, e)
		require.Equal(t, OutputComfortNoise, f.Type)
	}
	f := pullFrame(t, e)
	require.Equal(t, OutputNormal, f.Type)
	require.Greater(t, audio.RMS(f.Data), 1000.0)
}

func TestEngineTimestampJump(t *testing.T) {
	e := newTestEngine(t, nil)
	now := time.Now()
	src := &sineSource{period: 80, amp: 8000}
	hdr := rtp.Header{
		Version:        2,
		PayloadType:    93,
		SequenceNumber: testSeq0,
		Timestamp:      testTs0,
		SSRC:           testSSRC,
	}
	require.NoError(t, e.InsertPacket(hdr, src.payload(80), now))
	_ = pullFrame(t, e)
	first, _ := e.GetPlayoutTimestamp()

	// a gap beyond the buffer capacity re-anchors instead of waiting it out
	hdr.SequenceNumber++
	hdr.Timestamp = testTs0 + 80 + 8000
	require.NoError(t, e.InsertPacket(hdr, src.payload(80), now))
	f := pullFrame(t, e)
	require.Equal(t, OutputNormal, f.Type)
	ts, _ := e.GetPlayoutTimestamp()
	require.Equal(t, uint32(8080), ts-first)
}

func TestEngineLossAndReceptionReport(t *testing.T) {
	e := newTestEngine(t, nil)
	w := &streamWriter{e: e, pt: 93, ssrc: testSSRC, seq: testSeq0, ts: testTs0, tsStep: 80}
	src := &sineSource{period: 80, amp: 8000}

	var last uint32
	step := func(k int, wantType OutputType) {
		f := pullFrame(t, e)
		require.Equal(t, wantType, f.Type, "tick %d", k)
		ts, ok := e.GetPlayoutTimestamp()
		require.True(t, ok)
		if k > 0 {
			require.Equal(t, uint32(80), ts-last)
		}
		last = ts
	}

	for k := 0; k < 10; k++ {
		require.NoError(t, w.send(src.payload(80)))
		step(k, OutputNormal)
	}
	for k := 10; k < 15; k++ {
		w.skip()
		step(k, OutputConcealment)
	}
	for k := 15; k < 20; k++ {
		require.NoError(t, w.send(src.payload(80)))
		step(k, OutputNormal)
	}

	report := e.GetRTCPReceptionReport()
	require.Equal(t, uint32(testSSRC), report.SSRC)
	require.Equal(t, uint8(5*256/20), report.FractionLost)
	require.Equal(t, uint32(5), report.TotalLost)
	require.Equal(t, uint32(testSeq0+19), report.LastSequenceNumber)
	require.LessOrEqual(t, report.Jitter, uint32(2))

	for k := 20; k < 30; k++ {
		require.NoError(t, w.send(src.payload(80)))
		step(k, OutputNormal)
	}
	report = e.GetRTCPReceptionReport()
	require.Equal(t, uint8(0), report.FractionLost)
	require.Equal(t, uint32(5), report.TotalLost)

	stats := e.GetStatistics()
	require.InDelta(t, 5.0/30, stats.PacketLossRate, 0.001)
	require.InDelta(t, 5.0/30, stats.ExpandRate, 0.001)
	require.Equal(t, 0.0, stats.PacketDiscardRate)
	require.Less(t, abs(stats.ClockDriftPPM), 1000)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func TestEngineRedundantRecovery(t *testing.T) {
	e := newTestEngine(t, nil)
	w := &streamWriter{e: e, pt: 117, ssrc: testSSRC, seq: testSeq0, ts: testTs0, tsStep: 80}
	src := &sineSource{period: 80, amp: 8000}

	concealed := 0
	var prev []byte
	for k := 0; k < 40; k++ {
		cur := src.payload(80)
		if k == 20 {
			w.skip()
		} else {
			require.NoError(t, w.send(redCarry(93, 80, prev, cur)))
		}
		prev = cur

		f := pullFrame(t, e)
		if f.Type != OutputNormal {
			concealed++
		}
	}

	// only the tick right after the lost carrier conceals, its media arrives
	// one tick later inside the next carrier
	require.Equal(t, 1, concealed)

	stats := e.GetStatistics()
	require.Greater(t, stats.SecondaryDecodedRate, 0.0)
	require.Equal(t, 0.0, stats.PacketDiscardRate)
	require.InDelta(t, 1.0/40, stats.PacketLossRate, 0.001)

	report := e.GetRTCPReceptionReport()
	require.Equal(t, uint32(1), report.TotalLost)
}

func TestEngineSSRCChange(t *testing.T) {
	e := newTestEngine(t, nil)
	w := &streamWriter{e: e, pt: 93, ssrc: testSSRC, seq: testSeq0, ts: testTs0, tsStep: 80}
	src := &sineSource{period: 80, amp: 8000}
	for k := 0; k < 5; k++ {
		require.NoError(t, w.send(src.payload(80)))
		_ = pullFrame(t, e)
	}
	_ = pullFrame(t, e)
	_ = pullFrame(t, e)

	before := e.GetStatistics()
	require.Equal(t, uint64(160), before.SynthesizedSamples)

	w2 := &streamWriter{e: e, pt: 93, ssrc: testSSRC + 1, seq: 5000, ts: 900000, tsStep: 80}
	require.NoError(t, w2.send(src.payload(80)))
	f := pullFrame(t, e)
	require.Equal(t, OutputNormal, f.Type)
	require.Greater(t, audio.RMS(f.Data), 1000.0)

	after := e.GetStatistics()
	require.Equal(t, uint64(160), after.SynthesizedSamples)
	require.Equal(t, 0.0, after.PacketLossRate)
	require.Equal(t, 0, after.ClockDriftPPM)

	report := e.GetRTCPReceptionReport()
	require.Equal(t, uint32(testSSRC+1), report.SSRC)
	require.Equal(t, uint32(5000), report.LastSequenceNumber)
}

func TestEngineFlushBuffers(t *testing.T) {
	e := newTestEngine(t, nil)
	w := &streamWriter{e: e, pt: 93, ssrc: testSSRC, seq: testSeq0, ts: testTs0, tsStep: 80}
	src := &sineSource{period: 80, amp: 8000}
	for k := 0; k < 3; k++ {
		require.NoError(t, w.send(src.payload(80)))
	}
	f := pullFrame(t, e)
	require.Equal(t, OutputNormal, f.Type)

	// flushing also drops the synthesis history, concealment has no pitch
	// period to repeat
	e.FlushBuffers()
	f = pullFrame(t, e)
	require.Equal(t, OutputConcealmentToComfortNoise, f.Type)

	require.NoError(t, w.send(src.payload(80)))
	f = pullFrame(t, e)
	require.Equal(t, OutputConcealmentToComfortNoise, f.Type)
	f = pullFrame(t, e)
	require.Equal(t, OutputNormal, f.Type)
}

func TestEngineDelayBounds(t *testing.T) {
	e := newTestEngine(t, nil)

	require.ErrorIs(t, e.SetMinimumDelay(-1), ErrInvalidDelay)
	require.ErrorIs(t, e.SetMaximumDelay(-1), ErrInvalidDelay)

	require.Equal(t, 10, e.TargetDelayMs())
	require.NoError(t, e.SetMinimumDelay(60))
	require.Equal(t, 60, e.TargetDelayMs())
	require.NoError(t, e.SetMaximumDelay(30))
	require.Equal(t, 30, e.TargetDelayMs())
	require.NoError(t, e.SetMinimumDelay(0))
	require.NoError(t, e.SetMaximumDelay(0))
	require.Equal(t, 10, e.TargetDelayMs())
}

func TestEnginePlayoutMode(t *testing.T) {
	e := newTestEngine(t, nil)
	require.Equal(t, config.PlayoutModeNormal, e.PlayoutMode())
	require.NoError(t, e.SetPlayoutMode(config.PlayoutModeStreaming))
	require.Equal(t, config.PlayoutModeStreaming, e.PlayoutMode())
	require.ErrorIs(t, e.SetPlayoutMode(config.PlayoutMode("turbo")), ErrInvalidPlayoutMode)
	require.Equal(t, config.PlayoutModeStreaming, e.PlayoutMode())
}

func TestEngineRegisteredCodecs(t *testing.T) {
	e := newTestEngine(t, nil)
	regs := e.RegisteredCodecs()
	require.Len(t, regs, 8)
	require.Equal(t, "pcmu", regs[0].Name)
	require.Equal(t, uint8(0), regs[0].PayloadType)
	require.Equal(t, "red", regs[7].Name)

	// re-registration replaces in place
	require.NoError(t, e.RegisterDecoder(0, codec.Capability(webrtc.MimeTypePCMA, 8000, 1), "pcma-alt"))
	regs = e.RegisteredCodecs()
	require.Len(t, regs, 8)
	require.Equal(t, "pcma-alt", regs[0].Name)
}

func TestEngineClose(t *testing.T) {
	e := newTestEngine(t, nil)
	w := &streamWriter{e: e, pt: 93, ssrc: testSSRC, seq: testSeq0, ts: testTs0, tsStep: 80}
	src := &sineSource{period: 80, amp: 8000}
	require.NoError(t, w.send(src.payload(80)))
	_ = pullFrame(t, e)

	e.Close()
	e.Close()

	// pulls after close still produce frames
	f := pullFrame(t, e)
	require.Equal(t, 80, f.SamplesPerChannel)
}
