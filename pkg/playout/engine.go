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

// Package playout implements an adaptive audio playout engine. It absorbs
// network jitter, loss, duplication, reordering and clock drift between an
// RTP sender and a sink pulling one 10 ms frame per tick.
package playout

import (
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/logger"

	"github.com/voicekit/playout/pkg/config"
	"github.com/voicekit/playout/pkg/playout/audio"
	"github.com/voicekit/playout/pkg/playout/codec"
	putils "github.com/voicekit/playout/pkg/playout/utils"
	"github.com/voicekit/playout/pkg/telemetry/prometheus"
)

const (
	frameMs = 10

	noiseSeed = 362436069

	levelActiveDBov      = 35
	levelMinPercentile   = 40
	levelObserveDuration = 500
	levelSmoothIntervals = 4
)

type EngineParams struct {
	Config *config.Config
	Logger logger.Logger
}

// Engine is one stream's playout state. All methods must be called from a
// single owner, the engine does not serialize concurrent insert and pull.
type Engine struct {
	params EngineParams

	registry    *codec.Registry
	buffer      *packetBuffer
	syncBuf     *syncBuffer
	delay       *delayManager
	levelFilter *bufferLevelFilter
	scaler      *timeScaler
	expander    *expander
	cng         *comfortNoise
	stats       *statsTracker
	arrivals    *arrivalTracker
	meter       *audio.Level

	seqWrap *putils.WrapAround[uint16, uint64]
	tsWrap  *putils.WrapAround[uint32, uint64]

	mode config.PlayoutMode

	sampleRate int
	channels   int

	tick        uint64
	mediaCursor uint64
	pulledFirst bool
	anchored    bool
	cnActive    bool

	// per channel samples at the cursor not backed by decoded media; a late
	// packet overlapping this tail re-anchors playout instead of being dropped
	syntheticTail int

	ssrc       uint32
	ssrcSet    bool
	hasPackets bool
	lastRealPT uint8

	// per channel duration of the most recent decoded packet, for occupancy
	lastFrameSamples int

	lastErr            error
	lastDecoderErrCode int

	state    controllerState
	frameBuf []int16

	closed core.Fuse
}

func NewEngine(params EngineParams) (*Engine, error) {
	if params.Config == nil {
		params.Config = config.DefaultConfig()
	}
	if err := params.Config.Validate(); err != nil {
		return nil, err
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	conf := params.Config
	noise := newNoiseSource(noiseSeed)
	e := &Engine{
		params: params,
		registry: codec.NewRegistry(codec.RegistryParams{
			Logger: params.Logger,
		}),
		buffer: newPacketBuffer(packetBufferParams{
			MaxPackets: conf.MaxPackets,
			Logger:     params.Logger,
		}),
		syncBuf: newSyncBuffer(conf.SampleRate, 1),
		delay: newDelayManager(delayManagerParams{
			ForgettingFactor: conf.Delay.ForgettingFactor,
			TargetQuantile:   conf.Delay.TargetQuantile,
			MaxIATPackets:    conf.Delay.MaxIATPackets,
			MinDelayMs:       conf.Delay.MinimumMs,
			MaxDelayMs:       conf.Delay.MaximumMs,
			MaxBufferPackets: conf.MaxPackets,
			Logger:           params.Logger,
		}),
		levelFilter: &bufferLevelFilter{},
		scaler:      newTimeScaler(conf.SampleRate, 1),
		expander: newExpander(expanderParams{
			BackgroundNoise:    conf.BackgroundNoise,
			FadeThresholdTicks: conf.Expand.FadeThresholdTicks,
			MuteDecayPerTick:   conf.Expand.MuteDecayPerTick,
		}, conf.SampleRate, 1, noise),
		cng: newComfortNoise(conf.SampleRate, 1, noise),
		stats: newStatsTracker(statsTrackerParams{
			WaitingHistoryDepth: conf.Stats.WaitingHistoryDepth,
		}),
		arrivals: &arrivalTracker{},
		meter: audio.NewLevel(audio.LevelParams{
			ActiveLevel:     levelActiveDBov,
			MinPercentile:   levelMinPercentile,
			ObserveDuration: levelObserveDuration,
			SmoothIntervals: levelSmoothIntervals,
		}),
		seqWrap:    putils.NewWrapAround[uint16, uint64](),
		tsWrap:     putils.NewWrapAround[uint32, uint64](),
		mode:       conf.PlayoutMode,
		sampleRate: conf.SampleRate,
		channels:   1,
		state:      stateInitial,
	}

	prometheus.EngineStarted()
	return e, nil
}

// RegisterDecoder binds payloadType to a built-in decoder described by the
// capability.
func (e *Engine) RegisterDecoder(payloadType uint8, capability webrtc.RTPCodecCapability, name string) error {
	if err := e.registry.Register(payloadType, capability, name); err != nil {
		e.lastErr = err
		return err
	}
	return nil
}

// RegisterExternalDecoder binds payloadType to a caller-supplied decoder.
func (e *Engine) RegisterExternalDecoder(dec codec.Decoder, payloadType uint8, name string, sampleRate int) error {
	if err := e.registry.RegisterExternal(dec, payloadType, name, sampleRate); err != nil {
		e.lastErr = err
		return err
	}
	return nil
}

// InsertPacket accepts one received packet. A packet carrying a new SSRC
// restarts the stream. Inserting into a full buffer flushes it first and
// reports ErrBufferFlushed after storing the packet.
func (e *Engine) InsertPacket(hdr rtp.Header, payload []byte, receivedAt time.Time) error {
	if len(payload) == 0 {
		return e.insertFailed(ErrMalformedHeader)
	}
	reg, ok := e.registry.Lookup(hdr.PayloadType)
	if !ok {
		return e.insertFailed(ErrUnknownPayloadType)
	}

	if e.ssrcSet && hdr.SSRC != e.ssrc {
		e.restartStream(hdr.SSRC)
	}
	p := e.newPacket(hdr, reg)
	p.payload = append([]byte(nil), payload...)

	if reg.Class == codec.ClassRedundancy {
		return e.insertRED(p)
	}
	if reg.Class == codec.ClassSpeech {
		e.delay.update(p.extTimestamp, reg.SampleRate, e.tick)
	}
	e.arrivals.record(p.extSeqNo, p.extTimestamp, e.tick, reg.SampleRate)
	e.stats.recordReceived()
	prometheus.IncPacketsInserted(reg.Class.String())

	return e.store(p)
}

// InsertPlaceholderPacket records a packet known to exist whose payload is
// unavailable. It holds the timing position and decodes to silence unless a
// real packet with the same sequence number and timestamp supersedes it.
func (e *Engine) InsertPlaceholderPacket(hdr rtp.Header, receivedAt time.Time) error {
	if !e.hasPackets {
		return e.insertFailed(ErrPlaceholderFirstPacket)
	}
	reg, ok := e.registry.Lookup(hdr.PayloadType)
	if !ok {
		return e.insertFailed(ErrUnknownPayloadType)
	}
	if reg.Class != codec.ClassSpeech {
		return e.insertFailed(ErrPlaceholderPayloadClass)
	}
	if hdr.PayloadType != e.lastRealPT {
		return e.insertFailed(ErrPlaceholderCodecChange)
	}
	if e.ssrcSet && hdr.SSRC != e.ssrc {
		return e.insertFailed(ErrSSRCMismatch)
	}

	p := e.newPacket(hdr, reg)
	e.delay.update(p.extTimestamp, reg.SampleRate, e.tick)
	e.arrivals.record(p.extSeqNo, p.extTimestamp, e.tick, reg.SampleRate)
	e.stats.recordReceived()
	prometheus.IncPacketsInserted("placeholder")

	return e.store(p)
}

// newPacket stamps extended counters and stream bookkeeping shared by all
// insert paths.
func (e *Engine) newPacket(hdr rtp.Header, reg *codec.Registration) *packet {
	extSeq, _ := e.seqWrap.Update(hdr.SequenceNumber)
	extTs, _ := e.tsWrap.Update(hdr.Timestamp)

	if !e.ssrcSet {
		e.ssrc = hdr.SSRC
		e.ssrcSet = true
	}
	if !e.hasPackets {
		e.hasPackets = true
		e.mediaCursor = extTs
		e.syntheticTail = 0
	}
	e.lastRealPT = hdr.PayloadType

	return &packet{
		seqNo:        hdr.SequenceNumber,
		timestamp:    hdr.Timestamp,
		extSeqNo:     extSeq,
		extTimestamp: extTs,
		payloadType:  hdr.PayloadType,
		ssrc:         hdr.SSRC,
		marker:       hdr.Marker,
		class:        reg.Class,
		sampleRate:   reg.SampleRate,
		insertTick:   e.tick,
	}
}

// insertRED splits a redundancy payload and stores each carried encoding.
// Blocks with unregistered payload types are skipped.
func (e *Engine) insertRED(carrier *packet) error {
	blocks, err := parseRED(carrier.payload)
	if err != nil {
		return e.insertFailed(ErrMalformedHeader)
	}

	e.arrivals.record(carrier.extSeqNo, carrier.extTimestamp, e.tick, carrier.sampleRate)
	e.stats.recordReceived()
	prometheus.IncPacketsInserted(codec.ClassRedundancy.String())

	var insertErr error
	for _, block := range blocks {
		reg, ok := e.registry.Lookup(block.payloadType)
		if !ok || len(block.payload) == 0 {
			continue
		}
		if reg.Class == codec.ClassRedundancy {
			// nested redundancy is not expanded
			continue
		}
		if uint64(block.timestampOffset) > carrier.extTimestamp {
			continue
		}
		blockTs := carrier.extTimestamp - uint64(block.timestampOffset)
		if blockTs < e.staleCursor() {
			// redundant copy of media already played out
			continue
		}

		p := &packet{
			seqNo:        carrier.seqNo,
			timestamp:    carrier.timestamp - block.timestampOffset,
			extSeqNo:     carrier.extSeqNo,
			extTimestamp: blockTs,
			payloadType:  block.payloadType,
			ssrc:         carrier.ssrc,
			marker:       carrier.marker,
			payload:      append([]byte(nil), block.payload...),
			class:        reg.Class,
			sampleRate:   reg.SampleRate,
			secondary:    !block.primary,
			insertTick:   e.tick,
		}
		if block.primary && reg.Class == codec.ClassSpeech {
			e.delay.update(p.extTimestamp, reg.SampleRate, e.tick)
		}
		if err := e.store(p); err != nil {
			insertErr = err
		}
	}
	return insertErr
}

func (e *Engine) store(p *packet) error {
	switch e.buffer.insert(p) {
	case insertDuplicate:
		if !p.secondary {
			// a redundancy copy duplicating buffered media is the expected
			// case, only independently received packets count as discarded
			e.stats.recordDiscarded(1)
		}
		return nil
	case insertFlushed:
		e.stats.recordFlush()
		prometheus.IncBufferFlushes()
		e.lastErr = ErrBufferFlushed
		return ErrBufferFlushed
	default:
		return nil
	}
}

func (e *Engine) insertFailed(err error) error {
	e.lastErr = err
	prometheus.IncInsertErrors()
	return err
}

// PullAudioFrame produces exactly one frame of audio at the current output
// rate. It never fails to produce a frame; a decode failure returns the
// zero-filled frame together with the error.
func (e *Engine) PullAudioFrame() (Frame, error) {
	e.tick++
	e.pulledFirst = true

	if n := e.buffer.discardOlderThan(e.staleCursor()); n > 0 {
		e.stats.recordDiscarded(n)
	}

	due := e.nextDue()
	if due != nil && due.class == codec.ClassSpeech {
		if reg, ok := e.registry.Lookup(due.payloadType); ok &&
			(reg.SampleRate != e.sampleRate || reg.Channels != e.channels) {
			e.setFormat(reg.SampleRate, reg.Channels)
		}
	}

	frameSamples := e.frameSamples()
	total := frameSamples * e.channels
	if cap(e.frameBuf) < total {
		e.frameBuf = make([]int16, total)
	}
	frame := e.frameBuf[:total]

	e.levelFilter.update(e.occupancySamples())

	var (
		report  tickReport
		outType OutputType
		pullErr error
	)
	report.emittedSamples = frameSamples

	switch {
	case due == nil && e.syncBuf.futureSamples() > 0:
		// audio left over from time scaling drains before any synthesis
		outType = e.pullFuture(frame, &report)
	case due == nil:
		outType = e.pullWithoutPacket(frame, &report)
	case due.class == codec.ClassComfortNoise:
		outType = e.pullComfortNoise(frame, due, &report)
	case due.class == codec.ClassEvent:
		// out-of-band events carry no audio, consume and fill the tick
		e.buffer.pop()
		e.params.Logger.Debugw("consumed event packet", "seqNo", due.seqNo, "payloadType", due.payloadType)
		outType = e.pullWithoutPacket(frame, &report)
	default:
		outType, pullErr = e.pullSpeech(frame, &report)
	}

	if outType == OutputNormal && pullErr == nil {
		e.meter.Observe(frame, frameMs)
	}
	e.syncBuf.noteEmitted(frame)
	e.stats.recordTick(report)
	prometheus.IncFramesPulled(outType.String())
	if report.synthesizedSamples > 0 {
		prometheus.AddSynthesizedSamples(uint64(report.synthesizedSamples))
	}

	level, _ := e.meter.GetLevel()
	return Frame{
		Data:              frame,
		SampleRate:        e.sampleRate,
		Channels:          e.channels,
		SamplesPerChannel: frameSamples,
		Type:              outType,
		Level:             level,
	}, pullErr
}

// nextDue returns the earliest packet ready for consumption. A packet far
// ahead of the cursor marks a timeline discontinuity and re-anchors playout.
func (e *Engine) nextDue() *packet {
	front := e.buffer.peek()
	if front == nil {
		return nil
	}
	if front.extTimestamp <= e.mediaCursor {
		return front
	}
	if front.extTimestamp-e.mediaCursor > e.jumpThresholdSamples() {
		e.params.Logger.Debugw(
			"timestamp discontinuity, re-anchoring playout",
			"cursor", e.mediaCursor,
			"packetTimestamp", front.extTimestamp,
		)
		e.mediaCursor = front.extTimestamp
		e.syntheticTail = 0
		return front
	}
	return nil
}

func (e *Engine) jumpThresholdSamples() uint64 {
	return uint64(e.params.Config.MaxPackets) * uint64(e.frameSamples())
}

// staleCursor is the discard horizon. Cursor positions covered only by
// synthesized output keep a one frame grace window open so a packet carrying
// the real media for them is still consumable.
func (e *Engine) staleCursor() uint64 {
	grace := e.syntheticTail
	if fs := e.frameSamples(); grace > fs {
		grace = fs
	}
	if e.mediaCursor < uint64(grace) {
		return 0
	}
	return e.mediaCursor - uint64(grace)
}

// pullSpeech decodes due packets, optionally time scales, and emits one frame.
func (e *Engine) pullSpeech(frame []int16, report *tickReport) (OutputType, error) {
	frameSamples := len(frame) / e.channels

	scaling := scaleNone
	if e.anchored {
		scaling = scalingDecisionFor(e.mode, e.levelFilter.get(), e.delay.targetSamples(e.sampleRate), e.sampleRate)
	}
	wantInput := frameSamples
	if scaling != scaleNone {
		wantInput = e.scaler.minInputSamples() / e.channels
	}

	var waits []int
	for e.syncBuf.futureSamples() < wantInput {
		p := e.nextDue()
		if p == nil || p.class != codec.ClassSpeech {
			break
		}
		e.buffer.pop()

		decoded, err := e.decodePacket(p, frameSamples)
		if err != nil {
			return e.decodeFailed(frame, p, report, err)
		}

		perChannel := len(decoded) / e.channels
		waits = append(waits, int(e.tick-p.insertTick)*frameMs)
		if p.secondary {
			report.secondarySamples += perChannel
		}
		e.syncBuf.appendFuture(decoded)
		e.mediaCursor = p.extTimestamp + uint64(perChannel)
		e.syntheticTail = 0
		e.lastFrameSamples = perChannel
		e.anchored = true
		e.cnActive = false
		e.expander.reset()
	}
	report.waitingTimesMs = waits

	outType := OutputNormal
	nextState := stateNormal
	switch scaling {
	case scaleAccelerate:
		scaled, removed := e.scaler.accelerate(e.syncBuf.futureSlice())
		if removed > 0 {
			e.syncBuf.replaceFuture(scaled)
			e.levelFilter.adjust(-removed)
			report.accelerateSamples = removed
			nextState = stateTimeScaled
		}
	case scalePreemptive:
		scaled, added := e.scaler.preemptiveExpand(e.syncBuf.futureSlice())
		if added > 0 {
			e.syncBuf.replaceFuture(scaled)
			e.levelFilter.adjust(added)
			report.preemptiveSamples = added
			nextState = stateTimeScaled
		}
	}

	n := e.syncBuf.takeFuture(frame)
	if n < len(frame) {
		// partial decode, pad the remainder as concealed media
		for i := n; i < len(frame); i++ {
			frame[i] = 0
		}
		shortfall := (len(frame) - n) / e.channels
		report.synthesizedSamples += shortfall
		e.mediaCursor += uint64(shortfall)
		e.syntheticTail += shortfall
	}
	e.setState(nextState)
	return outType, nil
}

// pullFuture drains decoded samples held over from a time scaling tick.
func (e *Engine) pullFuture(frame []int16, report *tickReport) OutputType {
	n := e.syncBuf.takeFuture(frame)
	if n < len(frame) {
		for i := n; i < len(frame); i++ {
			frame[i] = 0
		}
		shortfall := (len(frame) - n) / e.channels
		report.synthesizedSamples += shortfall
		e.mediaCursor += uint64(shortfall)
		e.syntheticTail += shortfall
	}
	e.setState(stateNormal)
	return OutputNormal
}

// decodeFailed consumes the undecodable packet and emits a zero frame,
// leaving buffered audio intact for the following ticks.
func (e *Engine) decodeFailed(frame []int16, p *packet, report *tickReport, err error) (OutputType, error) {
	e.lastErr = err
	if code, ok := codec.ErrorCode(err); ok {
		e.lastDecoderErrCode = code
	}
	prometheus.IncDecodeErrors()
	e.params.Logger.Warnw("decode failed", err,
		"payloadType", p.payloadType,
		"seqNo", p.seqNo,
	)

	for i := range frame {
		frame[i] = 0
	}
	frameSamples := len(frame) / e.channels
	report.synthesizedSamples += frameSamples
	e.mediaCursor += uint64(frameSamples)
	e.syntheticTail += frameSamples
	e.setState(stateNormal)
	return OutputNormal, err
}

func (e *Engine) decodePacket(p *packet, frameSamples int) ([]int16, error) {
	if p.isPlaceholder() {
		n := e.lastFrameSamples
		if n == 0 {
			n = frameSamples
		}
		return make([]int16, n*e.channels), nil
	}

	reg, ok := e.registry.Lookup(p.payloadType)
	if !ok || reg.Decoder == nil {
		return nil, ErrUnknownPayloadType
	}
	return reg.Decoder.Decode(p.payload)
}

// pullComfortNoise consumes a due comfort noise packet and emits one frame of
// shaped noise. Byte-identical repeats are drained without touching state.
func (e *Engine) pullComfortNoise(frame []int16, due *packet, report *tickReport) OutputType {
	frameSamples := len(frame) / e.channels

	e.buffer.pop()
	e.buffer.popIdentical(due)
	if e.cng.update(due.payload) {
		e.params.Logger.Debugw("comfort noise parameters updated",
			"seqNo", due.seqNo,
			"payloadType", due.payloadType,
		)
	}
	e.cnActive = true
	e.expander.reset()
	e.mediaCursor = due.extTimestamp + uint64(frameSamples)
	e.syntheticTail = 0
	report.waitingTimesMs = append(report.waitingTimesMs, int(e.tick-due.insertTick)*frameMs)

	e.cng.generate(frame)
	report.synthesizedSamples += frameSamples
	e.setState(stateComfortNoise)
	return OutputComfortNoise
}

// pullWithoutPacket fills a tick that has no due packet: comfort noise while
// a noise run is active, concealment after speech, silence before anything
// has arrived.
func (e *Engine) pullWithoutPacket(frame []int16, report *tickReport) OutputType {
	frameSamples := len(frame) / e.channels

	switch {
	case e.cnActive && e.cng.hasParameters():
		e.cng.generate(frame)
		e.mediaCursor += uint64(frameSamples)
		e.syntheticTail += frameSamples
		report.synthesizedSamples += frameSamples
		e.setState(stateComfortNoise)
		return OutputComfortNoise

	case e.anchored:
		if !e.expander.isActive() {
			e.expander.activate(
				e.syncBuf.historyTail(scaleInputMs*e.sampleRate/1000),
				e.scaler,
				e.meter.NoiseFloor(),
			)
		}
		outType := e.expander.generate(frame)
		e.mediaCursor += uint64(frameSamples)
		e.syntheticTail += frameSamples
		report.synthesizedSamples += frameSamples
		report.expandSamples += frameSamples
		if outType == OutputConcealment {
			report.speechExpandSamples += frameSamples
			e.setState(stateConcealment)
		} else {
			e.setState(stateConcealmentToComfortNoise)
		}
		return outType

	default:
		// nothing has arrived yet, emit silence at the configured rate
		for i := range frame {
			frame[i] = 0
		}
		e.mediaCursor += uint64(frameSamples)
		e.syntheticTail += frameSamples
		report.synthesizedSamples += frameSamples
		return OutputComfortNoise
	}
}

// setFormat switches the output rate and channel count, resetting audio
// history but not statistics.
func (e *Engine) setFormat(sampleRate int, channels int) {
	e.params.Logger.Infow("output format changed",
		"sampleRate", sampleRate,
		"channels", channels,
		"previousRate", e.sampleRate,
	)
	e.sampleRate = sampleRate
	e.channels = channels
	e.syncBuf.setFormat(sampleRate, channels)
	e.scaler.setFormat(sampleRate, channels)
	e.expander.setFormat(sampleRate, channels)
	e.cng.setFormat(sampleRate, channels)
	e.levelFilter.reset()
	e.lastFrameSamples = 0
	e.syntheticTail = 0
}

// restartStream re-establishes the stream on an SSRC change: new timeline,
// flushed buffers, lifetime statistics retained.
func (e *Engine) restartStream(ssrc uint32) {
	e.params.Logger.Infow("stream SSRC changed, restarting playout",
		"ssrc", ssrc,
		"previousSSRC", e.ssrc,
	)
	e.buffer.flush()
	e.syncBuf.reset()
	e.expander.reset()
	e.cng.reset()
	e.levelFilter.reset()
	e.delay.reset()
	e.arrivals.reset()
	e.meter.Reset()
	e.seqWrap = putils.NewWrapAround[uint16, uint64]()
	e.tsWrap = putils.NewWrapAround[uint32, uint64]()
	e.ssrc = ssrc
	e.hasPackets = false
	e.anchored = false
	e.cnActive = false
	e.mediaCursor = 0
	e.syntheticTail = 0
	e.setState(stateInitial)
}

func (e *Engine) frameSamples() int {
	return e.sampleRate * frameMs / 1000
}

// occupancySamples reports buffered audio in per channel samples, packets
// plus decoded samples awaiting emission. Packet extent is unknown until
// decode, each counts as the most recent decoded duration.
func (e *Engine) occupancySamples() int {
	lastFrame := e.lastFrameSamples
	if lastFrame == 0 {
		lastFrame = e.frameSamples()
	}
	return e.buffer.len()*lastFrame + e.syncBuf.futureSamples()
}

func (e *Engine) setState(s controllerState) {
	if e.state == s {
		return
	}
	e.params.Logger.Debugw("playout state changed", "from", e.state, "to", s)
	e.state = s
}

// GetPlayoutTimestamp reports the cumulative playout position in media
// timestamp units, unavailable before the first pull.
func (e *Engine) GetPlayoutTimestamp() (uint32, bool) {
	if !e.pulledFirst {
		return 0, false
	}
	return uint32(e.mediaCursor - uint64(e.syncBuf.futureSamples())), true
}

// GetStatistics assembles a snapshot and resets the waiting time histogram.
func (e *Engine) GetStatistics() Statistics {
	return e.stats.snapshot(snapshotInputs{
		currentBufferMs:   e.occupancySamples() * 1000 / e.sampleRate,
		preferredBufferMs: e.delay.targetMs(),
		clockDriftPPM:     e.delay.driftPPM(),
		expectedPackets:   e.arrivals.expected(),
		lostPackets:       e.arrivals.lost(),
	})
}

// GetRTCPReceptionReport builds a reception report block for the stream.
func (e *Engine) GetRTCPReceptionReport() rtcp.ReceptionReport {
	return e.arrivals.report(e.ssrc)
}

func (e *Engine) LastError() error {
	return e.lastErr
}

// LastDecoderErrorCode reports the native code of the most recent decoder
// failure.
func (e *Engine) LastDecoderErrorCode() int {
	return e.lastDecoderErrCode
}

func (e *Engine) LastOutputSampleRate() int {
	return e.sampleRate
}

// CurrentDelayMs reports the filtered buffer occupancy.
func (e *Engine) CurrentDelayMs() int {
	return e.levelFilter.get() * 1000 / e.sampleRate
}

// TargetDelayMs reports the adaptive preferred occupancy.
func (e *Engine) TargetDelayMs() int {
	return e.delay.targetMs()
}

// SetMinimumDelay raises the lower clamp of the adaptive target delay.
func (e *Engine) SetMinimumDelay(ms int) error {
	if ms < 0 {
		return ErrInvalidDelay
	}
	e.delay.setMinimum(ms)
	return nil
}

// SetMaximumDelay caps the adaptive target delay, zero removes the cap.
func (e *Engine) SetMaximumDelay(ms int) error {
	if ms < 0 {
		return ErrInvalidDelay
	}
	e.delay.setMaximum(ms)
	return nil
}

// SetPlayoutMode switches time scaling policy at runtime.
func (e *Engine) SetPlayoutMode(mode config.PlayoutMode) error {
	switch mode {
	case config.PlayoutModeNormal, config.PlayoutModeFax, config.PlayoutModeStreaming:
		e.mode = mode
		return nil
	default:
		return ErrInvalidPlayoutMode
	}
}

func (e *Engine) PlayoutMode() config.PlayoutMode {
	return e.mode
}

// RegisteredCodecs lists payload bindings in registration order.
func (e *Engine) RegisteredCodecs() []*codec.Registration {
	return e.registry.Registrations()
}

// FlushBuffers empties the packet buffer and synthesis history. Statistics
// and the playout timeline are retained.
func (e *Engine) FlushBuffers() {
	flushed := e.buffer.flush()
	e.syncBuf.reset()
	e.expander.reset()
	if flushed > 0 {
		e.stats.recordFlush()
		prometheus.IncBufferFlushes()
	}
	e.params.Logger.Debugw("buffers flushed", "droppedPackets", flushed)
}

// Close is idempotent. The engine keeps producing silence if pulled after
// close; Close only ends telemetry emission.
func (e *Engine) Close() {
	if e.closed.IsBroken() {
		return
	}
	e.closed.Break()
	prometheus.EngineClosed()
	e.params.Logger.Debugw("playout engine closed")
}
