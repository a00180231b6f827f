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

package main

import (
	"fmt"
	"runtime"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/multierr"

	"github.com/livekit/protocol/logger"

	"github.com/voicekit/playout/pkg/config"
	"github.com/voicekit/playout/pkg/playout"
	"github.com/voicekit/playout/pkg/playout/codec"
)

type simParams struct {
	conf    *config.Config
	streams int
	dump    string
	seed    int64
	sched   scheduleParams
}

type payloadBinding struct {
	payloadType uint8
	name        string
	mimeType    string
	clockRate   uint32
	channels    uint16
}

// streamBindings is the payload table simulated streams run with. The
// redundancy carrier's clock follows the encoding it wraps.
func streamBindings(redClockRate uint32) []payloadBinding {
	return []payloadBinding{
		{0, "pcmu", webrtc.MimeTypePCMU, 8000, 1},
		{8, "pcma", webrtc.MimeTypePCMA, 8000, 1},
		{13, "cn", codec.MimeTypeCN, 8000, 1},
		{96, "l16", codec.MimeTypeL16, 16000, 1},
		{98, "cn", codec.MimeTypeCN, 16000, 1},
		{117, "red", codec.MimeTypeAudioRed, redClockRate, 1},
	}
}

type streamResult struct {
	name         string
	pulls        int
	outputs      map[playout.OutputType]int64
	insertErrors int
	pullErrors   int
	stats        playout.Statistics
	report       rtcp.ReceptionReport
	err          error
}

// runStreams fans the replay out over a worker pool, one engine per stream.
// Streams from a dump replay the same capture, synthetic streams draw their
// own loss and jitter.
func runStreams(params simParams) ([]*streamResult, error) {
	var dumpEvents []packetEvent
	if params.dump != "" {
		var err error
		dumpEvents, err = readDump(params.dump)
		if err != nil {
			return nil, err
		}
		if len(dumpEvents) == 0 {
			return nil, fmt.Errorf("dump %s holds no RTP packets", params.dump)
		}
	}

	logger.Infow("starting replay",
		"streams", params.streams,
		"dump", params.dump,
		"codec", params.sched.codec,
		"seed", params.seed,
	)

	results := make([]*streamResult, params.streams)
	pool := workerpool.New(runtime.NumCPU())
	for i := 0; i < params.streams; i++ {
		i := i
		pool.Submit(func() {
			name := fmt.Sprintf("stream-%d", i+1)
			events := dumpEvents
			end := time.Duration(0)
			if events == nil {
				sched := params.sched
				sched.seed = params.seed + int64(i)
				var err error
				events, err = generateSchedule(sched)
				if err != nil {
					results[i] = &streamResult{name: name, err: err}
					return
				}
				end = sched.duration
			}
			results[i] = replayStream(params.conf, name, params.sched, events, end)
		})
	}
	pool.StopWait()

	var err error
	for _, res := range results {
		if res.err != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", res.name, res.err))
		}
	}
	return results, err
}

func replayStream(conf *config.Config, name string, sched scheduleParams, events []packetEvent, end time.Duration) *streamResult {
	res := &streamResult{
		name:    name,
		outputs: make(map[playout.OutputType]int64),
	}

	e, err := playout.NewEngine(playout.EngineParams{
		Config: conf,
		Logger: logger.GetLogger().WithValues("stream", name),
	})
	if err != nil {
		res.err = err
		return res
	}
	defer e.Close()

	redClock := uint32(8000)
	if src, err := newPayloadSource(sched.codec); err == nil {
		redClock = uint32(src.rate)
	}
	for _, b := range streamBindings(redClock) {
		if err := e.RegisterDecoder(b.payloadType, codec.Capability(b.mimeType, b.clockRate, b.channels), b.name); err != nil {
			res.err = err
			return res
		}
	}

	// total loss leaves the schedule empty, the run is then pure concealment
	if len(events) > 0 {
		if last := events[len(events)-1].arrival; last > end {
			end = last
		}
	}

	base := time.Now()
	idx := 0
	for t := time.Duration(0); ; t += framePeriod {
		for idx < len(events) && events[idx].arrival <= t {
			ev := events[idx]
			idx++
			if err := e.InsertPacket(ev.hdr, ev.payload, base.Add(ev.arrival)); err != nil {
				res.insertErrors++
			}
		}

		frame, err := e.PullAudioFrame()
		if err != nil {
			res.pullErrors++
		}
		res.pulls++
		res.outputs[frame.Type]++

		if t >= end && idx >= len(events) {
			break
		}
	}

	res.stats = e.GetStatistics()
	res.report = e.GetRTCPReceptionReport()
	return res
}
