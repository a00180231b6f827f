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
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/voicekit/playout/pkg/playout"
	"github.com/voicekit/playout/pkg/playout/codec"
	"github.com/voicekit/playout/pkg/telemetry/prometheus"
)

func printResults(w io.Writer, results []*streamResult) {
	table := tablewriter.NewWriter(w)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{
		"Stream",
		"Pulls",
		"Normal / Expand / CN / Fade",
		"Buffer ms\ncur / target",
		"Loss / Discard",
		"Expand / Accel / Preempt",
		"Drift PPM",
		"Synthesized",
		"Waiting ms\nmean / med / min / max",
		"Errors\nins / pull",
	})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_CENTER,
	})

	for _, res := range results {
		if res.err != nil {
			table.Append([]string{res.name, "-", fmt.Sprintf("failed: %v", res.err), "-", "-", "-", "-", "-", "-", "-"})
			continue
		}
		stats := res.stats
		table.Append([]string{
			res.name,
			humanize.Comma(int64(res.pulls)),
			fmt.Sprintf("%s / %s / %s / %s",
				humanize.Comma(res.outputs[playout.OutputNormal]),
				humanize.Comma(res.outputs[playout.OutputConcealment]),
				humanize.Comma(res.outputs[playout.OutputComfortNoise]),
				humanize.Comma(res.outputs[playout.OutputConcealmentToComfortNoise])),
			fmt.Sprintf("%d / %d", stats.CurrentBufferMs, stats.PreferredBufferMs),
			fmt.Sprintf("%.3f / %.3f", stats.PacketLossRate, stats.PacketDiscardRate),
			fmt.Sprintf("%.3f / %.3f / %.3f", stats.ExpandRate, stats.AccelerateRate, stats.PreemptiveRate),
			humanize.Comma(int64(stats.ClockDriftPPM)),
			strings.TrimSpace(humanize.SIWithDigits(float64(stats.SynthesizedSamples), 2, "")),
			fmt.Sprintf("%d / %d / %d / %d",
				stats.MeanWaitingTimeMs, stats.MedianWaitingTimeMs, stats.MinWaitingTimeMs, stats.MaxWaitingTimeMs),
			fmt.Sprintf("%d / %d", res.insertErrors, res.pullErrors),
		})
	}
	table.Render()

	printReceptionReports(w, results)
}

func printReceptionReports(w io.Writer, results []*streamResult) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Stream", "SSRC", "Fraction Lost", "Total Lost", "Highest Seq", "Jitter"})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
	})

	for _, res := range results {
		if res.err != nil {
			continue
		}
		table.Append([]string{
			res.name,
			fmt.Sprintf("%08x", res.report.SSRC),
			fmt.Sprintf("%d/256", res.report.FractionLost),
			humanize.Comma(int64(res.report.TotalLost)),
			humanize.Comma(int64(res.report.LastSequenceNumber)),
			humanize.Comma(int64(res.report.Jitter)),
		})
	}
	table.Render()
}

// printMetrics renders the process wide counters the telemetry package
// keeps alongside its Prometheus registrations.
func printMetrics(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Counter", "Value"})
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT})

	table.Append([]string{"engines", fmt.Sprintf("%d", prometheus.EngineCount())})
	table.Append([]string{"packets inserted", humanize.Comma(int64(prometheus.PacketsInserted()))})
	table.Append([]string{"frames pulled", humanize.Comma(int64(prometheus.FramesPulled()))})
	table.Append([]string{"synthesized samples", humanize.Comma(int64(prometheus.SynthesizedSamples()))})
	table.Render()
}

func printBindings(w io.Writer, bindings []payloadBinding) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"PT", "Name", "MIME", "Clock", "Channels", "Class"})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_LEFT,
	})

	for _, b := range bindings {
		table.Append([]string{
			fmt.Sprintf("%d", b.payloadType),
			b.name,
			b.mimeType,
			fmt.Sprintf("%d", b.clockRate),
			fmt.Sprintf("%d", b.channels),
			codec.ClassifyMimeType(b.mimeType).String(),
		})
	}
	table.Render()
}
