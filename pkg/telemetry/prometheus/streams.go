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

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	atomicEngineCount        atomic.Int32
	atomicPacketsInserted    atomic.Uint64
	atomicFramesPulled       atomic.Uint64
	atomicSynthesizedSamples atomic.Uint64

	promEngineCount        prometheus.Gauge
	promPacketsInserted    *prometheus.CounterVec
	promInsertErrors       prometheus.Counter
	promFramesPulled       *prometheus.CounterVec
	promSynthesizedSamples prometheus.Counter
	promBufferFlushes      prometheus.Counter
	promDecodeErrors       prometheus.Counter
)

func initStreamStats(instanceID string) {
	constLabels := prometheus.Labels{"instance_id": instanceID}

	promEngineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   voicekitNamespace,
		Subsystem:   "playout",
		Name:        "engine_count",
		ConstLabels: constLabels,
	})
	promPacketsInserted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   voicekitNamespace,
		Subsystem:   "playout",
		Name:        "packets_inserted_total",
		ConstLabels: constLabels,
	}, []string{"kind"})
	promInsertErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   voicekitNamespace,
		Subsystem:   "playout",
		Name:        "insert_errors_total",
		ConstLabels: constLabels,
	})
	promFramesPulled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   voicekitNamespace,
		Subsystem:   "playout",
		Name:        "frames_pulled_total",
		ConstLabels: constLabels,
	}, []string{"output_type"})
	promSynthesizedSamples = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   voicekitNamespace,
		Subsystem:   "playout",
		Name:        "synthesized_samples_total",
		ConstLabels: constLabels,
	})
	promBufferFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   voicekitNamespace,
		Subsystem:   "playout",
		Name:        "buffer_flushes_total",
		ConstLabels: constLabels,
	})
	promDecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   voicekitNamespace,
		Subsystem:   "playout",
		Name:        "decode_errors_total",
		ConstLabels: constLabels,
	})

	prometheus.MustRegister(promEngineCount)
	prometheus.MustRegister(promPacketsInserted)
	prometheus.MustRegister(promInsertErrors)
	prometheus.MustRegister(promFramesPulled)
	prometheus.MustRegister(promSynthesizedSamples)
	prometheus.MustRegister(promBufferFlushes)
	prometheus.MustRegister(promDecodeErrors)
}

func EngineStarted() {
	atomicEngineCount.Inc()
	if promEngineCount != nil {
		promEngineCount.Inc()
	}
}

func EngineClosed() {
	atomicEngineCount.Dec()
	if promEngineCount != nil {
		promEngineCount.Dec()
	}
}

func IncPacketsInserted(kind string) {
	atomicPacketsInserted.Inc()
	if promPacketsInserted != nil {
		promPacketsInserted.WithLabelValues(kind).Inc()
	}
}

func IncInsertErrors() {
	if promInsertErrors != nil {
		promInsertErrors.Inc()
	}
}

func IncFramesPulled(outputType string) {
	atomicFramesPulled.Inc()
	if promFramesPulled != nil {
		promFramesPulled.WithLabelValues(outputType).Inc()
	}
}

func AddSynthesizedSamples(n uint64) {
	atomicSynthesizedSamples.Add(n)
	if promSynthesizedSamples != nil {
		promSynthesizedSamples.Add(float64(n))
	}
}

func IncBufferFlushes() {
	if promBufferFlushes != nil {
		promBufferFlushes.Inc()
	}
}

func IncDecodeErrors() {
	if promDecodeErrors != nil {
		promDecodeErrors.Inc()
	}
}

func EngineCount() int32 {
	return atomicEngineCount.Load()
}

func PacketsInserted() uint64 {
	return atomicPacketsInserted.Load()
}

func FramesPulled() uint64 {
	return atomicFramesPulled.Load()
}

func SynthesizedSamples() uint64 {
	return atomicSynthesizedSamples.Load()
}
