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

package config

import (
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
)

type PlayoutMode string

const (
	// PlayoutModeNormal enables adaptive time scaling.
	PlayoutModeNormal PlayoutMode = "normal"
	// PlayoutModeFax disables time scaling entirely, for signals that do
	// not survive waveform-similarity splicing.
	PlayoutModeFax PlayoutMode = "fax"
	// PlayoutModeStreaming widens the scaling hysteresis for one-way media.
	PlayoutModeStreaming PlayoutMode = "streaming"
)

type BackgroundNoiseMode string

const (
	BackgroundNoiseOn   BackgroundNoiseMode = "on"
	BackgroundNoiseOff  BackgroundNoiseMode = "off"
	BackgroundNoiseFade BackgroundNoiseMode = "fade"
)

type Config struct {
	// output rate used before the first packet establishes the stream rate
	SampleRate int `yaml:"sample_rate,omitempty"`
	// packet buffer capacity; a full buffer is flushed on insert
	MaxPackets      int                 `yaml:"max_packets,omitempty"`
	PlayoutMode     PlayoutMode         `yaml:"playout_mode,omitempty"`
	BackgroundNoise BackgroundNoiseMode `yaml:"background_noise,omitempty"`
	Delay           DelayConfig         `yaml:"delay,omitempty"`
	Expand          ExpandConfig        `yaml:"expand,omitempty"`
	Stats           StatsConfig         `yaml:"stats,omitempty"`
	Logging         LoggingConfig       `yaml:"logging,omitempty"`
}

type DelayConfig struct {
	MinimumMs int `yaml:"minimum_ms,omitempty"`
	MaximumMs int `yaml:"maximum_ms,omitempty"`
	// per-packet forgetting factor of the inter-arrival histogram
	ForgettingFactor float64 `yaml:"forgetting_factor,omitempty"`
	// quantile of the inter-arrival distribution targeted by the buffer
	TargetQuantile float64 `yaml:"target_quantile,omitempty"`
	// histogram span in packet intervals
	MaxIATPackets int `yaml:"max_iat_packets,omitempty"`
}

type ExpandConfig struct {
	// consecutive concealment ticks before background noise starts fading
	FadeThresholdTicks int `yaml:"fade_threshold_ticks,omitempty"`
	// voiced energy retained per concealment tick
	MuteDecayPerTick float64 `yaml:"mute_decay_per_tick,omitempty"`
}

type StatsConfig struct {
	// waiting-time entries retained between statistics reads
	WaitingHistoryDepth int `yaml:"waiting_history_depth,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
}

func DefaultConfig() *Config {
	return &Config{
		SampleRate:      8000,
		MaxPackets:      50,
		PlayoutMode:     PlayoutModeNormal,
		BackgroundNoise: BackgroundNoiseOn,
		Delay: DelayConfig{
			ForgettingFactor: 0.9993,
			TargetQuantile:   0.95,
			MaxIATPackets:    64,
		},
		Expand: ExpandConfig{
			FadeThresholdTicks: 611,
			MuteDecayPerTick:   0.9,
		},
		Stats: StatsConfig{
			WaitingHistoryDepth: 100,
		},
	}
}

func NewConfig(confString string, strictMode bool) (*Config, error) {
	conf := DefaultConfig()
	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(conf); err != nil {
			return nil, errors.Wrap(err, "could not parse config")
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func NewConfigFromFile(path string, strictMode bool) (*Config, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not expand config path %s", path)
	}
	body, err := os.ReadFile(expanded)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read config file %s", expanded)
	}
	return NewConfig(string(body), strictMode)
}

func (conf *Config) Validate() error {
	switch conf.SampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return errors.Errorf("unsupported sample rate %d", conf.SampleRate)
	}
	if conf.MaxPackets < 2 {
		return errors.Errorf("max_packets must be at least 2, got %d", conf.MaxPackets)
	}
	switch conf.PlayoutMode {
	case PlayoutModeNormal, PlayoutModeFax, PlayoutModeStreaming:
	default:
		return errors.Errorf("unknown playout mode %q", conf.PlayoutMode)
	}
	switch conf.BackgroundNoise {
	case BackgroundNoiseOn, BackgroundNoiseOff, BackgroundNoiseFade:
	default:
		return errors.Errorf("unknown background noise mode %q", conf.BackgroundNoise)
	}
	if conf.Delay.ForgettingFactor <= 0 || conf.Delay.ForgettingFactor >= 1 {
		return errors.Errorf("delay forgetting factor must be in (0, 1), got %f", conf.Delay.ForgettingFactor)
	}
	if conf.Delay.TargetQuantile <= 0 || conf.Delay.TargetQuantile >= 1 {
		return errors.Errorf("delay target quantile must be in (0, 1), got %f", conf.Delay.TargetQuantile)
	}
	if conf.Delay.MinimumMs < 0 || conf.Delay.MaximumMs < 0 {
		return errors.New("delay bounds cannot be negative")
	}
	if conf.Delay.MaximumMs > 0 && conf.Delay.MaximumMs < conf.Delay.MinimumMs {
		return errors.Errorf("maximum delay %d below minimum %d", conf.Delay.MaximumMs, conf.Delay.MinimumMs)
	}
	if conf.Delay.MaxIATPackets < 2 {
		return errors.Errorf("max_iat_packets must be at least 2, got %d", conf.Delay.MaxIATPackets)
	}
	if conf.Expand.FadeThresholdTicks <= 0 {
		return errors.Errorf("fade threshold must be positive, got %d", conf.Expand.FadeThresholdTicks)
	}
	if conf.Expand.MuteDecayPerTick <= 0 || conf.Expand.MuteDecayPerTick >= 1 {
		return errors.Errorf("mute decay must be in (0, 1), got %f", conf.Expand.MuteDecayPerTick)
	}
	if conf.Stats.WaitingHistoryDepth <= 0 {
		return errors.Errorf("waiting history depth must be positive, got %d", conf.Stats.WaitingHistoryDepth)
	}
	if conf.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(conf.Logging.Level); err != nil {
			return errors.Wrapf(err, "invalid log level %q", conf.Logging.Level)
		}
	}
	return nil
}

func InitLoggerFromConfig(conf *LoggingConfig) {
	logger.InitFromConfig(&conf.Config, "playout")
}
