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
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/utils"

	"github.com/voicekit/playout/pkg/config"
	"github.com/voicekit/playout/pkg/telemetry/prometheus"
	"github.com/voicekit/playout/version"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to playout config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "playout config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"PLAYOUT_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "dump",
		Usage: "rtpdump capture to replay instead of a synthetic schedule",
	},
	&cli.IntFlag{
		Name:  "streams",
		Usage: "number of engines to run concurrently",
		Value: 1,
	},
	&cli.DurationFlag{
		Name:  "duration",
		Usage: "length of the synthetic schedule",
		Value: 30 * time.Second,
	},
	&cli.StringFlag{
		Name:  "codec",
		Usage: "payload of the synthetic schedule (pcmu, pcma, l16)",
		Value: "pcmu",
	},
	&cli.DurationFlag{
		Name:  "talk-spurt",
		Usage: "speech length before each comfort noise pause",
		Value: 3 * time.Second,
	},
	&cli.DurationFlag{
		Name:  "pause",
		Usage: "comfort noise pause between talk spurts, 0 for continuous speech",
		Value: time.Second,
	},
	&cli.Float64Flag{
		Name:  "loss",
		Usage: "packet loss percentage",
	},
	&cli.IntFlag{
		Name:  "jitter",
		Usage: "maximum arrival jitter in milliseconds",
	},
	&cli.IntFlag{
		Name:  "drift",
		Usage: "sender clock drift in ppm, negative for a slow sender",
	},
	&cli.BoolFlag{
		Name:  "red",
		Usage: "wrap speech payloads in a redundancy carrier with one previous packet",
	},
	&cli.Int64Flag{
		Name:  "seed",
		Usage: "seed for loss and jitter draws, 0 derives one per run",
	},
	&cli.BoolFlag{
		Name:  "show-metrics",
		Usage: "print process wide playout counters after the run",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	app := &cli.App{
		Name:        "playout-sim",
		Usage:       "Adaptive playout acceptance tool",
		Description: "replays an rtpdump capture or a synthetic packet schedule through playout engines",
		Flags:       baseFlags,
		Action:      runSim,
		Commands: []*cli.Command{
			{
				Name:   "codecs",
				Usage:  "print the payload types registered for simulated streams",
				Action: printCodecs,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	strictMode := !c.Bool("disable-strict-config")

	var conf *config.Config
	var err error
	if body := c.String("config-body"); body != "" {
		conf, err = config.NewConfig(body, strictMode)
	} else if path := c.String("config"); path != "" {
		conf, err = config.NewConfigFromFile(path, strictMode)
	} else {
		conf, err = config.NewConfig("", strictMode)
	}
	if err != nil {
		return nil, err
	}

	config.InitLoggerFromConfig(&conf.Logging)
	return conf, nil
}

func runSim(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	params, err := simParamsFromFlags(c, conf)
	if err != nil {
		return err
	}

	prometheus.Init(utils.NewGuid("PS_"))

	results, runErr := runStreams(params)
	printResults(os.Stdout, results)
	if c.Bool("show-metrics") {
		printMetrics(os.Stdout)
	}
	return runErr
}

func simParamsFromFlags(c *cli.Context, conf *config.Config) (simParams, error) {
	params := simParams{
		conf:    conf,
		streams: c.Int("streams"),
		dump:    c.String("dump"),
		seed:    c.Int64("seed"),
		sched: scheduleParams{
			codec:     c.String("codec"),
			duration:  c.Duration("duration"),
			talkSpurt: c.Duration("talk-spurt"),
			pause:     c.Duration("pause"),
			lossPct:   c.Float64("loss"),
			jitterMs:  c.Int("jitter"),
			driftPPM:  c.Int("drift"),
			red:       c.Bool("red"),
		},
	}

	if params.streams < 1 {
		return simParams{}, errors.New("streams must be at least 1")
	}
	if params.seed == 0 {
		params.seed = time.Now().UnixNano()
	}
	if params.dump != "" {
		return params, nil
	}

	sched := params.sched
	if sched.duration <= 0 {
		return simParams{}, errors.New("duration must be positive")
	}
	if sched.talkSpurt <= 0 {
		return simParams{}, errors.New("talk-spurt must be positive")
	}
	if sched.pause < 0 {
		return simParams{}, errors.New("pause cannot be negative")
	}
	if sched.lossPct < 0 || sched.lossPct > 100 {
		return simParams{}, errors.Errorf("loss must be within [0, 100], got %f", sched.lossPct)
	}
	if sched.jitterMs < 0 {
		return simParams{}, errors.New("jitter cannot be negative")
	}
	if _, err := newPayloadSource(sched.codec); err != nil {
		return simParams{}, err
	}
	return params, nil
}

func printCodecs(_ *cli.Context) error {
	printBindings(os.Stdout, streamBindings(8000))
	return nil
}
