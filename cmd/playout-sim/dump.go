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
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

// rtpdump layout: an ascii preamble line, a 16 byte file header, then per
// packet an 8 byte record header {record length, original packet length,
// arrival offset ms} followed by the captured bytes.
const (
	rtpdumpPreamble   = "#!rtpplay1.0 "
	rtpdumpFileHeader = 16
	rtpdumpPacketHdr  = 8
)

// readDump loads an rtpdump capture into replay events. Records whose RTP
// payload was truncated at capture time and RTCP records are skipped.
func readDump(path string) ([]packetEvent, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not expand dump path %s", path)
	}
	f, err := os.Open(expanded)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open dump %s", expanded)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	preamble, err := r.ReadString('\n')
	if err != nil {
		return nil, errors.Wrap(err, "could not read dump preamble")
	}
	if !strings.HasPrefix(preamble, rtpdumpPreamble) {
		return nil, errors.Errorf("not an rtpdump capture: %q", strings.TrimSpace(preamble))
	}
	if _, err := io.CopyN(io.Discard, r, rtpdumpFileHeader); err != nil {
		return nil, errors.Wrap(err, "could not read dump file header")
	}

	var events []packetEvent
	var hdr [rtpdumpPacketHdr]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrap(err, "could not read dump record header")
		}

		recordLen := binary.BigEndian.Uint16(hdr[0:2])
		packetLen := binary.BigEndian.Uint16(hdr[2:4])
		offsetMs := binary.BigEndian.Uint32(hdr[4:8])
		if recordLen < rtpdumpPacketHdr {
			return nil, errors.Errorf("malformed dump record of length %d", recordLen)
		}

		body := make([]byte, recordLen-rtpdumpPacketHdr)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, errors.Wrap(err, "could not read dump record body")
		}

		if packetLen == 0 {
			// RTCP record
			continue
		}
		if int(packetLen) > len(body) {
			// header only capture, nothing to decode
			continue
		}

		var p rtp.Packet
		if err := p.Unmarshal(body[:packetLen]); err != nil {
			return nil, errors.Wrapf(err, "bad RTP packet at offset %d ms", offsetMs)
		}
		events = append(events, packetEvent{
			arrival: time.Duration(offsetMs) * time.Millisecond,
			hdr:     p.Header,
			payload: p.Payload,
		})
	}
	return events, nil
}
