// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/upbridge/pkg/pim"
	"github.com/Thermoquad/upbridge/pkg/upb"
)

var replayRealtime bool

var replayCmd = &cobra.Command{
	Use:   "replay <capture>",
	Short: "Replay a capture file through the frame decoder and dispatcher",
	Long: `Read a capture recorded with "monitor --record" and feed the received
bytes through a session as if they came from the PIM.

Every frame is printed as it is decoded, transmitted packets are shown for
context, and the device table built from the capture is printed at the end.
No connection is opened.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().BoolVar(&replayRealtime, "realtime", false, "Keep the original timing between records")
}

func runReplay(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	records, frames, err := replayCapture(f, os.Stdout, replayRealtime)
	if err != nil {
		return err
	}

	fmt.Printf("\n--- Replay summary ---\n")
	fmt.Printf("Records: %d, frames: %d\n", records, frames.count)
	fmt.Print(frames.stats.String())

	devices := frames.devices
	if len(devices) > 0 {
		fmt.Printf("\n%-5s %-20s %-13s %-6s %-14s %s\n", "UNIT", "NAME", "STATE", "LEVEL", "LAST COMMAND", "LAST SEEN")
		for _, d := range devices {
			fmt.Println(formatDeviceRow(d))
		}
	}
	return nil
}

// replayResult is what a replay observed.
type replayResult struct {
	count   int
	stats   *upb.Statistics
	devices []pim.DeviceRecord
}

// replayCapture feeds every received chunk of a capture through a session,
// writing one line per frame to out.
func replayCapture(r io.Reader, out io.Writer, realtime bool) (int, replayResult, error) {
	res := replayResult{stats: upb.NewStatistics()}

	cfg := sessionConfig()
	cfg.OnFrame = func(frame string, m *upb.Message, err error) {
		res.count++
		if err != nil {
			res.stats.Update(nil, err, nil)
			fmt.Fprintf(out, "RX [ERROR] %v (%q)\n", err, frame)
			return
		}
		res.stats.Update(m, nil, upb.ValidateMessage(m))
		fmt.Fprintf(out, "RX %s\n", upb.FormatMessage(m))
	}
	cfg.OnDiscovery = func(devices []pim.DeviceRecord) {
		res.devices = devices
	}
	s := pim.NewSession(cfg)
	fileConfig.registerLinks(s)

	reader := pim.NewCaptureReader(r)
	records := 0
	var last time.Time
	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return records, res, err
		}
		records++

		if realtime && !last.IsZero() {
			if gap := rec.Timestamp().Sub(last); gap > 0 {
				time.Sleep(gap)
			}
		}
		last = rec.Timestamp()

		switch rec.Direction {
		case pim.DirectionRX:
			s.OnBytes(rec.Data)
		case pim.DirectionTX:
			fmt.Fprintf(out, "TX %s\n", describeTransmit(rec.Data))
		}
	}

	s.TriggerDiscovery()
	return records, res, nil
}

// describeTransmit renders a host-to-PIM write.
func describeTransmit(data []byte) string {
	if bytes.Equal(data, upb.MessageModeCommand()) {
		return "enter message mode"
	}
	payload := bytes.TrimSuffix(data, []byte{upb.Delimiter})
	if len(payload) == 0 || payload[0] != upb.TransmitMarker {
		return upb.FormatBytes(data)
	}
	m, err := upb.DecodePacket(string(payload[1:]))
	if err != nil {
		return fmt.Sprintf("%s (%v)", payload[1:], err)
	}
	return upb.FormatMessage(m)
}
