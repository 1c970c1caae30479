// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/upbridge/pkg/pim"
	"github.com/Thermoquad/upbridge/pkg/upb"
)

var (
	monitorStatsInterval time.Duration
	monitorRecordPath    string
	monitorPassive       bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Display PIM frames in human-readable format",
	Long: `Continuously decode and display frames from the PIM as they arrive.

Each report is printed with its network, source, destination and command.
Frames that fail to decode and reports with implausible content are flagged,
and a statistics summary is printed periodically and on exit.

The PIM is switched to message mode first unless --passive is given.
With --record, all traffic is also written to a capture file that the replay
command can read back.

Supports both serial and WebSocket connections.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().DurationVar(&monitorStatsInterval, "stats-interval", time.Minute, "Print statistics every interval (0 disables)")
	monitorCmd.Flags().StringVar(&monitorRecordPath, "record", "", "Record traffic to a capture file")
	monitorCmd.Flags().BoolVar(&monitorPassive, "passive", false, "Don't switch the PIM to message mode")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}

	var capture *pim.CaptureTransport
	if monitorRecordPath != "" {
		f, err := os.Create(monitorRecordPath)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create capture file: %w", err)
		}
		defer f.Close()
		capture = pim.NewCaptureTransport(conn, f)
		conn = capture
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	fmt.Printf("upbridge - Frame Monitor\n")
	fmt.Printf("Connection: %s\n", connInfo)
	if capture != nil {
		fmt.Printf("Recording: %s\n", monitorRecordPath)
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	if !monitorPassive {
		if _, err := conn.Write(upb.MessageModeCommand()); err != nil {
			return fmt.Errorf("enter message mode: %w", err)
		}
	}

	m := newFrameMonitor()
	lastStats := time.Now()
	buf := make([]byte, 256)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			// A WebSocket read error means the connection is gone for good
			if errors.Is(err, pim.ErrConnectionClosed) {
				logger.Warn().Msg("connection closed")
				break
			}
			logger.Error().Err(err).Msg("read failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for _, line := range m.feed(buf[:n]) {
			fmt.Println(line)
		}

		if monitorStatsInterval > 0 && time.Since(lastStats) >= monitorStatsInterval {
			lastStats = time.Now()
			fmt.Print(m.stats.String())
		}
	}

	fmt.Println()
	fmt.Print(m.stats.String())
	if capture != nil {
		if err := capture.Err(); err != nil {
			return err
		}
	}
	return nil
}

// frameMonitor turns raw PIM bytes into printable lines.
type frameMonitor struct {
	extractor *upb.FrameExtractor
	stats     *upb.Statistics
}

func newFrameMonitor() *frameMonitor {
	return &frameMonitor{
		extractor: upb.NewFrameExtractor(upb.DefaultBufferSize),
		stats:     upb.NewStatistics(),
	}
}

func (f *frameMonitor) feed(chunk []byte) []string {
	frames, dropped := f.extractor.Feed(chunk)

	var lines []string
	if dropped > 0 {
		f.stats.RecordOverflow(dropped)
		lines = append(lines, fmt.Sprintf("[OVERFLOW] %d bytes discarded", dropped))
	}

	for _, frame := range frames {
		msg, err := upb.Decode(frame)
		if errors.Is(err, upb.ErrFrameEmpty) {
			continue
		}
		if err != nil {
			f.stats.Update(nil, err, nil)
			a := upb.DecodeAnomaly(frame, err)
			lines = append(lines, fmt.Sprintf("[ERROR] %s: %s (%q)", a.Type, a.Message, frame))
			continue
		}

		anomalies := upb.ValidateMessage(msg)
		f.stats.Update(msg, nil, anomalies)
		lines = append(lines, upb.FormatMessage(msg))
		for _, a := range anomalies {
			lines = append(lines, fmt.Sprintf("  [ANOMALY] %s: %s", a.Type, a.Message))
		}
	}
	return lines
}
