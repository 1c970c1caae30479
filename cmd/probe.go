// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/upbridge/pkg/pim"
	"github.com/Thermoquad/upbridge/pkg/upb"
)

var probeTimeout time.Duration

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Test connection by waiting for a valid PIM frame",
	Long: `Put the PIM into message mode and wait for any valid frame until timeout.

The PIM answers the message mode register write itself, so a working PIM is
reported online within a few hundred milliseconds even on a quiet powerline.
Invalid bytes are counted and ignored.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error

Useful for testing connectivity to a PIM or a serial-to-WebSocket bridge.`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 10*time.Second, "How long to wait for a frame")
}

func runProbe(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	online := make(chan struct{}, 1)
	offline := make(chan pim.Status, 1)
	first := make(chan *upb.Message, 1)
	var invalid atomic.Int32

	cfg := sessionConfig()
	cfg.OnFrame = func(frame string, m *upb.Message, err error) {
		if err != nil {
			invalid.Add(1)
			return
		}
		select {
		case first <- m:
		default:
		}
	}
	cfg.OnStatus = func(st pim.Status) {
		switch st.Kind {
		case pim.StatusOnline:
			select {
			case online <- struct{}{}:
			default:
			}
		case pim.StatusOffline:
			select {
			case offline <- st:
			default:
			}
		}
	}

	s := pim.NewSession(cfg)
	if err := s.Start(conn); err != nil {
		conn.Close()
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.Stop()

	fmt.Printf("upbridge - PIM Probe\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %v\n", probeTimeout)
	fmt.Printf("Waiting for valid PIM frame...\n\n")

	select {
	case <-online:
		m := <-first
		if n := invalid.Load(); n > 0 {
			fmt.Printf("(skipped %d invalid frames before sync)\n", n)
		}
		fmt.Printf("SUCCESS: PIM online\n")
		fmt.Printf("  Type: %s\n", m.Type())
		fmt.Printf("  Frame: %s\n", m.Raw())
		s.Stop()
		os.Exit(0)

	case st := <-offline:
		fmt.Fprintf(os.Stderr, "Connection error: %s\n", st)
		s.Stop()
		os.Exit(2)

	case <-time.After(probeTimeout):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %v\n", probeTimeout)
		s.Stop()
		os.Exit(1)
	}

	return nil
}
