// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/upbridge/pkg/pim"
	"github.com/Thermoquad/upbridge/pkg/upb"
)

var (
	pingTimeout  time.Duration
	pingCount    int
	pingInterval time.Duration
)

var pingCmd = &cobra.Command{
	Use:   "ping <unit>",
	Short: "Test a unit by sending ack-requested null commands",
	Long: `Send ack-requested packets with no message data to a unit and wait for
the PIM to report the unit's acknowledgment pulse.

Each ping is transmitted once, without retries, so the summary reflects the
real loss on the powerline.

This is useful for verifying:
  - The PIM is reachable and in message mode
  - The unit id and network id are correct
  - The powerline path to the unit is reliable

Exit codes:
  0 - All pings acknowledged
  1 - One or more pings failed/timed out
  2 - Connection error`,
	Args: cobra.ExactArgs(1),
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 2*time.Second, "Timeout for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
	pingCmd.Flags().DurationVar(&pingInterval, "interval", 500*time.Millisecond, "Delay between pings")
}

func runPing(cmd *cobra.Command, args []string) error {
	id, err := strconv.Atoi(args[0])
	if err != nil || !validUnitID(id) {
		return fmt.Errorf("invalid unit id %q (want %d-%d)", args[0], upb.MinUnitID, upb.MaxUnitID)
	}
	if pingCount < 1 {
		return fmt.Errorf("--count must be at least 1")
	}
	unit := uint8(id)

	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	cfg := sessionConfig()
	cfg.MaxRetries = 1
	if pingTimeout > 0 {
		cfg.AckTimeout = pingTimeout
	}
	s := pim.NewSession(cfg)
	if err := s.Start(conn); err != nil {
		conn.Close()
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.Stop()

	fmt.Printf("upbridge - Unit Ping\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Target: %s (network %d, unit %d)\n", fileConfig.DeviceName(unit), network(), unit)
	fmt.Printf("Timeout: %v per ping\n", cfg.AckTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	successCount := 0
	failCount := 0
	var totalRTT time.Duration

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.AckTimeout+time.Second)
		start := time.Now()
		outcome, err := s.SendCommand(upb.NewPing(network(), unit)).Wait(ctx)
		rtt := time.Since(start)
		cancel()

		switch outcome {
		case pim.OutcomeAck:
			fmt.Printf("ACK from unit %d, rtt=%v\n", unit, rtt.Round(time.Millisecond))
			successCount++
			totalRTT += rtt
		case pim.OutcomeNak:
			fmt.Printf("NAK (PIM rejected the packet)\n")
			failCount++
		default:
			fmt.Printf("TIMEOUT (%v)\n", err)
			failCount++
		}

		if i < pingCount {
			time.Sleep(pingInterval)
		}
	}

	// Summary
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d acknowledged, %.0f%% packet loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)
	if successCount > 0 {
		fmt.Printf("average rtt=%v\n", (totalRTT / time.Duration(successCount)).Round(time.Millisecond))
	}

	if failCount > 0 {
		s.Stop()
		os.Exit(1)
	}
	return nil
}
