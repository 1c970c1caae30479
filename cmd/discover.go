// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/upbridge/pkg/pim"
	"github.com/Thermoquad/upbridge/pkg/upb"
)

var (
	discoverTimeout time.Duration
	discoverRefresh string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Discover units by listening to powerline traffic",
	Long: `Listen to the powerline and list every unit that is referenced by a report.

UPB has no enumeration command, so discovery is passive: a unit becomes known
when it sends a report or when another unit addresses it. With --refresh the
given unit ids (and every unit in the config file with --refresh all) are asked
to report their state, which speeds discovery up.

Units that reported on their own behalf are shown as ALIVE; units that were
only addressed by others stay INITIALIZING.

Examples:
  # Listen for ten seconds
  upbridge discover --port /dev/ttyUSB0 --timeout 10s

  # Poke units 5, 7 and 12
  upbridge discover --port /dev/ttyUSB0 --refresh 5,7,12

Exit codes:
  0 - Discovery successful (at least one device found)
  1 - Discovery failed (no devices)
  2 - Connection error`,
	RunE: runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 5*time.Second, "How long to listen")
	discoverCmd.Flags().StringVar(&discoverRefresh, "refresh", "", "Comma-separated unit ids to poll, or \"all\" for the configured devices")
}

// parseUnitList parses "5,7,12" into unit ids.
func parseUnitList(raw string) ([]uint8, error) {
	var ids []uint8
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.Atoi(field)
		if err != nil || !validUnitID(id) {
			return nil, fmt.Errorf("invalid unit id %q (want %d-%d)", field, upb.MinUnitID, upb.MaxUnitID)
		}
		ids = append(ids, uint8(id))
	}
	return ids, nil
}

func runDiscover(cmd *cobra.Command, args []string) error {
	var refresh []uint8
	if strings.TrimSpace(discoverRefresh) == "all" {
		for _, d := range fileConfig.Devices {
			refresh = append(refresh, uint8(d.ID))
		}
	} else {
		var err error
		if refresh, err = parseUnitList(discoverRefresh); err != nil {
			return err
		}
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	done := make(chan []pim.DeviceRecord, 1)
	cfg := sessionConfig()
	cfg.OnDeviceDiscovered = func(unit uint8) {
		fmt.Printf("Unit found: %d (%s)\n", unit, fileConfig.DeviceName(unit))
	}
	cfg.OnDiscovery = func(devices []pim.DeviceRecord) {
		done <- devices
	}

	s := pim.NewSession(cfg)
	if err := s.Start(conn); err != nil {
		conn.Close()
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.Stop()

	fmt.Printf("upbridge - Device Discovery\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Network: %d\n", network())
	fmt.Printf("Timeout: %v\n\n", discoverTimeout)

	for _, unit := range refresh {
		fmt.Printf("Requesting state from unit %d...\n", unit)
		s.SendCommand(upb.NewRefresh(network(), unit))
	}

	time.Sleep(discoverTimeout)
	s.TriggerDiscovery()
	devices := <-done

	// Summary
	fmt.Printf("\n--- Discovery summary ---\n")
	fmt.Printf("Devices found: %d\n", len(devices))
	if len(devices) == 0 {
		fmt.Printf("No devices discovered. Check the network id and PIM connection.\n")
		s.Stop()
		os.Exit(1)
	}

	fmt.Printf("\n%-5s %-20s %-13s %-6s %-14s %s\n", "UNIT", "NAME", "STATE", "LEVEL", "LAST COMMAND", "LAST SEEN")
	for _, d := range devices {
		fmt.Println(formatDeviceRow(d))
	}
	return nil
}

func formatDeviceRow(d pim.DeviceRecord) string {
	level := "-"
	if d.Level >= 0 {
		level = fmt.Sprintf("%d%%", d.Level)
	}
	lastSeen := "-"
	if !d.LastSeen.IsZero() {
		lastSeen = d.LastSeen.Format("15:04:05")
	}
	return fmt.Sprintf("%-5d %-20s %-13s %-6s %-14s %s",
		d.ID, fileConfig.DeviceName(d.ID), d.State, level, d.LastCommand, lastSeen)
}
