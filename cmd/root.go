// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/upbridge/pkg/pim"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// UPB flags
	networkID  int
	configPath string
	logLevel   string

	// Loaded from --config, zero value when no file was given
	fileConfig Config
)

var rootCmd = &cobra.Command{
	Use:   "upbridge",
	Short: "UPB Powerline Interface Module tool",
	Long: `upbridge - A CLI tool for monitoring and controlling UPB devices through a
Powerline Interface Module (PIM).

Provides commands for frame logging, sending commands to units, device
discovery, an interactive control panel and an MQTT bridge.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 4800]
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the UPBRIDGE_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.

Settings may also come from a TOML file (--config); flags given on the command
line take precedence over the file.`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: setupRoot,
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", pim.DefaultBaudRate, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().IntVarP(&networkID, "network", "n", 0, "UPB network id (0-255)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error, off)")
}

// setupRoot configures logging and merges the config file under the flags.
func setupRoot(cmd *cobra.Command, args []string) error {
	if configPath != "" {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		fileConfig = cfg
		applyFileConfig(cmd, cfg)
	}

	configureLogging(logLevel)

	if networkID < 0 || networkID > 255 {
		return fmt.Errorf("network id %d out of range (0-255)", networkID)
	}
	return nil
}

// applyFileConfig copies file settings into flags the user did not set.
func applyFileConfig(cmd *cobra.Command, cfg Config) {
	flags := cmd.Flags()
	if !flags.Changed("port") && cfg.PIM.Port != "" {
		portName = cfg.PIM.Port
	}
	if !flags.Changed("baud") && cfg.PIM.Baud > 0 {
		baudRate = cfg.PIM.Baud
	}
	if !flags.Changed("url") && cfg.PIM.URL != "" {
		wsURL = cfg.PIM.URL
	}
	if !flags.Changed("username") && cfg.PIM.Username != "" {
		wsUsername = cfg.PIM.Username
	}
	if !flags.Changed("no-ssl-verify") && cfg.PIM.NoSSLVerify {
		wsNoSSLVerify = true
	}
	if !flags.Changed("network") {
		networkID = cfg.PIM.Network
	}
	if !flags.Changed("log-level") && cfg.LogLevel != "" {
		logLevel = cfg.LogLevel
	}
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
