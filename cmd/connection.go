// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/Thermoquad/upbridge/pkg/pim"
)

// EnvPassword holds the WebSocket password for non-interactive use.
const EnvPassword = "UPBRIDGE_PASSWORD"

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	// First check environment variable
	if pw := os.Getenv(EnvPassword); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Not a terminal, read a plain line instead
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// wsPassword is prompted once per process so reconnects don't ask again.
var wsPassword *string

// OpenConnection opens either a serial or WebSocket transport based on flags
func OpenConnection() (pim.Transport, string, error) {
	if wsURL != "" {
		password := ""
		if wsUsername != "" {
			if wsPassword == nil {
				pw, err := GetPassword()
				if err != nil {
					return nil, "", err
				}
				wsPassword = &pw
			}
			password = *wsPassword
		}

		t, err := pim.DialWebSocket(context.Background(), wsURL, pim.WebSocketOptions{
			Username:      wsUsername,
			Password:      password,
			SkipTLSVerify: wsNoSSLVerify,
		})
		if err != nil {
			return nil, "", err
		}
		return t, t.String(), nil
	}

	if portName != "" {
		t, err := pim.OpenSerial(portName, baudRate)
		if err != nil {
			return nil, "", err
		}
		return t, t.String(), nil
	}

	return nil, "", fmt.Errorf("either --port or --url must be specified")
}

// sessionConfig builds the session configuration shared by the commands.
func sessionConfig() pim.Config {
	cfg := fileConfig.SessionConfig()
	cfg.Logger = logger
	return cfg
}

// network returns the --network id.
func network() uint8 {
	return uint8(networkID)
}
