// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// upbridge - UPB Powerline Interface Module tool
//
// A CLI for monitoring and controlling UPB units through a PIM on a serial
// port or a WebSocket serial bridge, and for bridging them to MQTT.

package main

import (
	"os"

	"github.com/Thermoquad/upbridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
