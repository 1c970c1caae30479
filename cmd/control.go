// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/upbridge/pkg/pim"
	"github.com/Thermoquad/upbridge/pkg/upb"
)

var controlPingInterval time.Duration

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Interactive TUI for controlling UPB units",
	Long: `Control UPB units via an interactive terminal UI.

This command provides a TUI for monitoring and controlling the units on one
UPB network through a PIM connected via serial or WebSocket.

Features:
  - Passive device discovery, seeded from the config file
  - Live level and liveness per unit
  - On, off, dim level, refresh and ping
  - Statistics tracking
  - Event logging
  - Automatic reconnection on connection loss

Tab switches between the device list and the level input. Arrow keys navigate
the device list; o/f switch the selected unit on/off, r refreshes it, p pings
it and Enter sends the typed level.

Supports both serial and WebSocket connections.`,
	RunE: runControl,
}

func init() {
	rootCmd.AddCommand(controlCmd)
	controlCmd.Flags().DurationVar(&controlPingInterval, "ping-interval", 60*time.Second, "Ping known units every interval (0 disables)")
}

// controlFeed batches session callbacks into TUI messages.
type controlFeed struct {
	p        atomic.Pointer[tea.Program]
	frames   chan controlDataMsg
	done     chan struct{}
	finished chan struct{}
}

func newControlFeed() *controlFeed {
	return &controlFeed{
		frames:   make(chan controlDataMsg, 100),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// onFrame runs on the session reader; it never blocks.
func (f *controlFeed) onFrame(frame string, m *upb.Message, err error) {
	msg := controlDataMsg{frame: frame, message: m, decodeErr: err}
	if err == nil {
		msg.validationErrors = upb.ValidateMessage(m)
	}
	select {
	case f.frames <- msg:
	default:
	}
}

// send forwards a message once the program exists.
func (f *controlFeed) send(msg tea.Msg) {
	if p := f.p.Load(); p != nil {
		p.Send(msg)
	}
}

// run sends batched frames to the TUI at a fixed rate.
func (f *controlFeed) run() {
	defer close(f.finished)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			var batch controlBatchMsg

		drainLoop:
			for {
				select {
				case msg := <-f.frames:
					batch.messages = append(batch.messages, msg)
				default:
					break drainLoop
				}
			}

			if len(batch.messages) > 0 {
				f.send(batch)
			}
		}
	}
}

func (f *controlFeed) stop() {
	close(f.done)
	<-f.finished
}

func runControl(cmd *cobra.Command, args []string) error {
	feed := newControlFeed()

	cfg := sessionConfig()
	cfg.OnFrame = feed.onFrame
	cfg.OnStatus = func(st pim.Status) {
		switch st.Kind {
		case pim.StatusOffline:
			feed.send(connectionLostMsg{status: st})
		case pim.StatusDeviceError:
			feed.send(deviceErrorMsg{unit: st.Unit, err: st.Err})
		}
	}
	cfg.OnDeviceDiscovered = func(unit uint8) {
		feed.send(deviceDiscoveredMsg{unit: unit})
	}
	cfg.OnLink = func(link uint8, m *upb.Message) {
		feed.send(linkEventMsg{link: link, message: m})
	}

	sv := newSupervisor(cfg, OpenConnection)
	fileConfig.registerLinks(sv.Session())
	for _, d := range fileConfig.Devices {
		sv.Session().SetDeviceState(uint8(d.ID), pim.DeviceInitializing)
	}

	sv.onConnect = func(connInfo string) {
		feed.send(reconnectedMsg{connInfo: connInfo})
	}
	if err := sv.Connect(); err != nil {
		return err
	}

	m := initialControlModel(sv.Session(), sv.ConnInfo(), network(), controlPingInterval)

	// Create TUI program with alt screen and mouse support
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	feed.p.Store(p)
	go feed.run()

	// Ask every configured unit for its state
	for _, d := range fileConfig.Devices {
		sendTracked(sv.Session(), upb.NewRefresh(network(), uint8(d.ID)), nil)
	}

	_, err := p.Run()
	feed.stop()
	sv.Close()
	if err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
