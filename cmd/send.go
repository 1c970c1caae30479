// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
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
	sendLink    bool
	sendTimeout time.Duration
	sendWait    time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <unit> on|off|level <0-100>|refresh|ping",
	Short: "Send one command to a unit or link",
	Long: `Send a single command through the PIM and report whether it was
acknowledged.

Actions:
  on          ACTIVATE the unit (or link)
  off         DEACTIVATE the unit (or link)
  level N     GOTO level N percent (0 and 100 map to off and on)
  refresh     ask the unit to report its state
  ping        ack-requested null command

With --link the id addresses a link instead of a unit.

Exit codes:
  0 - Command acknowledged
  1 - Command rejected or not acknowledged
  2 - Connection error`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolVar(&sendLink, "link", false, "Address a link instead of a unit")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 5*time.Second, "Overall timeout for the command")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 2*time.Second, "After refresh, wait this long for the state report")
}

// parseAction builds the request for a send-style argument list.
func parseAction(net uint8, link bool, args []string) (upb.Request, error) {
	if len(args) < 2 {
		return upb.Request{}, fmt.Errorf("expected <unit> <action>")
	}

	id, err := strconv.Atoi(args[0])
	if err != nil || !validUnitID(id) {
		return upb.Request{}, fmt.Errorf("invalid id %q (want %d-%d)", args[0], upb.MinUnitID, upb.MaxUnitID)
	}
	dest := uint8(id)

	action := strings.ToLower(args[1])
	if action != "level" && len(args) > 2 {
		return upb.Request{}, fmt.Errorf("%s takes no argument", action)
	}

	switch action {
	case "on":
		return upb.NewActivate(net, dest, link), nil
	case "off":
		return upb.NewDeactivate(net, dest, link), nil
	case "level":
		if len(args) != 3 {
			return upb.Request{}, fmt.Errorf("level requires a value 0-%d", upb.MaxLevel)
		}
		level, err := strconv.Atoi(strings.TrimSuffix(args[2], "%"))
		if err != nil {
			return upb.Request{}, fmt.Errorf("invalid level %q", args[2])
		}
		return upb.NewLevel(net, dest, link, level)
	case "refresh", "ping":
		if link {
			return upb.Request{}, fmt.Errorf("%s addresses a unit, not a link", action)
		}
		if action == "refresh" {
			return upb.NewRefresh(net, dest), nil
		}
		return upb.NewPing(net, dest), nil
	default:
		return upb.Request{}, fmt.Errorf("unknown action %q", args[1])
	}
}

// reportChannel is a Listener that forwards reports to a channel.
type reportChannel chan *upb.Message

func (c reportChannel) OnMessageReceived(m *upb.Message) {
	select {
	case c <- m:
	default:
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	req, err := parseAction(network(), sendLink, args)
	if err != nil {
		return err
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	cfg := sessionConfig()
	s := pim.NewSession(cfg)
	fileConfig.registerLinks(s)

	reports := make(reportChannel, 4)
	if !req.Link {
		s.RegisterListener(req.Destination, reports)
	}

	if err := s.Start(conn); err != nil {
		conn.Close()
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.Stop()

	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Sending: %s\n", upb.FormatRequest(req))

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	start := time.Now()
	outcome, err := s.SendCommand(req).Wait(ctx)
	rtt := time.Since(start).Round(time.Millisecond)

	switch {
	case err != nil && outcome == pim.OutcomePending:
		fmt.Printf("TIMEOUT: %v\n", err)
		s.Stop()
		os.Exit(1)
	case outcome == pim.OutcomeAck:
		fmt.Printf("ACK in %v\n", rtt)
	case outcome == pim.OutcomeNak:
		fmt.Printf("NAK in %v\n", rtt)
		s.Stop()
		os.Exit(1)
	default:
		fmt.Printf("%s: %v\n", outcome, err)
		s.Stop()
		os.Exit(1)
	}

	if req.Command == upb.CmdReportState && sendWait > 0 {
		select {
		case m := <-reports:
			fmt.Println(upb.FormatMessage(m))
			if level, ok := m.Level(); ok {
				fmt.Printf("%s level: %d%%\n", fileConfig.DeviceName(req.Destination), level)
			}
		case <-time.After(sendWait):
			fmt.Printf("No state report within %v\n", sendWait)
		}
	}
	return nil
}
