// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upb

import (
	"fmt"
	"strings"
)

// FormatMessage formats a message into a human-readable line.
func FormatMessage(m *Message) string {
	timestamp := m.Timestamp().Format("15:04:05.000")

	if m.Type() != TypeReport {
		return fmt.Sprintf("[%s] %-7s %s", timestamp, m.Type(), m.Raw())
	}

	ctl := m.ControlWord()
	target := "unit"
	if ctl.IsLink() {
		target = "link"
	}

	result := fmt.Sprintf("[%s] REPORT  net=%d src=%d %s=%d %s",
		timestamp, m.Network(), m.Source(), target, m.EffectiveDestination(), FormatCommand(m.Command(), m.Arguments()))

	var flags []string
	if ctl.AckRequested() {
		flags = append(flags, "ack")
	}
	if ctl.RepeaterRequest() > 0 {
		flags = append(flags, fmt.Sprintf("rpt=%d", ctl.RepeaterRequest()))
	}
	if ctl.TransmitCount() > 0 || ctl.Sequence() > 0 {
		flags = append(flags, fmt.Sprintf("seq=%d/%d", ctl.Sequence()+1, ctl.TransmitCount()+1))
	}
	if len(flags) > 0 {
		result += " [" + strings.Join(flags, ",") + "]"
	}

	return result
}

// FormatCommand renders a command and its arguments.
func FormatCommand(cmd Command, args []byte) string {
	switch cmd {
	case CmdNull:
		if len(args) == 0 {
			return "PING"
		}
	case CmdActivate, CmdDeactivate, CmdReportState:
		if len(args) == 0 {
			return cmd.String()
		}
	case CmdGoto, CmdDeviceState:
		if len(args) > 0 {
			result := fmt.Sprintf("%s level=%d%%", cmd, args[0])
			if len(args) > 1 {
				result += " " + FormatBytes(args[1:])
			}
			return result
		}
	}

	if len(args) == 0 {
		return cmd.String()
	}
	return cmd.String() + " " + FormatBytes(args)
}

// FormatBytes renders bytes as space-separated uppercase hex.
func FormatBytes(data []byte) string {
	var b strings.Builder
	for i, v := range data {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}

// FormatRequest formats an outgoing request for logs and CLI output.
func FormatRequest(r Request) string {
	target := "unit"
	if r.Link {
		target = "link"
	}
	result := fmt.Sprintf("net=%d %s=%d %s", r.Network, target, r.Destination, FormatCommand(r.Command, r.Arguments))
	if r.AckRequested {
		result += " [ack]"
	}
	return result
}
