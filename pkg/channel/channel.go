// Package channel enumerates the logical code sources of the printer
// control plane. Every scheduling structure in the host is indexed by
// a Channel, so the set is closed and the count is a compile-time
// constant.
package channel

import (
	"fmt"
	"strings"
)

// Channel identifies one logical source of codes.
type Channel int

const (
	// HTTP is the web/REST front end.
	HTTP Channel = iota

	// Telnet is the raw TCP console.
	Telnet

	// File is the file-print subsystem.
	File

	// USB is the local USB serial console.
	USB

	// Aux is the auxiliary UART (e.g. an attached PanelDue).
	Aux

	// Trigger runs codes fired by external triggers.
	Trigger

	// Queue is the internally queued code channel.
	Queue

	// LCD is the directly attached display.
	LCD

	// SBC is the single-board-computer IPC link.
	SBC

	// Daemon runs the periodic daemon.g jobs.
	Daemon

	// AutoPause runs the auto-pause macro after power loss or filament
	// events.
	AutoPause

	// NumChannels is the number of channels. Not a valid Channel.
	NumChannels
)

var names = [NumChannels]string{
	HTTP:      "HTTP",
	Telnet:    "Telnet",
	File:      "File",
	USB:       "USB",
	Aux:       "Aux",
	Trigger:   "Trigger",
	Queue:     "Queue",
	LCD:       "LCD",
	SBC:       "SBC",
	Daemon:    "Daemon",
	AutoPause: "AutoPause",
}

// Valid reports whether c is a member of the closed channel set.
func (c Channel) Valid() bool {
	return c >= 0 && c < NumChannels
}

// String returns the channel name.
func (c Channel) String() string {
	if !c.Valid() {
		return fmt.Sprintf("Channel(%d)", int(c))
	}
	return names[c]
}

// Parse returns the channel with the given name (case-insensitive).
func Parse(s string) (Channel, error) {
	for c, name := range names {
		if strings.EqualFold(s, name) {
			return Channel(c), nil
		}
	}
	return 0, fmt.Errorf("channel: unknown channel %q", s)
}

// All returns every channel in declaration order. The result is a fresh
// slice each call.
func All() []Channel {
	all := make([]Channel, NumChannels)
	for i := range all {
		all[i] = Channel(i)
	}
	return all
}
