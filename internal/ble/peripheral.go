// Package ble defines the connectable-peripheral boundary the sessions poll
// through, and its bluez-backed default implementation.
package ble

import (
	"context"
	"errors"
)

// Renogy BT module GATT characteristics.
const (
	WriteCharUUID  = "0000ffd1-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID = "0000fff1-0000-1000-8000-00805f9b34fb"
)

// ErrNotConnected is returned by Write when no connection is established.
var ErrNotConnected = errors.New("ble: not connected")

// Peripheral is an opaque duplex channel to one BT module.
// Connect/Disconnect are explicit; responses arrive as notification chunks
// that the caller reassembles.
type Peripheral interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Write(ctx context.Context, data []byte) error

	// Notifications delivers raw notification payloads. The channel is
	// owned by the peripheral and stays valid across reconnects.
	Notifications() <-chan []byte

	Connected() bool
}

// ObfuscateMAC redacts a MAC address for logs, keeping the last two octets.
func ObfuscateMAC(mac string) string {
	const visible = 5 // "xx:xx"
	if len(mac) == 17 {
		return "**:**:**:**:" + mac[len(mac)-visible:]
	}
	if len(mac) > visible {
		return "***" + mac[len(mac)-visible:]
	}
	return "***"
}
