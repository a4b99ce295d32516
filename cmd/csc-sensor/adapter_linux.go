//go:build linux

package main

import "tinygo.org/x/bluetooth"

// newAdapter selects a BlueZ adapter by id, e.g. hci0
func newAdapter(id string) *bluetooth.Adapter {
	if id == "" {
		return bluetooth.DefaultAdapter
	}
	return bluetooth.NewAdapter(id)
}
