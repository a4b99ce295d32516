//go:build !linux

package main

import "tinygo.org/x/bluetooth"

// newAdapter returns the system adapter; only BlueZ can select one by id
func newAdapter(_ string) *bluetooth.Adapter {
	return bluetooth.DefaultAdapter
}
