package sensor

import (
	"errors"
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// ErrNoPort is returned when no attached USB serial device looks like the
// main controller.
var ErrNoPort = errors.New("sensor: no candidate serial port found")

// chipPatterns match the product strings of the USB-serial bridges found on
// the dev boards in the field.
var chipPatterns = []string{"cp210", "ch340", "ftdi", "usb serial"}

// vendorIDs is the VID fallback for boards whose bridge reports a blank
// product string: Silicon Labs, QinHeng, FTDI.
var vendorIDs = []string{"10C4", "1A86", "0403"}

// DetectPort scans attached serial devices and returns the name of the first
// one that looks like the main controller's USB-serial bridge.
func DetectPort() (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("sensor: enumerate ports: %w", err)
	}
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		product := strings.ToLower(p.Product)
		for _, pat := range chipPatterns {
			if strings.Contains(product, pat) {
				return p.Name, nil
			}
		}
		for _, vid := range vendorIDs {
			if strings.EqualFold(p.VID, vid) {
				return p.Name, nil
			}
		}
	}
	return "", ErrNoPort
}
