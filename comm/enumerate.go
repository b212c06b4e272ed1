package comm

import (
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes one discoverable, likely-controller serial port.
type PortInfo struct {
	// Device is the OS address of the port, e.g. /dev/ttyUSB0 or COM3.
	Device string `json:"device"`

	// Description is the product string reported by the adapter, if any.
	Description string `json:"description"`

	// HWID is the USB vendor:product pair, empty for non-USB ports.
	HWID string `json:"hwid"`
}

// keywords that mark a port as a likely controller board; matches the
// product strings of the stock boards and the usual clone bridge chips.
var portKeywords = []string{"arduino", "usb", "serial", "ch340", "cp2102"}

// ListPorts enumerates the serial ports that look like controller boards.
// The system is re-queried on every call; nothing is cached, so plugging
// or unplugging a board is visible on the next call.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	var ports []PortInfo
	for _, d := range details {
		if !likelyController(d) {
			continue
		}
		pi := PortInfo{Device: d.Name, Description: d.Product}
		if d.IsUSB {
			pi.HWID = d.VID + ":" + d.PID
		}
		ports = append(ports, pi)
	}
	return ports, nil
}

func likelyController(d *enumerator.PortDetails) bool {
	desc := strings.ToLower(d.Product)
	if desc == "" {
		// some clone bridges report no product string at all; the USB
		// flag is the only signal left
		return d.IsUSB
	}
	for _, kw := range portKeywords {
		if strings.Contains(desc, kw) {
			return true
		}
	}
	return false
}
