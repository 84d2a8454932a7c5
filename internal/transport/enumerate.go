package transport

import (
	"fmt"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes one serial port found on the host.
type PortInfo struct {
	Path     string
	Metadata map[string]string
}

// Enumerator lists the serial ports currently present.
type Enumerator func() ([]PortInfo, error)

// Enumerate lists the host's serial ports with whatever USB details the
// platform exposes.
func Enumerate() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		meta := map[string]string{}
		if d.IsUSB {
			meta["usb"] = "true"
			setIfNotEmpty(meta, "vendor_id", d.VID)
			setIfNotEmpty(meta, "product_id", d.PID)
			setIfNotEmpty(meta, "serial_number", d.SerialNumber)
		}
		setIfNotEmpty(meta, "product", d.Product)
		ports = append(ports, PortInfo{Path: d.Name, Metadata: meta})
	}
	return ports, nil
}

func setIfNotEmpty(m map[string]string, key, value string) {
	if value != "" {
		m[key] = value
	}
}
