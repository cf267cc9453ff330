//go:build !nodevices

package device

import (
	"fmt"
	"strings"

	"github.com/google/gousb"
	"go.bug.st/serial/enumerator"
)

type USBDeviceInfo struct {
	Bus      int    `json:"bus"`
	Address  int    `json:"address"`
	VID      string `json:"vid"`
	PID      string `json:"pid"`
	Product  string `json:"product"`
	HasAudio bool   `json:"has_audio"`
	HasVideo bool   `json:"has_video"`

	// SerialPorts are control ports exposed by the same USB device, as on
	// modems and some headsets.
	SerialPorts []string `json:"serial_ports,omitempty"`
}

// ListUSBMediaDevices returns attached USB devices exposing an audio or
// video class interface.
func ListUSBMediaDevices() ([]USBDeviceInfo, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	opened, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		audio, video := classesOf(desc)
		return audio || video
	})
	defer func() {
		for _, d := range opened {
			_ = d.Close()
		}
	}()
	// OpenDevices reports per-device open failures alongside the ones it
	// could open.
	if err != nil && len(opened) == 0 {
		return nil, err
	}

	ports := serialPortsByUSB()
	devices := make([]USBDeviceInfo, 0, len(opened))
	for _, d := range opened {
		audio, video := classesOf(d.Desc)
		product := fmt.Sprintf("0x%04X", uint16(d.Desc.Product))
		if p, perr := d.Product(); perr == nil && strings.TrimSpace(p) != "" {
			product = strings.TrimSpace(p)
		}
		vid := fmt.Sprintf("%04X", uint16(d.Desc.Vendor))
		pid := fmt.Sprintf("%04X", uint16(d.Desc.Product))
		devices = append(devices, USBDeviceInfo{
			Bus:         d.Desc.Bus,
			Address:     d.Desc.Address,
			VID:         vid,
			PID:         pid,
			Product:     product,
			HasAudio:    audio,
			HasVideo:    video,
			SerialPorts: ports[usbKey(vid, pid)],
		})
	}
	return devices, nil
}

// serialPortsByUSB groups serial port names by the USB device owning them.
// Enumeration errors yield an empty map.
func serialPortsByUSB() map[string][]string {
	list, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil
	}
	ports := make(map[string][]string)
	for _, p := range list {
		if !p.IsUSB {
			continue
		}
		key := usbKey(p.VID, p.PID)
		ports[key] = append(ports[key], p.Name)
	}
	return ports
}

func usbKey(vid, pid string) string {
	return strings.ToUpper(vid) + ":" + strings.ToUpper(pid)
}

// hasUSBCamera scans descriptors only; no device is opened.
func hasUSBCamera() (bool, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	found := false
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if _, video := classesOf(desc); video {
			found = true
		}
		return false
	})
	for _, d := range devs {
		_ = d.Close()
	}
	if err != nil && !found {
		return false, err
	}
	return found, nil
}

func classesOf(desc *gousb.DeviceDesc) (audio, video bool) {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				switch alt.Class {
				case gousb.ClassAudio:
					audio = true
				case gousb.ClassVideo:
					video = true
				}
			}
		}
	}
	return audio, video
}
