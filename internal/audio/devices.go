package audio

import (
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
)

// DeviceListConfig defines how to list capture devices.
type DeviceListConfig struct {
	// Command and args to list devices.
	Command []string

	// DevicePattern is the regex to extract device info.
	DevicePattern *regexp.Regexp

	// ParseDevice converts regex matches to a Device.
	ParseDevice func(matches []string) *Device
}

// arecordList parses `arecord -l` lines such as
// "card 1: U192k [UMC202HD 192k], device 0: USB Audio [USB Audio]".
var arecordList = DeviceListConfig{
	Command:       []string{"arecord", "-l"},
	DevicePattern: regexp.MustCompile(`card\s+\d+:\s+(\w+)\s+\[([^\]]+)\],\s+device\s+(\d+):`),
	ParseDevice: func(matches []string) *Device {
		if len(matches) < 4 {
			return nil
		}
		return &Device{
			ID:   "hw:CARD=" + matches[1] + ",DEV=" + matches[3],
			Name: matches[2],
		}
	},
}

// ListDevices returns the capture devices reported by arecord.
// arecordPath overrides the executable when non-empty.
func ListDevices(arecordPath string) []Device {
	cfg := arecordList
	if arecordPath != "" {
		cfg.Command = append([]string{arecordPath}, cfg.Command[1:]...)
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil && len(output) == 0 {
		slog.Error("failed to list audio devices", "error", err)
		return nil
	}
	return parseDeviceList(string(output), cfg)
}

// parseDeviceList extracts device information from listing output.
//
//nolint:gocritic // hugeParam: config is passed once per listing
func parseDeviceList(output string, cfg DeviceListConfig) []Device {
	if cfg.DevicePattern == nil || cfg.ParseDevice == nil {
		return nil
	}

	var devices []Device
	for line := range strings.SplitSeq(output, "\n") {
		matches := cfg.DevicePattern.FindStringSubmatch(line)
		if len(matches) == 0 {
			continue
		}
		if dev := cfg.ParseDevice(matches); dev != nil {
			devices = append(devices, *dev)
		}
	}
	return devices
}
