package adb

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"devicegate/models"
)

// ListDevices returns connected Android devices from `adb devices -l`.
// If the same physical device is connected via both USB and WiFi, WiFi is
// preferred.
func (c *Client) ListDevices(ctx context.Context) ([]models.Device, error) {
	res, err := c.Run(ctx, Command{Args: []string{"devices", "-l"}, Wait: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	devices := c.parseDeviceList(ctx, string(res.Stdout))
	return c.deduplicateDevices(ctx, devices), nil
}

// parseDeviceList parses the output of 'adb devices -l'.
func (c *Client) parseDeviceList(ctx context.Context, output string) []models.Device {
	var devices []models.Device
	lines := strings.Split(output, "\n")

	for i, line := range lines {
		// Skip header line and empty lines
		if i == 0 || strings.TrimSpace(line) == "" {
			continue
		}

		// Expected format: <serial> <state> [device info]
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}

		serial := parts[0]
		state := parts[1]
		if state != "device" {
			continue
		}

		device := models.Device{
			ID:          fmt.Sprintf("device_%s", serial),
			ADBDeviceID: serial,
			Name:        serial, // replaced with the model name below
			Status:      "online",
		}

		for _, part := range parts[2:] {
			if strings.HasPrefix(part, "model:") {
				device.Name = strings.ReplaceAll(strings.TrimPrefix(part, "model:"), "_", " ")
			}
		}

		c.enrichDeviceInfo(ctx, &device)
		devices = append(devices, device)
	}

	return devices
}

// isWiFiConnection checks if the device ID is a WiFi connection (ip:port).
func isWiFiConnection(adbDeviceID string) bool {
	return strings.Contains(adbDeviceID, ":")
}

// deduplicateDevices removes duplicate entries when the same device is
// connected via USB and WiFi; WiFi wins.
func (c *Client) deduplicateDevices(ctx context.Context, devices []models.Device) []models.Device {
	serialToDevice := make(map[string]models.Device)
	order := make([]string, 0, len(devices))

	for i := range devices {
		hwSerial := c.getSerialNumber(ctx, devices[i].ADBDeviceID)
		if hwSerial == "" {
			hwSerial = devices[i].ADBDeviceID
		}
		devices[i].HardwareSerial = hwSerial

		existing, exists := serialToDevice[hwSerial]
		if !exists {
			serialToDevice[hwSerial] = devices[i]
			order = append(order, hwSerial)
			continue
		}
		if isWiFiConnection(devices[i].ADBDeviceID) && !isWiFiConnection(existing.ADBDeviceID) {
			serialToDevice[hwSerial] = devices[i]
		}
	}

	result := make([]models.Device, 0, len(serialToDevice))
	for _, key := range order {
		result = append(result, serialToDevice[key])
	}
	return result
}

// getSerialNumber gets the hardware serial number of the device.
func (c *Client) getSerialNumber(ctx context.Context, serial string) string {
	out, err := c.GetProp(ctx, serial, "ro.serialno")
	if err != nil {
		return ""
	}
	return out
}

// enrichDeviceInfo fills optional device properties; failures are not fatal.
func (c *Client) enrichDeviceInfo(ctx context.Context, device *models.Device) {
	if version, err := c.GetProp(ctx, device.ADBDeviceID, "ro.build.version.release"); err == nil {
		device.AndroidVersion = version
	}
	if resolution, err := c.ScreenResolution(ctx, device.ADBDeviceID); err == nil {
		device.Resolution = resolution
	}
	if battery, err := c.getBatteryLevel(ctx, device.ADBDeviceID); err == nil {
		device.Battery = battery
	}
}

// GetState returns the ADB connection state for a device serial.
func (c *Client) GetState(ctx context.Context, serial string) (string, error) {
	res, err := c.Run(ctx, Command{Args: []string{"-s", serial, "get-state"}, Wait: true})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("get-state failed: %s", strings.TrimSpace(string(res.Stderr)))
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// GetProp reads a system property from the device.
func (c *Client) GetProp(ctx context.Context, serial, property string) (string, error) {
	res, err := c.Shell(ctx, serial, "getprop", property)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// ScreenResolution reads `wm size`, preferring "Override size" over
// "Physical size" since the override is what is actually displayed.
func (c *Client) ScreenResolution(ctx context.Context, serial string) (string, error) {
	res, err := c.Shell(ctx, serial, "wm", "size")
	if err != nil {
		return "", err
	}

	var physicalSize, overrideSize string
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Physical size:") {
			physicalSize = strings.TrimSpace(strings.TrimPrefix(line, "Physical size:"))
		}
		if strings.HasPrefix(line, "Override size:") {
			overrideSize = strings.TrimSpace(strings.TrimPrefix(line, "Override size:"))
		}
	}

	if overrideSize != "" {
		return overrideSize, nil
	}
	if physicalSize != "" {
		return physicalSize, nil
	}
	return "unknown", nil
}

// getBatteryLevel reads the battery level (0-100) from dumpsys.
func (c *Client) getBatteryLevel(ctx context.Context, serial string) (int, error) {
	res, err := c.Shell(ctx, serial, "dumpsys", "battery")
	if err != nil {
		return 0, err
	}

	for _, line := range strings.Split(string(res.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "level:") {
			var level int
			fmt.Sscanf(strings.TrimSpace(strings.TrimPrefix(line, "level:")), "%d", &level)
			return level, nil
		}
	}
	return 0, fmt.Errorf("battery level not found")
}

// Shell runs a shell command on the device and waits for completion.
func (c *Client) Shell(ctx context.Context, serial string, args ...string) (*Result, error) {
	full := append([]string{"-s", serial, "shell"}, args...)
	return c.Run(ctx, Command{Args: full, Wait: true})
}

// ShellDetached fires a shell command without waiting for it.
func (c *Client) ShellDetached(ctx context.Context, serial string, args ...string) error {
	full := append([]string{"-s", serial, "shell"}, args...)
	_, err := c.Run(ctx, Command{Args: full, Wait: false})
	return err
}

// Push copies a local file to the device.
func (c *Client) Push(ctx context.Context, serial, localPath, remotePath string) error {
	res, err := c.Run(ctx, Command{Args: []string{"-s", serial, "push", localPath, remotePath}, Wait: true})
	if err != nil {
		return fmt.Errorf("file push failed: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("file push failed: %s", strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// Forward creates ADB port forwarding from a local TCP port to a remote
// abstract socket, e.g. adb -s <serial> forward tcp:27183 localabstract:scrcpy
func (c *Client) Forward(ctx context.Context, serial string, localPort int, remoteSocket string) error {
	res, err := c.Run(ctx, Command{Args: []string{
		"-s", serial, "forward",
		fmt.Sprintf("tcp:%d", localPort),
		fmt.Sprintf("localabstract:%s", remoteSocket),
	}, Wait: true})
	if err != nil {
		return fmt.Errorf("adb forward failed: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("adb forward failed: %s", strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// RemoveForward removes ADB port forwarding for the specified local port.
func (c *Client) RemoveForward(ctx context.Context, serial string, localPort int) error {
	res, err := c.Run(ctx, Command{Args: []string{
		"-s", serial, "forward", "--remove", fmt.Sprintf("tcp:%d", localPort),
	}, Wait: true})
	if err != nil {
		return fmt.Errorf("adb forward remove failed: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("adb forward remove failed: %s", strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// KillScrcpyServer kills any lingering scrcpy app_process on the device.
// Best effort: a non-zero exit just means nothing matched.
func (c *Client) KillScrcpyServer(ctx context.Context, serial string) {
	c.Shell(ctx, serial, "pkill", "-9", "-f", "app_process.*scrcpy")
}

// ScreenCapture captures the device screen and returns PNG bytes.
func (c *Client) ScreenCapture(ctx context.Context, serial string) ([]byte, error) {
	res, err := c.Run(ctx, Command{Args: []string{"-s", serial, "exec-out", "screencap", "-p"}, Wait: true})
	if err != nil {
		return nil, fmt.Errorf("screencap failed: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("screencap failed: %s", strings.TrimSpace(string(res.Stderr)))
	}
	return res.Stdout, nil
}

// Connect connects to a device over TCP (ip:port).
func (c *Client) Connect(ctx context.Context, addr string) error {
	res, err := c.Run(ctx, Command{Args: []string{"connect", addr}, Wait: true})
	if err != nil {
		return err
	}
	out := string(res.Stdout)
	if res.ExitCode != 0 || strings.Contains(out, "failed") || strings.Contains(out, "unable") {
		return fmt.Errorf("adb connect %s: %s", addr, strings.TrimSpace(out))
	}
	return nil
}

// Disconnect disconnects a TCP device.
func (c *Client) Disconnect(ctx context.Context, addr string) error {
	res, err := c.Run(ctx, Command{Args: []string{"disconnect", addr}, Wait: true})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("adb disconnect %s: %s", addr, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// StartScreenRecord starts hardware-encoded H.264 capture via screenrecord
// and returns the raw Annex-B stream. screenrecord stops itself after its
// 3-minute limit; the caller restarts the pipe when the stream ends.
func (c *Client) StartScreenRecord(serial string, bitRate, maxSize int) (io.ReadCloser, *exec.Cmd, error) {
	size := fmt.Sprintf("%dx%d", (maxSize*9/16)/2*2, maxSize) // portrait, even dims
	return c.StartPipe("-s", serial, "exec-out",
		"screenrecord",
		"--output-format=h264",
		fmt.Sprintf("--bit-rate=%d", bitRate),
		"--size="+size,
		"-")
}
