package adb

import (
	"context"
	"errors"
	"testing"
	"time"
)

// unreachableClient never finds a real adb binary, so enrichment calls
// fail fast and parsing stays deterministic.
func unreachableClient() *Client {
	return &Client{path: "/nonexistent/adb"}
}

func TestParseDeviceList(t *testing.T) {
	output := `List of devices attached
R5CT30XXXXX	device usb:1-1 product:dm3qxeea model:SM_S911B device:dm3q transport_id:1
emulator-5554	device product:sdk_gphone64_x86_64 model:sdk_gphone64_x86_64 device:emu64x transport_id:2
0123456789ABCDEF	offline transport_id:3
0A1B2C3D	unauthorized transport_id:4

`
	c := unreachableClient()
	devices := c.parseDeviceList(context.Background(), output)

	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2 (offline and unauthorized excluded)", len(devices))
	}
	if devices[0].ADBDeviceID != "R5CT30XXXXX" {
		t.Errorf("serial = %q", devices[0].ADBDeviceID)
	}
	if devices[0].Name != "SM S911B" {
		t.Errorf("model underscores should become spaces, got %q", devices[0].Name)
	}
	if devices[0].Status != "online" {
		t.Errorf("status = %q, want online", devices[0].Status)
	}
	if devices[0].ID != "device_R5CT30XXXXX" {
		t.Errorf("id = %q", devices[0].ID)
	}
}

func TestParseDeviceListEmpty(t *testing.T) {
	c := unreachableClient()
	if devices := c.parseDeviceList(context.Background(), "List of devices attached\n\n"); len(devices) != 0 {
		t.Errorf("got %d devices, want 0", len(devices))
	}
}

func TestIsWiFiConnection(t *testing.T) {
	if !isWiFiConnection("192.168.1.50:5555") {
		t.Error("ip:port should be a WiFi connection")
	}
	if isWiFiConnection("R5CT30XXXXX") {
		t.Error("plain serial should not be a WiFi connection")
	}
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	c := &Client{path: "/bin/sleep"}
	start := time.Now()
	_, err := c.Run(context.Background(), Command{
		Args:    []string{"10"},
		Timeout: 100 * time.Millisecond,
		Wait:    true,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("process not killed promptly, took %v", elapsed)
	}
}

func TestRunDetachedReturnsImmediately(t *testing.T) {
	c := &Client{path: "/bin/sleep"}
	start := time.Now()
	res, err := c.Run(context.Background(), Command{Args: []string{"1"}, Wait: false})
	if err != nil {
		t.Fatalf("detached run failed: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("detached exit code = %d, want 0", res.ExitCode)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("detached run blocked for %v", elapsed)
	}
}

func TestRunCollectsExitCode(t *testing.T) {
	c := &Client{path: "/bin/sh"}
	res, err := c.Run(context.Background(), Command{
		Args: []string{"-c", "echo out; echo err >&2; exit 3"},
		Wait: true,
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if string(res.Stdout) != "out\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if string(res.Stderr) != "err\n" {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestNewClientPrefersConfiguredPath(t *testing.T) {
	c := NewClient("/custom/adb")
	if c.Path() != "/custom/adb" {
		t.Errorf("path = %q, want configured path", c.Path())
	}
}
