package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"devicegate/adb"
	"devicegate/models"
)

// DeviceManager tracks connected Android devices. The registry is refreshed
// by explicit Scan calls and, optionally, a background poll loop; devices
// that drop off the adb list are marked offline and their stream sessions
// torn down.
type DeviceManager struct {
	client     *adb.Client
	supervisor *SessionSupervisor

	mu      sync.RWMutex
	devices map[string]*models.Device
}

func NewDeviceManager(client *adb.Client, supervisor *SessionSupervisor) *DeviceManager {
	return &DeviceManager{
		client:     client,
		supervisor: supervisor,
		devices:    make(map[string]*models.Device),
	}
}

// Scan refreshes the registry from `adb devices`. Devices that disappeared
// since the previous scan stay in the registry as offline so their history
// remains addressable.
func (m *DeviceManager) Scan(ctx context.Context) error {
	found, err := m.client.ListDevices(ctx)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	seen := make(map[string]bool, len(found))

	m.mu.Lock()
	for i := range found {
		d := found[i]
		d.LastSeen = now
		seen[d.ID] = true
		m.devices[d.ID] = &d
	}

	var dropped []string
	for id, d := range m.devices {
		if !seen[id] && d.Status == "online" {
			d.Status = "offline"
			dropped = append(dropped, d.ADBDeviceID)
		}
	}
	m.mu.Unlock()

	for _, serial := range dropped {
		logrus.WithField("device", serial).Info("device went offline")
		if m.supervisor != nil {
			m.supervisor.StopDevice(serial)
		}
	}
	return nil
}

// Poll rescans at the given interval until the context is cancelled.
func (m *DeviceManager) Poll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Scan(ctx); err != nil {
				logrus.WithError(err).Warn("device scan failed")
			}
		}
	}
}

// All returns a snapshot of every known device.
func (m *DeviceManager) All() []*models.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]*models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		copied := *d
		devices = append(devices, &copied)
	}
	return devices
}

// Get returns a device by registry ID.
func (m *DeviceManager) Get(id string) (*models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	copied := *d
	return &copied, nil
}

// ResolveSerial maps a registry ID to the adb serial of an online device.
func (m *DeviceManager) ResolveSerial(id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[id]
	if !ok {
		return "", ErrDeviceNotFound
	}
	if d.Status != "online" {
		return "", ErrDeviceNotConnected
	}
	return d.ADBDeviceID, nil
}

// ConnectTCP attaches a device over the network (ip:port) and rescans.
func (m *DeviceManager) ConnectTCP(ctx context.Context, addr string) error {
	if !strings.Contains(addr, ":") {
		addr += ":5555"
	}
	if err := m.client.Connect(ctx, addr); err != nil {
		return err
	}
	return m.Scan(ctx)
}

// DisconnectTCP detaches a network device and rescans.
func (m *DeviceManager) DisconnectTCP(ctx context.Context, addr string) error {
	if err := m.client.Disconnect(ctx, addr); err != nil {
		return err
	}
	return m.Scan(ctx)
}
