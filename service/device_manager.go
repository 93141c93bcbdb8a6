package service

import (
	"context"

	"mobileproxy/adb"
	"mobileproxy/models"

	log "github.com/sirupsen/logrus"
)

type DeviceManager struct {
	bridge   adb.Bridge
	registry *Registry
	events   Broadcaster
}

func NewDeviceManager(bridge adb.Bridge, registry *Registry, events Broadcaster) *DeviceManager {
	return &DeviceManager{
		bridge:   bridge,
		registry: registry,
		events:   orNoop(events),
	}
}

// ScanDevices runs one enumeration pass: every ready device is upserted as
// connected and registry devices that were not observed become unknown.
func (m *DeviceManager) ScanDevices(ctx context.Context) ([]models.Device, error) {
	if !m.bridge.IsAvailable(ctx) {
		return nil, ErrBridgeUnavailable
	}

	found := m.bridge.ListDevices(ctx)
	observed := make([]models.Device, 0, len(found))
	serials := make([]string, 0, len(found))
	for _, info := range found {
		device, err := m.registry.UpsertDevice(ctx, info.Serial, info.Model, info.AndroidVersion)
		if err != nil {
			return nil, err
		}
		observed = append(observed, *device)
		serials = append(serials, info.Serial)
	}

	if err := m.registry.MarkUnseen(ctx, serials); err != nil {
		return nil, err
	}

	log.WithField("count", len(observed)).Info("device scan complete")
	ev := models.NewEvent(models.EventDevicesScanned, "")
	ev.Message = "device list refreshed"
	m.events.BroadcastToAll(ev)
	return observed, nil
}

// GetAllDevices returns all devices known to the registry
func (m *DeviceManager) GetAllDevices(ctx context.Context) ([]models.Device, error) {
	return m.registry.ListDevices(ctx)
}

// GetDevice returns a single device by serial
func (m *DeviceManager) GetDevice(ctx context.Context, serial string) (*models.Device, error) {
	return m.registry.GetDevice(ctx, serial)
}

// DeviceIP reads the device's current address without recording it.
func (m *DeviceManager) DeviceIP(ctx context.Context, serial string) (string, bool, error) {
	if !m.bridge.IsAvailable(ctx) {
		return "", false, ErrBridgeUnavailable
	}
	ip, ok := m.bridge.GetDeviceIP(ctx, serial)
	return ip, ok, nil
}

// BridgeAvailable reports whether the adb binary currently answers.
func (m *DeviceManager) BridgeAvailable(ctx context.Context) bool {
	return m.bridge.IsAvailable(ctx)
}

// Details returns the device, its connections and, when adb answers, its
// current address.
func (m *DeviceManager) Details(ctx context.Context, serial string) (*models.DeviceDetails, error) {
	device, err := m.registry.GetDevice(ctx, serial)
	if err != nil {
		return nil, err
	}
	connections, err := m.registry.ListConnections(ctx, serial)
	if err != nil {
		return nil, err
	}

	details := &models.DeviceDetails{Device: *device, Connections: connections}
	if details.Connections == nil {
		details.Connections = []models.Connection{}
	}
	if m.bridge.IsAvailable(ctx) {
		details.IP, details.IPFound = m.bridge.GetDeviceIP(ctx, serial)
	}
	return details, nil
}

// Status counts devices and connections and reports whether adb answers.
func (m *DeviceManager) Status(ctx context.Context) (models.SystemStatus, error) {
	status := models.SystemStatus{BridgeAvailable: m.bridge.IsAvailable(ctx)}

	devices, err := m.registry.ListDevices(ctx)
	if err != nil {
		return status, err
	}
	status.Devices = len(devices)
	for _, d := range devices {
		if d.Status == models.DeviceConnected {
			status.ConnectedDevices++
		}
	}

	connections, err := m.registry.ListConnections(ctx, "")
	if err != nil {
		return status, err
	}
	status.Connections = len(connections)
	for _, c := range connections {
		if c.Status == models.ConnectionActive {
			status.ActiveConnections++
		} else {
			status.StoppedConnections++
		}
	}
	return status, nil
}
