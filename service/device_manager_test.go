package service

import (
	"context"
	"testing"

	"mobileproxy/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanDevicesUpsertsAndMarksUnseen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B")
	m := NewDeviceManager(f.bridge, f.registry, f.events)

	f.bridge.Devices = []models.DeviceInfo{{Serial: "B", Model: "Pixel 7", AndroidVersion: "14"}, {Serial: "C"}}
	observed, err := m.ScanDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, observed, 2)

	all, err := m.GetAllDevices(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	status := map[string]models.DeviceStatus{}
	for _, d := range all {
		status[d.Serial] = d.Status
	}
	assert.Equal(t, models.DeviceUnknown, status["A"])
	assert.Equal(t, models.DeviceConnected, status["B"])
	assert.Equal(t, models.DeviceConnected, status["C"])

	b, err := m.GetDevice(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, "Pixel 7", b.Model)
	assert.Len(t, f.events.ofType(models.EventDevicesScanned), 1)
}

func TestScanDevicesBridgeUnavailable(t *testing.T) {
	f := newFixture(t)
	f.bridge.Unavailable = true
	m := NewDeviceManager(f.bridge, f.registry, nil)

	_, err := m.ScanDevices(context.Background())
	assert.ErrorIs(t, err, ErrBridgeUnavailable)
	assert.False(t, m.BridgeAvailable(context.Background()))
}

func TestDeviceDetails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := NewDeviceManager(f.bridge, f.registry, nil)
	f.connection(t, testSerial, 9090, 8080)
	f.bridge.SetIP(testSerial, "10.0.0.7")

	details, err := m.Details(ctx, testSerial)
	require.NoError(t, err)
	assert.Equal(t, testSerial, details.Device.Serial)
	assert.Len(t, details.Connections, 1)
	assert.Equal(t, "10.0.0.7", details.IP)
	assert.True(t, details.IPFound)

	f.bridge.SetUnavailable(true)
	details, err = m.Details(ctx, testSerial)
	require.NoError(t, err)
	assert.False(t, details.IPFound)

	_, err = m.Details(ctx, "missing")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSystemStatusCounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B")
	m := NewDeviceManager(f.bridge, f.registry, nil)
	a := f.connection(t, "A", 9001, 8080)
	f.connection(t, "B", 9002, 8080)
	f.connection(t, "B", 9003, 8080)
	require.NoError(t, f.controller.Start(ctx, a.ID))

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.BridgeAvailable)
	assert.Equal(t, 2, status.Devices)
	assert.Equal(t, 3, status.Connections)
	assert.Equal(t, 1, status.ActiveConnections)
	assert.Equal(t, 2, status.StoppedConnections)
}
