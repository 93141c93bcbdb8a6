package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"mobileproxy/adb/adbtest"
	"mobileproxy/config"
	"mobileproxy/models"

	"github.com/stretchr/testify/require"
)

const testSerial = "R5CR20ABCDE"

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := config.OpenDatabase(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRegistry(db)
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []models.Event
}

func (b *recordingBroadcaster) BroadcastToDevice(serial string, message interface{}) {
	b.record(message)
}

func (b *recordingBroadcaster) BroadcastToAll(message interface{}) {
	b.record(message)
}

func (b *recordingBroadcaster) record(message interface{}) {
	if ev, ok := message.(models.Event); ok {
		b.mu.Lock()
		b.events = append(b.events, ev)
		b.mu.Unlock()
	}
}

func (b *recordingBroadcaster) ofType(eventType string) []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.Event
	for _, ev := range b.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	bridge     *adbtest.FakeBridge
	registry   *Registry
	events     *recordingBroadcaster
	controller *Controller
}

func newFixture(t *testing.T, serials ...string) *fixture {
	t.Helper()
	if len(serials) == 0 {
		serials = []string{testSerial}
	}

	var infos []models.DeviceInfo
	for _, s := range serials {
		infos = append(infos, models.DeviceInfo{Serial: s, Model: "SM-A525F", AndroidVersion: "13"})
	}

	f := &fixture{
		bridge:   adbtest.NewFakeBridge(infos...),
		registry: newTestRegistry(t),
		events:   &recordingBroadcaster{},
	}
	f.controller = NewController(f.bridge, f.registry, f.events, 4)

	for _, info := range infos {
		_, err := f.registry.UpsertDevice(context.Background(), info.Serial, info.Model, info.AndroidVersion)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) connection(t *testing.T, serial string, localPort, remotePort int) *models.Connection {
	t.Helper()
	conn, err := f.controller.CreateConnection(context.Background(), serial, localPort, remotePort)
	require.NoError(t, err)
	return conn
}

func (f *fixture) status(t *testing.T, id int64) models.ConnectionStatus {
	t.Helper()
	conn, err := f.registry.GetConnection(context.Background(), id)
	require.NoError(t, err)
	return conn.Status
}
