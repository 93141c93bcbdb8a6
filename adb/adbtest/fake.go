// Package adbtest provides an in-memory adb.Bridge for tests.
package adbtest

import (
	"context"
	"sort"
	"sync"

	"mobileproxy/adb"
	"mobileproxy/models"
)

// FakeBridge keeps forwards and radio state in memory. Failure knobs are
// plain fields; set them before handing the fake to the code under test, or
// use the setters when the code under test runs concurrently.
type FakeBridge struct {
	mu sync.Mutex

	Unavailable bool
	Devices     []models.DeviceInfo
	Properties  map[string]map[string]string
	IPs         map[string]string

	// FailCreate / FailRemove make the matching local port fail.
	FailCreate map[int]bool
	FailRemove map[int]bool
	// KeepOnRemove makes RemoveForward report success without removing.
	KeepOnRemove map[int]bool

	// FailListForwards makes ListForwards report nothing, as on a timeout.
	FailListForwards bool

	// FailAirplaneOn / FailAirplaneOff fail the settings write for that direction.
	FailAirplaneOn  bool
	FailAirplaneOff bool

	forwards map[int]models.Forward
	airplane map[string]bool
	calls    []string
}

var _ adb.Bridge = (*FakeBridge)(nil)

func NewFakeBridge(devices ...models.DeviceInfo) *FakeBridge {
	return &FakeBridge{
		Devices:      devices,
		Properties:   make(map[string]map[string]string),
		IPs:          make(map[string]string),
		FailCreate:   make(map[int]bool),
		FailRemove:   make(map[int]bool),
		KeepOnRemove: make(map[int]bool),
		forwards:     make(map[int]models.Forward),
		airplane:     make(map[string]bool),
	}
}

func (f *FakeBridge) record(call string) {
	f.calls = append(f.calls, call)
}

// Calls returns the names of bridge operations invoked so far, in order.
func (f *FakeBridge) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeBridge) SetUnavailable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Unavailable = v
}

func (f *FakeBridge) SetIP(serial, ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ip == "" {
		delete(f.IPs, serial)
		return
	}
	f.IPs[serial] = ip
}

func (f *FakeBridge) SetFailCreate(localPort int, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailCreate[localPort] = fail
}

func (f *FakeBridge) SetFailListForwards(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailListForwards = fail
}

func (f *FakeBridge) SetFailRemove(localPort int, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailRemove[localPort] = fail
}

// DropForward simulates a forward vanishing behind the registry's back,
// e.g. the adb server restarting.
func (f *FakeBridge) DropForward(localPort int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.forwards, localPort)
}

// AddForward installs a forward directly, bypassing CreateForward.
func (f *FakeBridge) AddForward(serial string, localPort, remotePort int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards[localPort] = models.Forward{Serial: serial, Local: models.TCPSpec(localPort), Remote: models.TCPSpec(remotePort)}
}

// Forwards returns every forward the fake holds, ordered by local port.
func (f *FakeBridge) Forwards() []models.Forward {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Forward, 0, len(f.forwards))
	for _, fw := range f.forwards {
		out = append(out, fw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalPort() < out[j].LocalPort() })
	return out
}

// AirplaneMode reports the last successfully written airplane state.
func (f *FakeBridge) AirplaneMode(serial string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.airplane[serial]
}

func (f *FakeBridge) IsAvailable(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("IsAvailable")
	return !f.Unavailable
}

func (f *FakeBridge) ListDevices(ctx context.Context) []models.DeviceInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListDevices")
	if f.Unavailable {
		return nil
	}
	return append([]models.DeviceInfo(nil), f.Devices...)
}

func (f *FakeBridge) GetProperty(ctx context.Context, serial, key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetProperty")
	if f.Unavailable {
		return ""
	}
	return f.Properties[serial][key]
}

func (f *FakeBridge) CreateForward(ctx context.Context, serial string, localPort, remotePort int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateForward")
	if f.Unavailable {
		return false
	}
	delete(f.forwards, localPort)
	if f.FailCreate[localPort] {
		return false
	}
	f.forwards[localPort] = models.Forward{Serial: serial, Local: models.TCPSpec(localPort), Remote: models.TCPSpec(remotePort)}
	return true
}

func (f *FakeBridge) RemoveForward(ctx context.Context, serial string, localPort int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RemoveForward")
	if f.Unavailable || f.FailRemove[localPort] {
		return false
	}
	if f.KeepOnRemove[localPort] {
		return true
	}
	fw, ok := f.forwards[localPort]
	if !ok || fw.Serial != serial {
		return false
	}
	delete(f.forwards, localPort)
	return true
}

func (f *FakeBridge) ListForwards(ctx context.Context, serial string) []models.Forward {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListForwards")
	if f.Unavailable || f.FailListForwards {
		return nil
	}
	var out []models.Forward
	for _, fw := range f.forwards {
		if fw.Serial == serial {
			out = append(out, fw)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalPort() < out[j].LocalPort() })
	return out
}

func (f *FakeBridge) SetAirplaneMode(ctx context.Context, serial string, on bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on {
		f.record("AirplaneOn")
	} else {
		f.record("AirplaneOff")
	}
	if f.Unavailable || (on && f.FailAirplaneOn) || (!on && f.FailAirplaneOff) {
		return false
	}
	f.airplane[serial] = on
	return true
}

func (f *FakeBridge) GetDeviceIP(ctx context.Context, serial string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetDeviceIP")
	if f.Unavailable || f.airplane[serial] {
		return "", false
	}
	ip, ok := f.IPs[serial]
	return ip, ok
}
