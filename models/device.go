package models

import "time"

type DeviceStatus string

const (
	DeviceConnected DeviceStatus = "connected"
	DeviceUnknown   DeviceStatus = "unknown"
)

// Device is a registry row. Serial is the adb serial and the primary key.
type Device struct {
	Serial         string       `json:"serial"`
	Model          string       `json:"model"`
	AndroidVersion string       `json:"android_version"`
	Status         DeviceStatus `json:"status"`
	LastSeen       time.Time    `json:"last_seen"`
}

// DeviceInfo is what one enumeration pass reports for a ready device.
type DeviceInfo struct {
	Serial         string `json:"serial"`
	Model          string `json:"model,omitempty"`
	AndroidVersion string `json:"android_version,omitempty"`
}

// DeviceDetails is a device with its connections and the address it reports
// right now.
type DeviceDetails struct {
	Device      Device       `json:"device"`
	Connections []Connection `json:"connections"`
	IP          string       `json:"ip,omitempty"`
	IPFound     bool         `json:"ip_found"`
}

// SystemStatus summarizes the bridge and the registry.
type SystemStatus struct {
	BridgeAvailable    bool `json:"bridge_available"`
	Devices            int  `json:"devices"`
	ConnectedDevices   int  `json:"connected_devices"`
	Connections        int  `json:"connections"`
	ActiveConnections  int  `json:"active_connections"`
	StoppedConnections int  `json:"stopped_connections"`
}
