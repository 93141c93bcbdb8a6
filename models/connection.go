package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type ConnectionStatus string

const (
	ConnectionStopped ConnectionStatus = "stopped"
	ConnectionActive  ConnectionStatus = "active"
)

// Connection is a configured forward from a host port to a device port.
// CurrentIP and LastCheck are either both set or both empty.
type Connection struct {
	ID           int64            `json:"id"`
	DeviceSerial string           `json:"device_serial"`
	LocalPort    int              `json:"local_port"`
	RemotePort   int              `json:"remote_port"`
	Status       ConnectionStatus `json:"status"`
	CurrentIP    string           `json:"current_ip,omitempty"`
	LastCheck    *time.Time       `json:"last_check,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Forward is one line of `adb forward --list`.
type Forward struct {
	Serial string `json:"serial"`
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

// TCPSpec formats a port the way adb names tcp forward endpoints.
func TCPSpec(port int) string {
	return fmt.Sprintf("tcp:%d", port)
}

// LocalPort returns the host port of a tcp forward, or 0 for other socket kinds.
func (f Forward) LocalPort() int {
	return tcpPort(f.Local)
}

// RemotePort returns the device port of a tcp forward, or 0 for other socket kinds.
func (f Forward) RemotePort() int {
	return tcpPort(f.Remote)
}

func tcpPort(spec string) int {
	rest, ok := strings.CutPrefix(spec, "tcp:")
	if !ok {
		return 0
	}
	port, err := strconv.Atoi(rest)
	if err != nil {
		return 0
	}
	return port
}
