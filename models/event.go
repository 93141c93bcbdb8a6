package models

import "time"

const (
	EventConnectionStatus = "connection_status"
	EventConnectionIP     = "connection_ip"
	EventDevicesScanned   = "devices_scanned"
	EventJobUpdate        = "job_update"
)

// Event is pushed to websocket subscribers of a device (or "all").
type Event struct {
	Type         string           `json:"type"`
	Serial       string           `json:"serial,omitempty"`
	ConnectionID int64            `json:"connection_id,omitempty"`
	Status       ConnectionStatus `json:"status,omitempty"`
	IP           string           `json:"ip,omitempty"`
	JobID        string           `json:"job_id,omitempty"`
	JobStatus    JobStatus        `json:"job_status,omitempty"`
	Message      string           `json:"message,omitempty"`
	Timestamp    int64            `json:"timestamp"`
}

func NewEvent(eventType, serial string) Event {
	return Event{Type: eventType, Serial: serial, Timestamp: time.Now().Unix()}
}
