package models

import "time"

// OpResult is the outcome of one lifecycle operation inside a bulk call.
type OpResult struct {
	ConnectionID int64  `json:"connection_id"`
	DeviceSerial string `json:"device_serial"`
	LocalPort    int    `json:"local_port"`
	Success      bool   `json:"success"`
	IP           string `json:"ip,omitempty"`
	Error        string `json:"error,omitempty"`
}

// BulkResult reports per-connection outcomes of a best-effort bulk operation.
type BulkResult struct {
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Results   []OpResult `json:"results"`
}

// Add records one outcome and updates the counters.
func (r *BulkResult) Add(res OpResult) {
	if res.Success {
		r.Succeeded++
	} else {
		r.Failed++
	}
	r.Results = append(r.Results, res)
}

type RotationOutcome string

const (
	RotationRotated       RotationOutcome = "rotated"
	RotationAborted       RotationOutcome = "aborted"
	RotationIndeterminate RotationOutcome = "indeterminate"
)

// RotationStep names a step of the airplane-mode toggle protocol.
type RotationStep string

const (
	StepAirplaneOn         RotationStep = "airplane_on"
	StepSettleDisassociate RotationStep = "settle_disassociate"
	StepAirplaneOff        RotationStep = "airplane_off"
	StepSettleReassociate  RotationStep = "settle_reassociate"
)

type RotationResult struct {
	Serial     string          `json:"serial"`
	Outcome    RotationOutcome `json:"outcome"`
	FailedStep RotationStep    `json:"failed_step,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// ProbeResult is a live check of a forward from the host side.
type ProbeResult struct {
	ConnectionID int64  `json:"connection_id"`
	LocalPort    int    `json:"local_port"`
	Reachable    bool   `json:"reachable"`
	PublicIP     string `json:"public_ip,omitempty"`
}
