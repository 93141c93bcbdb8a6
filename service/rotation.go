package service

import (
	"context"
	"fmt"
	"time"

	"mobileproxy/adb"
	"mobileproxy/models"

	log "github.com/sirupsen/logrus"
)

const DefaultSettleDelay = 5 * time.Second

// RotationSequencer changes a device's external IP by toggling airplane mode:
//
//	airplane on -> settle -> airplane off -> settle
//
// Lease acquisition after the radio comes back cannot be observed reliably
// across vendors, so each step is followed by a fixed settle delay. The
// sequencer never reads the new IP or touches the registry; callers do that
// once Rotate returns.
type RotationSequencer struct {
	bridge      adb.Bridge
	settleDelay time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewRotationSequencer(bridge adb.Bridge, settleDelay time.Duration) *RotationSequencer {
	if settleDelay <= 0 {
		settleDelay = DefaultSettleDelay
	}
	return &RotationSequencer{
		bridge:      bridge,
		settleDelay: settleDelay,
		sleep:       sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Rotate runs the toggle protocol on serial.
//
// A failed "on" step returns ErrRotationAborted: nothing changed on the
// device. Any failure or cancellation after airplane mode was switched on
// returns ErrIndeterminateRadioState, since the device may be left offline.
func (s *RotationSequencer) Rotate(ctx context.Context, serial string) (models.RotationResult, error) {
	result := models.RotationResult{Serial: serial, StartedAt: time.Now()}
	logger := log.WithField("serial", serial)

	finish := func(outcome models.RotationOutcome, step models.RotationStep, err error) (models.RotationResult, error) {
		result.Outcome = outcome
		result.FailedStep = step
		result.FinishedAt = time.Now()
		return result, err
	}

	if !s.bridge.IsAvailable(ctx) {
		return finish(models.RotationAborted, models.StepAirplaneOn, ErrBridgeUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return finish(models.RotationAborted, models.StepAirplaneOn, fmt.Errorf("%w: %v", ErrRotationAborted, err))
	}

	logger.Info("rotation: enabling airplane mode")
	if !s.bridge.SetAirplaneMode(ctx, serial, true) {
		logger.Warn("rotation aborted, airplane mode could not be enabled")
		return finish(models.RotationAborted, models.StepAirplaneOn, ErrRotationAborted)
	}

	indeterminate := func(step models.RotationStep, cause string) (models.RotationResult, error) {
		logger.WithFields(log.Fields{"step": step, "cause": cause}).Error("indeterminate device radio state, device may remain in airplane mode")
		return finish(models.RotationIndeterminate, step, fmt.Errorf("%w: %s on %s: %s", ErrIndeterminateRadioState, step, serial, cause))
	}

	if err := s.sleep(ctx, s.settleDelay); err != nil {
		return indeterminate(models.StepSettleDisassociate, err.Error())
	}

	logger.Info("rotation: disabling airplane mode")
	if !s.bridge.SetAirplaneMode(ctx, serial, false) {
		return indeterminate(models.StepAirplaneOff, "airplane mode could not be disabled")
	}

	if err := s.sleep(ctx, s.settleDelay); err != nil {
		return indeterminate(models.StepSettleReassociate, err.Error())
	}

	logger.WithField("elapsed", time.Since(result.StartedAt).Round(time.Millisecond)).Info("rotation complete")
	return finish(models.RotationRotated, "", nil)
}
