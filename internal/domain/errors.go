package domain

import (
	"errors"
	"fmt"
)

// ErrKillSwitchTripped blocks every new reservation until an explicit reset.
var ErrKillSwitchTripped = errors.New("kill switch tripped")

// StaleDataError means the book moved past the data an action was computed from.
// The action is abandoned and never retried.
type StaleDataError struct {
	MarketID   string
	SourceSeq  uint64
	CurrentSeq uint64
	Reason     string
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("stale data for %s: %s (source seq %d, current seq %d)",
		e.MarketID, e.Reason, e.SourceSeq, e.CurrentSeq)
}

// RiskRejectedError names the limit that refused a reservation.
type RiskRejectedError struct {
	Limit     LimitKind
	MarketID  string
	Requested float64
	Current   float64
	Cap       float64
}

func (e *RiskRejectedError) Error() string {
	if e.Limit == LimitKillSwitch {
		return fmt.Sprintf("risk rejected %s: %s", e.MarketID, ErrKillSwitchTripped)
	}
	return fmt.Sprintf("risk rejected %s: %s (requested %.2f, current %.2f, cap %.2f)",
		e.MarketID, e.Limit, e.Requested, e.Current, e.Cap)
}

// Unwrap lets errors.Is(err, ErrKillSwitchTripped) match kill-switch rejections.
func (e *RiskRejectedError) Unwrap() error {
	if e.Limit == LimitKillSwitch {
		return ErrKillSwitchTripped
	}
	return nil
}

// TransientExecutionError is a network or timeout failure worth retrying.
type TransientExecutionError struct {
	Op  string
	Err error
}

func (e *TransientExecutionError) Error() string {
	return fmt.Sprintf("transient %s: %v", e.Op, e.Err)
}

func (e *TransientExecutionError) Unwrap() error { return e.Err }

// PermanentExecutionError is a failure that retrying cannot fix
// (invalid price or size, insufficient balance).
type PermanentExecutionError struct {
	Op  string
	Err error
}

func (e *PermanentExecutionError) Error() string {
	return fmt.Sprintf("permanent %s: %v", e.Op, e.Err)
}

func (e *PermanentExecutionError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientExecutionError
	return errors.As(err, &te)
}
