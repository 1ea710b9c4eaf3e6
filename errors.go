package cc33xx

import (
	"errors"
	"fmt"
)

var (
	// ErrIO reports a failed bus transaction, a command timeout, a protocol
	// violation or a device-reported command failure. Recovery has already
	// been requested when a command path returns it.
	ErrIO = errors.New("cc33xx: i/o error")
	// ErrBusy reports resource exhaustion or a conflicting operation.
	ErrBusy = errors.New("cc33xx: busy")
	// ErrNotOn is returned by configuration operations while the device is
	// off or restarting.
	ErrNotOn = errors.New("cc33xx: device not on")
	// ErrTxDropped is returned by Transmit when the frame was not admitted.
	ErrTxDropped         = errors.New("cc33xx: tx dropped")
	ErrInvalidLink       = errors.New("cc33xx: invalid link id")
	ErrInvalidRole       = errors.New("cc33xx: invalid role id")
	ErrEventTimeout      = errors.New("cc33xx: timed out waiting for firmware event")
	errClosed            = errors.New("cc33xx: device closed")
	errAlreadyStarted    = errors.New("cc33xx: device already started")
	errCmdUnaligned      = errors.New("command length not 4 byte aligned")
	errCmdTooLong        = errors.New("command exceeds max command size")
	errCmdTimeout        = errors.New("command timeout")
	errBadSync           = errors.New("bad device sync pattern")
	errBadNABLen         = errors.New("NAB length exceeds read buffer")
	errResultOverflow    = errors.New("command result exceeds result buffer")
	errUnknownRecord     = errors.New("unknown control record type")
	errDoubleCompletion  = errors.New("multiple command completions in one control read")
	errCorruptStatus     = errors.New("core status padding corrupt")
	errZeroRxLen         = errors.New("zero length rx buffer")
	errBootTimeout       = errors.New("firmware boot timeout")
	errRecoveryPending   = errors.New("recovery in progress")
	errIfaceNotAdded     = errors.New("interface not added")
	errNoLinkForFrame    = errors.New("no link for frame")
	errStationNotAdded   = errors.New("station not added")
	errTooManyInterfaces = errors.New("too many interfaces")
)

// statusError is a device-reported command failure.
type statusError struct {
	cmd    fmt.Stringer
	status fmt.Stringer
}

func (e *statusError) Error() string {
	return "command " + e.cmd.String() + " failed: " + e.status.String()
}

func (e *statusError) Is(target error) bool { return target == ErrIO }

func errjoin(errs ...error) error { return errors.Join(errs...) }
