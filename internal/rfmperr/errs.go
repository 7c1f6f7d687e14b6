// Package rfmperr holds the sentinel error kinds from spec §7, so the
// engine and its subsystems can classify a failure without string
// matching.
package rfmperr

import "errors"

var (
	// ErrKissTruncated wraps a truncated KISS frame (FramingError).
	ErrKissTruncated = errors.New("rfmperr: kiss frame truncated")
	// ErrAx25Malformed wraps a malformed AX.25 header (FramingError).
	ErrAx25Malformed = errors.New("rfmperr: ax25 frame malformed")
	// ErrRfmpBadMagic and ErrRfmpBadVersion wrap the matching rfmp codec
	// errors (FramingError).
	ErrRfmpBadMagic    = errors.New("rfmperr: rfmp bad magic")
	ErrRfmpBadVersion  = errors.New("rfmperr: rfmp bad version")
	ErrIDMismatch      = errors.New("rfmperr: message id does not match fingerprint")
	ErrReassemblyIDMismatch = errors.New("rfmperr: reassembled message id does not match fingerprint")

	// ErrStore names the StoreError kind. Store methods wrap the driver
	// error with fmt.Errorf instead of wrapping ErrStore, and a failed store
	// operation is not retried.
	ErrStore = errors.New("rfmperr: store operation failed")

	// ErrBackpressureDropped is returned to submit_message callers when the
	// tx queue exceeds queue_high_water.
	ErrBackpressureDropped = errors.New("rfmperr: tx queue backpressure, try again later")

	// ErrShutdownTimeout marks a hard-abort shutdown (spec §4.9).
	ErrShutdownTimeout = errors.New("rfmperr: shutdown deadline exceeded")
)
