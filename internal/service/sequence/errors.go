package sequence

import "errors"

// Sentinel errors for the sequencer.
var (
	ErrAlreadyEnrolled = errors.New("recipient already enrolled in this step")
	ErrNoSteps         = errors.New("campaign has no steps")
	ErrStepNotFound    = errors.New("step not found in campaign")
)
