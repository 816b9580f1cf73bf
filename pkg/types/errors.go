package types

import "errors"

// Failure kinds of a measurement run. Components wrap these with %w so callers
// can tell them apart with errors.Is.
var (
	ErrImageUnreadable           = errors.New("image unreadable")
	ErrUnsupportedImageFormat    = errors.New("unsupported image format")
	ErrNoReferenceObjectDetected = errors.New("no reference object detected")
	ErrReferenceOutsideImage     = errors.New("reference object outside image")
	ErrDegenerateReferenceSize   = errors.New("degenerate reference object size")
	ErrIncompleteSkeleton        = errors.New("incomplete skeleton")
	ErrInvalidScaleFactor        = errors.New("invalid scale factor")
	ErrCollaborator              = errors.New("detector or estimator failure")
)
