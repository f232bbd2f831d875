package inference

import "errors"

var (
	ErrBackendUnavailable = errors.New("inference backend unavailable")
	ErrInferenceTimeout   = errors.New("inference timeout")
	ErrInvalidResponse    = errors.New("inference backend returned invalid response")
	ErrRejected           = errors.New("inference backend rejected job")
)
