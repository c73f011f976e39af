package multibox

import "github.com/pkg/errors"

var (
	// ErrShapeMismatch is returned when the batch or anchor dimensions of the inputs disagree.
	ErrShapeMismatch = errors.New("multibox: shape mismatch")
	// ErrDType is returned for tensors that are not float32.
	ErrDType = errors.New("multibox: unsupported dtype")
	// ErrInvalidLabel is returned for labels outside the encoder contract.
	ErrInvalidLabel = errors.New("multibox: invalid label")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("multibox: invalid config")
)
