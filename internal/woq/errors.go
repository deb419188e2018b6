package woq

import "errors"

var (
	ErrShape          = errors.New("woq: shape mismatch")
	ErrAlignment      = errors.New("woq: misaligned block size")
	ErrUnsupported    = errors.New("woq: unsupported configuration")
	ErrMissingOperand = errors.New("woq: missing fusion operand")
	ErrKSplit         = errors.New("woq: invalid k-split")
)
