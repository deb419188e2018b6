package wqf

import "errors"

var (
	ErrInvalidMagic     = errors.New("invalid WQF magic")
	ErrUnsupportedMajor = errors.New("unsupported WQF major version")
	ErrCorruptFile      = errors.New("corrupt WQF file")
	ErrMissingSection   = errors.New("missing WQF section")
)
