package upscaler

import (
	"errors"
	"fmt"
)

// ErrNotInitialized is the cause of every KindNotInitialized error.
var ErrNotInitialized = errors.New("upscaler: model is not initialized, call Initialize first")

// ErrUnsupportedFormat is returned for outputs that no encoder can write.
var ErrUnsupportedFormat = errors.New("upscaler: unsupported output format")

// Kind classifies a failure of Initialize or Process.
type Kind int

const (
	KindNotInitialized Kind = iota + 1
	KindModelLoad
	KindDecode
	KindInference
	KindEncode
	KindWrite
)

func (k Kind) String() string {
	switch k {
	case KindNotInitialized:
		return "not initialized"
	case KindModelLoad:
		return "model load"
	case KindDecode:
		return "decode"
	case KindInference:
		return "inference"
	case KindEncode:
		return "encode"
	case KindWrite:
		return "write"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is returned by Initialize and Process.
type Error struct {
	Kind Kind
	// Path is the input image, or the weights file for KindModelLoad.
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upscaler: %s failed for %s: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Result is the outcome of one request: exactly one of Filename or Err is set.
type Result struct {
	Filename string
	Err      *Error
}

// OK reports whether the request succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Message is a human readable summary for the caller.
func (r Result) Message() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return "success"
}
