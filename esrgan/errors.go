package esrgan

import "errors"

// Sentinel errors. Load failures wrap ErrModelLoad together with the specific
// cause; Enhance failures wrap ErrInference.
var (
	ErrModelLoad            = errors.New("esrgan: model load failed")
	ErrMissingWeights       = errors.New("esrgan: weights file not found")
	ErrCorruptWeights       = errors.New("esrgan: corrupt weights file")
	ErrArchitectureMismatch = errors.New("esrgan: weights do not match architecture")
	ErrInvalidArchitecture  = errors.New("esrgan: invalid architecture")

	ErrInference     = errors.New("esrgan: inference failed")
	ErrInvalidOutput = errors.New("esrgan: output contains NaN or Inf")
	ErrOutOfMemory   = errors.New("esrgan: insufficient memory for inference")
	ErrInvalidInput  = errors.New("esrgan: invalid input")
)
