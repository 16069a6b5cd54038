package upscaler

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"lukechampine.com/blake3"

	"github.com/lon9/upscale-go/esrgan"
)

// Config holds the model location and scales for a Service.
type Config struct {
	ModelPath string
	// Scale is the trained scale of the weights: 1, 2 or 4.
	Scale int
	// Outscale is the final upsampling factor; it may differ from Scale.
	Outscale float64
}

// DefaultConfig returns the x4plus setup.
func DefaultConfig(modelPath string) Config {
	return Config{ModelPath: modelPath, Scale: 4, Outscale: 4}
}

// Service upscales image files with one lazily loaded model. It is safe for
// concurrent use; inference runs one image at a time.
type Service struct {
	cfg    Config
	loader Loader
	logger *zap.Logger

	model   atomic.Pointer[modelHandle]
	initMu  sync.Mutex
	inferMu sync.Mutex
}

type modelHandle struct {
	Enhancer
}

// New returns an uninitialized Service. A nil logger discards output.
func New(cfg Config, loader Loader, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cfg: cfg, loader: loader, logger: logger.Named("upscaler")}
}

// Config returns the service configuration.
func (s *Service) Config() Config { return s.cfg }

// Ready reports whether the model is loaded.
func (s *Service) Ready() bool {
	return s.model.Load() != nil
}

// Initialize loads the model once. It returns true if this call loaded it and
// false if it was already loaded. A failed load leaves the service
// uninitialized so Initialize can be retried.
func (s *Service) Initialize() (loaded bool, err error) {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.model.Load() != nil {
		s.logger.Info("model already initialized")
		return false, nil
	}

	start := time.Now()
	s.logger.Info("loading model",
		zap.String("path", s.cfg.ModelPath),
		zap.Int("scale", s.cfg.Scale),
	)

	enhancer, err := s.load()
	if err != nil {
		s.logger.Error("failed to load model", zap.String("path", s.cfg.ModelPath), zap.Error(err))
		return false, &Error{Kind: KindModelLoad, Path: s.cfg.ModelPath, Err: err}
	}

	s.model.Store(&modelHandle{enhancer})
	s.logger.Info("model loaded", zap.Duration("elapsed", time.Since(start)))
	return true, nil
}

func (s *Service) load() (e Enhancer, err error) {
	defer func() {
		if r := recover(); r != nil {
			e, err = nil, fmt.Errorf("loader panic: %v", r)
		}
	}()

	if s.loader == nil {
		return nil, errors.New("no loader configured")
	}
	e, err = s.loader.Load(s.cfg.ModelPath, s.cfg.Scale)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errors.New("loader returned no model")
	}
	return e, nil
}

// Process upscales the image at path and writes {stem}_upscaled{ext} next to
// it. It returns the output filename without its directory.
func (s *Service) Process(path string) (string, error) {
	handle := s.model.Load()
	if handle == nil {
		return "", &Error{Kind: KindNotInitialized, Path: path, Err: ErrNotInitialized}
	}

	log := s.logger.With(zap.String("input", path))
	start := time.Now()

	img, format, err := decodeFile(path)
	if err != nil {
		log.Warn("failed to decode image", zap.Error(err))
		return "", &Error{Kind: KindDecode, Path: path, Err: err}
	}

	name := OutputName(path)
	outFormat := encodeFormat(name, format)
	if err := checkEncodable(outFormat); err != nil {
		log.Warn("no encoder for output", zap.String("output", name), zap.Error(err))
		return "", &Error{Kind: KindEncode, Path: path, Err: err}
	}

	out, err := s.enhance(handle, img)
	if err != nil {
		log.Error("inference failed", zap.Error(err))
		return "", &Error{Kind: KindInference, Path: path, Err: err}
	}

	var buf bytes.Buffer
	if err := encode(&buf, out, outFormat); err != nil {
		log.Error("failed to encode image", zap.String("output", name), zap.Error(err))
		return "", &Error{Kind: KindEncode, Path: path, Err: err}
	}

	dst := filepath.Join(filepath.Dir(path), name)
	if err := writeFileAtomic(dst, buf.Bytes()); err != nil {
		log.Error("failed to write image", zap.String("output", dst), zap.Error(err))
		return "", &Error{Kind: KindWrite, Path: path, Err: err}
	}

	sum := blake3.Sum256(buf.Bytes())
	log.Info("image upscaled",
		zap.String("output", name),
		zap.Int("width", out.Rect.Dx()),
		zap.Int("height", out.Rect.Dy()),
		zap.String("blake3", hex.EncodeToString(sum[:])),
		zap.Duration("elapsed", time.Since(start)),
	)
	return name, nil
}

// Run is Process reported as a Result.
func (s *Service) Run(path string) Result {
	name, err := s.Process(path)
	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			e = &Error{Kind: KindInference, Path: path, Err: err}
		}
		return Result{Err: e}
	}
	return Result{Filename: name}
}

func (s *Service) enhance(h *modelHandle, img *esrgan.RGB) (out *esrgan.RGB, err error) {
	s.inferMu.Lock()
	defer s.inferMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic during inference: %v", r)
		}
	}()

	out, err = h.Enhance(img, s.cfg.Outscale)
	if err == nil && out == nil {
		err = errors.New("model returned no image")
	}
	return out, err
}

// writeFileAtomic writes data to a temporary file beside dst and renames it
// into place, so readers never see a partial image.
func writeFileAtomic(dst string, data []byte) (err error) {
	f, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
