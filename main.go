package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/lon9/upscale-go/config"
	"github.com/lon9/upscale-go/server"
	"github.com/lon9/upscale-go/upscaler"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

// run is the whole command; it returns the exit status so deferred log
// flushing happens before the process exits.
func run(argv []string, stderr io.Writer) int {

	opts := &Options{}
	parser := flags.NewParser(opts, flags.Default)
	parser.Name = "upscale-go"
	parser.Usage = "-i[--input] <input-image-path> [-i ...] -m[--model] <model-path> [-s scale] [--outscale n] [-c cpus] | --serve"
	args, err := parser.ParseArgs(argv)
	if err != nil {
		return 1
	}
	opts.Input = append(opts.Input, args...)

	numCPU := opts.CPU
	cpus := runtime.NumCPU()
	if numCPU != 0 {
		if numCPU > cpus {
			runtime.GOMAXPROCS(cpus)
		} else {
			runtime.GOMAXPROCS(numCPU)
		}
	}

	cfg, err := config.Load(opts.Config, opts.EnvFile)
	if err == nil {
		err = applyFlags(cfg, opts)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	logger := config.MustNewLogger(cfg.Environment)
	defer logger.Sync()

	svc := upscaler.New(cfg.Upscaler(), upscaler.NewESRGANLoader(cfg.ModelOptions()...), logger)

	if opts.Serve {
		if err := serve(cfg, svc, logger); err != nil {
			logger.Error("server failed", zap.Error(err))
			return 1
		}
		return 0
	}

	if len(opts.Input) == 0 {
		parser.WriteHelp(stderr)
		return 1
	}
	if _, err := svc.Initialize(); err != nil {
		logger.Error("failed to initialize", zap.Error(err))
		return 1
	}

	failed := 0
	for _, res := range runBatch(svc, opts.Input, opts.Workers, stderr) {
		if !res.OK() {
			failed++
			fmt.Fprintln(stderr, res.Message())
		}
	}
	if failed > 0 {
		logger.Error("some inputs failed", zap.Int("failed", failed), zap.Int("total", len(opts.Input)))
		return 1
	}
	return 0
}

// applyFlags lets explicitly set flags override the loaded configuration.
func applyFlags(cfg *config.Config, opts *Options) error {
	if opts.ModelName != "" {
		cfg.ModelPath = opts.ModelName
	}
	if opts.Scale != 0 {
		cfg.Scale = opts.Scale
		// keep the native scale unless the outscale is configured explicitly
		if opts.Outscale == 0 {
			cfg.Outscale = float64(opts.Scale)
		}
	}
	if opts.Outscale != 0 {
		cfg.Outscale = opts.Outscale
	}
	if opts.Tile != 0 {
		cfg.Tile = opts.Tile
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return cfg.Validate()
}

func serve(cfg *config.Config, svc *upscaler.Service, logger *zap.Logger) error {
	srv, err := server.NewServer(cfg, svc, logger)
	if err != nil {
		return err
	}

	go func() {
		if _, err := svc.Initialize(); err != nil {
			logger.Error("model unavailable, /upscale will report 503", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	return srv.Stop(context.Background())
}
