package main

import (
	"io"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"

	"github.com/lon9/upscale-go/upscaler"
)

// runBatch processes inputs on a pool of workers. Inference is serialised by
// the service, so workers only overlap decoding and encoding. Results are in
// input order.
func runBatch(svc *upscaler.Service, inputs []string, workers int, progressOut io.Writer) []upscaler.Result {
	progress := mpb.New(
		mpb.WithOutput(progressOut),
		mpb.WithWidth(60),
		mpb.WithRefreshRate(180*time.Millisecond),
	)
	bar := progress.AddBar(int64(len(inputs)),
		mpb.PrependDecorators(
			decor.Name("upscaling", decor.WC{W: 12, C: decor.DidentRight}),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.Elapsed(decor.ET_STYLE_GO),
		),
	)

	results := make([]upscaler.Result, len(inputs))
	wp := workerpool.New(workers)
	for i, in := range inputs {
		i, in := i, in
		wp.Submit(func() {
			results[i] = svc.Run(in)
			bar.Increment()
		})
	}
	wp.StopWait()
	progress.Wait()

	return results
}
