package worker

import (
	"context"
	"io"

	"github.com/cybre/growlight-controller/internal/link"
)

// Serve runs a worker whose commands arrive on r and whose reports are written
// to w, one JSON message per line. It is the body of the worker subprocess:
// when the parent goes away r hits EOF and the worker stops.
func Serve(ctx context.Context, device Device, r io.Reader, w io.Writer, opts ...Option) error {
	enc := link.NewEncoder(w)
	commands := make(chan link.Message)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer close(commands)

		dec := link.NewDecoder(r)
		for {
			m, err := dec.Decode()
			if err != nil {
				if err != io.EOF {
					_ = enc.Encode(link.Warn("Unreadable message from parent process: " + err.Error()))
				}
				return
			}

			select {
			case commands <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	// A broken stdout means nobody is listening anymore.
	report := func(m link.Message) {
		if err := enc.Encode(m); err != nil {
			cancel()
		}
	}

	return New(device, report, opts...).Run(ctx, commands)
}
