package pipeline

import (
	"context"
	"encoding/base64"

	"github.com/mattjoyce/bigstream/internal/config"
)

// Payload formats.
const (
	FormatUTF8   = "utf8"
	FormatBinary = "binary"
	FormatBase64 = "base64"
)

// Size is the middleware that counts bytes flowing out of the source.
func Size(_ config.Resolved, tick Ticker) (Stage, error) {
	return counter(tick, true), nil
}

// counter forwards chunks and ticks either their byte length or one record.
func counter(tick Ticker, bytes bool) Stage {
	return StageFunc(func(ctx context.Context, in <-chan []byte, out chan<- []byte) error {
		for data := range in {
			if bytes {
				tick.OnTick(int64(len(data)), 0)
			} else {
				tick.OnTick(0, 1)
			}
			if err := Send(ctx, out, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Formatter converts a chunk into an emitted payload.
type Formatter func(data []byte) any

// FormatterFor returns the formatter for a format option value.
func FormatterFor(format string) Formatter {
	switch format {
	case FormatBase64:
		return func(data []byte) any { return base64.StdEncoding.EncodeToString(data) }
	case FormatBinary:
		return func(data []byte) any { return data }
	default:
		return func(data []byte) any { return string(data) }
	}
}

// drain emits every chunk of in on a channel until in closes or ctx is done.
func drain(ctx context.Context, in <-chan []byte, emit func([]byte)) error {
	for {
		select {
		case data, ok := <-in:
			if !ok {
				return nil
			}
			emit(data)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
