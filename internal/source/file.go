package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mattjoyce/bigstream/internal/config"
	"github.com/mattjoyce/bigstream/internal/pipeerr"
	"github.com/mattjoyce/bigstream/internal/pipeline"
)

// File generator option names.
const (
	OptFilename      = "filename"
	OptHighWaterMark = "highWaterMark"
	OptStart         = "start"
	OptEnd           = "end"
)

func fileOptions() config.Options {
	return config.Options{
		{Name: OptFilename},
		{Name: OptHighWaterMark, Default: 64, Validate: config.KilobytesToBytes},
		{Name: OptStart, Validate: config.NonNegativeInt},
		{Name: OptEnd, Validate: config.NonNegativeInt},
	}
}

// Blocks reads a file in chunks of highWaterMark KB.
func Blocks() *Generator {
	return &Generator{
		Name:    "blocks",
		Trigger: OptFilename,
		Options: fileOptions(),
		Open:    openFile("blocks", false),
	}
}

// Full reads a whole file into a single message.
func Full() *Generator {
	return &Generator{
		Name:    "full",
		Trigger: OptFilename,
		Options: fileOptions(),
		Open:    openFile("full", true),
	}
}

// Lines reads a file and splits it into lines.
func Lines() *Generator {
	return &Generator{
		Name:    "lines",
		Trigger: OptFilename,
		Options: fileOptions(),
		Parser:  "line",
		Open:    openFile("lines", false),
	}
}

// fileSource streams a byte range of a file. end is inclusive; -1 reads to EOF.
type fileSource struct {
	name  string
	path  string
	chunk int
	start int64
	end   int64
	whole bool
}

func openFile(kind string, whole bool) pipeline.SourceFactory {
	return func(cfg config.Resolved) (pipeline.Source, error) {
		path := cfg.String(OptFilename, "")
		if path == "" {
			return nil, &pipeerr.ConfigError{Option: OptFilename, Err: errors.New("no file to read")}
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, &pipeerr.SourceError{Source: kind, Err: err}
		}
		if info.IsDir() {
			return nil, &pipeerr.SourceError{Source: kind, Err: fmt.Errorf("%s is a directory", path)}
		}

		src := &fileSource{
			name:  kind,
			path:  path,
			chunk: int(cfg.Int(OptHighWaterMark, 64*1024)),
			start: cfg.Int(OptStart, 0),
			end:   cfg.Int(OptEnd, -1),
			whole: whole,
		}
		if src.end >= 0 && src.end < src.start {
			return nil, &pipeerr.ConfigError{Option: OptEnd, Err: fmt.Errorf("end %d is before start %d", src.end, src.start)}
		}
		return src, nil
	}
}

func (s *fileSource) Stream(ctx context.Context, out chan<- []byte) error {
	f, err := os.Open(s.path)
	if err != nil {
		return &pipeerr.SourceError{Source: s.name, Err: err}
	}
	defer f.Close()

	var r io.Reader = f
	if s.start > 0 {
		if _, err := f.Seek(s.start, io.SeekStart); err != nil {
			return &pipeerr.SourceError{Source: s.name, Err: err}
		}
	}
	if s.end >= 0 {
		r = io.LimitReader(f, s.end-s.start+1)
	}

	if s.whole {
		data, err := io.ReadAll(r)
		if err != nil {
			return &pipeerr.SourceError{Source: s.name, Err: err}
		}
		return pipeline.Send(ctx, out, data)
	}

	for {
		buf := make([]byte, s.chunk)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if sendErr := pipeline.Send(ctx, out, buf[:n]); sendErr != nil {
				return sendErr
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		default:
			return &pipeerr.SourceError{Source: s.name, Err: err}
		}
	}
}
