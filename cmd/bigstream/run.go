package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/bigstream/internal/config"
	"github.com/mattjoyce/bigstream/internal/engine"
	"github.com/mattjoyce/bigstream/internal/history"
	"github.com/mattjoyce/bigstream/internal/host"
	"github.com/mattjoyce/bigstream/internal/log"
	"github.com/mattjoyce/bigstream/internal/mux"
	"github.com/mattjoyce/bigstream/internal/protocol"
	"github.com/mattjoyce/bigstream/internal/storage"
)

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	inputPath := fs.String("input", "", "Read messages from this file instead of stdin")
	noHistory := fs.Bool("no-history", false, "Do not record runs in the history database")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	// Runs without a config file stay side-effect free.
	if *noHistory || path == "" {
		cfg.State.Path = ""
	}

	log.SetupWriter(cfg.Service.LogLevel, cfg.Service.LogFormat, os.Stderr)

	in := io.Reader(os.Stdin)
	if *inputPath != "" {
		f, err := os.Open(*inputPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open input: %v\n", err)
			return 1
		}
		defer f.Close()
		in = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runStream(ctx, cfg, in, os.Stdout)
}

// runStream feeds NDJSON messages from in to an engine emitting NDJSON to
// out, then waits for every run to finish.
func runStream(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) int {
	logger := log.WithComponent("run")

	opts, err := engine.FromConfig(cfg)
	if err != nil {
		logger.Error("invalid engine configuration", "error", err)
		return 1
	}

	stream := host.NewStream(out)
	hosts := host.Multi{stream}
	if cfg.State.Path != "" {
		db, err := storage.OpenSQLite(ctx, cfg.State.Path)
		if err != nil {
			logger.Error("failed to open history database", "path", cfg.State.Path, "error", err)
			return 1
		}
		defer db.Close()
		rec := history.NewRecorder(history.NewStore(db))
		defer rec.Close()
		hosts = append(hosts, rec)
	}

	eng := engine.New(ctx, hostsOrSingle(hosts), opts)
	dec := protocol.NewDecoder(in)
	code := 0

	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// The decoder resumes at the next line.
			logger.Error("skipping malformed message", "error", err)
			code = 1
			continue
		}
		if err := eng.Handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn("message not processed", "error", err)
		}
	}

	if err := eng.Drain(ctx); err != nil {
		logger.Error("interrupted before runs finished", "error", err)
		return 1
	}
	if err := stream.Err(); err != nil {
		return 1
	}
	return code
}

func hostsOrSingle(hosts host.Multi) mux.Host {
	if len(hosts) == 1 {
		return hosts[0]
	}
	return hosts
}
