package source

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/bigstream/internal/config"
	"github.com/mattjoyce/bigstream/internal/instrument"
	"github.com/mattjoyce/bigstream/internal/log"
	"github.com/mattjoyce/bigstream/internal/mux"
	"github.com/mattjoyce/bigstream/internal/mux/muxtest"
	"github.com/mattjoyce/bigstream/internal/parser"
	"github.com/mattjoyce/bigstream/internal/pipeerr"
	"github.com/mattjoyce/bigstream/internal/pipeline"
	"github.com/mattjoyce/bigstream/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

// runGenerator resolves the generator's options and runs it through a real
// assembler, returning what the host observed.
func runGenerator(t *testing.T, g *Generator, overrides map[string]any) (*muxtest.Recorder, error) {
	t.Helper()

	declared := append(config.EngineOptions(), g.Options...)
	var parserFactory pipeline.ParserFactory
	if g.Parser != "" {
		p, ok := parser.Default().Get(g.Parser)
		require.True(t, ok)
		declared = append(declared, p.Options...)
		parserFactory = p.New
	}

	cfg, err := config.Resolve(nil, overrides, nil, declared)
	if err != nil {
		return nil, err
	}

	rec := &muxtest.Recorder{}
	out := mux.New(rec, nil)
	a := pipeline.NewAssembler(instrument.New(out), out)
	run := a.Assemble(context.Background(), pipeline.Request{
		Message:    &protocol.Message{},
		Config:     cfg,
		Source:     g.Open,
		Middleware: []pipeline.StageFactory{pipeline.Size},
		Parser:     parserFactory,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = run.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return rec, err
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestBlocksRoundTrip(t *testing.T) {
	content := strings.Repeat("0123456789", 500) // 5000 bytes
	path := writeFile(t, content)

	rec, err := runGenerator(t, Blocks(), map[string]any{OptFilename: path, OptHighWaterMark: 1})
	require.NoError(t, err)

	payloads := rec.Payloads(mux.PayloadChannel)
	assert.Len(t, payloads, 5, "ceil(5000/1024) chunks")

	var joined strings.Builder
	for _, p := range payloads {
		joined.WriteString(p.(string))
	}
	assert.Equal(t, content, joined.String())

	terminal := rec.Terminal()
	require.NotNil(t, terminal)
	assert.Equal(t, protocol.StateEnd, terminal.State)
	assert.Equal(t, int64(5000), terminal.Size)
	assert.Equal(t, int64(len(payloads)), terminal.Records)
}

func TestBlocksByteRange(t *testing.T) {
	path := writeFile(t, "abcdefghij")

	rec, err := runGenerator(t, Blocks(), map[string]any{OptFilename: path, OptStart: 2, OptEnd: 5})
	require.NoError(t, err)
	assert.Equal(t, []any{"cdef"}, rec.Payloads(mux.PayloadChannel), "end is inclusive")
}

func TestBlocksMissingFile(t *testing.T) {
	rec, err := runGenerator(t, Blocks(), map[string]any{OptFilename: filepath.Join(t.TempDir(), "missing")})

	var srcErr *pipeerr.SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, []string{protocol.StateStart, protocol.StateError}, rec.States())
	assert.Empty(t, rec.Payloads(mux.PayloadChannel))
	assert.Len(t, rec.Errors(), 1)
}

func TestBlocksRejectsInvertedRange(t *testing.T) {
	path := writeFile(t, "abc")
	_, err := runGenerator(t, Blocks(), map[string]any{OptFilename: path, OptStart: 2, OptEnd: 1})

	var cfgErr *pipeerr.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, OptEnd, cfgErr.Option)
}

func TestHighWaterMarkValidation(t *testing.T) {
	_, err := runGenerator(t, Blocks(), map[string]any{OptFilename: "x", OptHighWaterMark: 0})

	var cfgErr *pipeerr.ConfigError
	require.ErrorAs(t, err, &cfgErr, "a validator failure happens at resolution")
	assert.Equal(t, OptHighWaterMark, cfgErr.Option)
}

func TestFullFile(t *testing.T) {
	path := writeFile(t, "line one\nline two\n")

	rec, err := runGenerator(t, Full(), map[string]any{OptFilename: path})
	require.NoError(t, err)
	assert.Equal(t, []any{"line one\nline two\n"}, rec.Payloads(mux.PayloadChannel))
	assert.Equal(t, int64(1), rec.Terminal().Records)
}

func TestLinesScenario(t *testing.T) {
	path := writeFile(t, "alpha\nbeta\ngamma\n")

	rec, err := runGenerator(t, Lines(), map[string]any{OptFilename: path})
	require.NoError(t, err)

	assert.Equal(t, []any{"alpha", "beta", "gamma"}, rec.Payloads(mux.PayloadChannel))
	assert.Equal(t, []string{protocol.StateStart, protocol.StateEnd}, rec.States())
	terminal := rec.Terminal()
	assert.Equal(t, int64(3), terminal.Records)
	assert.Equal(t, int64(17), terminal.Size)
}

func TestCommandGenerator(t *testing.T) {
	rec, err := runGenerator(t, Command(), map[string]any{OptCommand: `printf 'out'; printf 'diag' >&2`})
	require.NoError(t, err)

	assert.Equal(t, []any{"out"}, rec.Payloads(mux.PayloadChannel))
	assert.Equal(t, []any{"diag"}, rec.Payloads(mux.FirstAux))
	assert.Equal(t, protocol.StateEnd, rec.Terminal().State)
}

func TestCommandGeneratorExitThreshold(t *testing.T) {
	_, err := runGenerator(t, Command(), map[string]any{OptCommand: "exit 2"})
	var exitErr *pipeerr.NonZeroExitError
	require.ErrorAs(t, err, &exitErr)

	_, err = runGenerator(t, Command(), map[string]any{OptCommand: "exit 2", OptExitThreshold: 2})
	assert.NoError(t, err)
}

func TestCommandGeneratorRequiresCommand(t *testing.T) {
	_, err := Command().Open(config.Resolved{})
	var cfgErr *pipeerr.ConfigError
	require.True(t, errors.As(err, &cfgErr))
}

func TestRegistry(t *testing.T) {
	r := Default()
	assert.Equal(t, []string{"blocks", "command", "full", "lines", "remote"}, r.Names())

	g, ok := r.Get("lines")
	require.True(t, ok)
	assert.Equal(t, "line", g.Parser)
	assert.Equal(t, OptFilename, g.Trigger)

	_, ok = r.Get("ftp")
	assert.False(t, ok)
	assert.Error(t, r.Add(Blocks()))
}
