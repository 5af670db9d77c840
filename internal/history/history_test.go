package history

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/bigstream/internal/config"
	"github.com/mattjoyce/bigstream/internal/log"
	"github.com/mattjoyce/bigstream/internal/mux"
	"github.com/mattjoyce/bigstream/internal/pipeerr"
	"github.com/mattjoyce/bigstream/internal/protocol"
	"github.com/mattjoyce/bigstream/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(openDB(t))
}

func newRecorder(t *testing.T, s *Store) *Recorder {
	t.Helper()
	r := NewRecorder(s)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func flush(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Flush(ctx))
}

func terminal(id, state string, end time.Time) *protocol.Control {
	start := end.Add(-1500 * time.Millisecond)
	c := &protocol.Control{
		RunID:   id,
		State:   state,
		Records: 3,
		Size:    42,
		Start:   &start,
		End:     &end,
		Config:  map[string]any{config.OptGenerator: "lines", "filename": "a.txt"},
	}
	if state == protocol.StateError {
		c.Error = "boom"
		c.Message = "boom"
	} else {
		c.Message = "success"
	}
	return c
}

func TestStoreRecordAndGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	end := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, EntryFrom(terminal("run-1", protocol.StateEnd, end))))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, protocol.StateEnd, got.State)
	assert.Equal(t, "lines", got.Generator)
	assert.Equal(t, int64(3), got.Records)
	assert.Equal(t, int64(42), got.Size)
	assert.Equal(t, int64(1500), got.DurationMS)
	assert.True(t, got.EndedAt.Equal(end))
	assert.Equal(t, "a.txt", got.Config["filename"])
	assert.Equal(t, config.Fingerprint(got.Config), got.ConfigFingerprint)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreListNewestFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Record(ctx, EntryFrom(terminal(id, protocol.StateEnd, base.Add(time.Duration(i)*time.Minute)))))
	}

	entries, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].RunID)
	assert.Equal(t, "b", entries[1].RunID)
}

func TestRecorderWritesTerminalRunsOnly(t *testing.T) {
	s := newStore(t)
	r := newRecorder(t, s)
	now := time.Now()

	start := &protocol.Control{RunID: "r1", State: protocol.StateStart, Start: &now}
	r.Send(protocol.On(mux.ControlChannel, &protocol.Message{Control: start}))
	r.Send(protocol.On(mux.PayloadChannel, &protocol.Message{Payload: "data"}))
	flush(t, r)

	entries, err := s.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	r.Send(protocol.On(mux.ControlChannel, &protocol.Message{Control: terminal("r1", protocol.StateEnd, now)}))
	flush(t, r)
	entries, err = s.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].ErrorKind)
}

func TestRecorderClassifiesFailedRun(t *testing.T) {
	s := newStore(t)
	r := newRecorder(t, s)

	r.Send(protocol.On(mux.ControlChannel, &protocol.Message{Control: terminal("r2", protocol.StateError, time.Now())}))
	r.ReportError(&pipeerr.SourceError{Source: "blocks", Err: errors.New("missing")})
	flush(t, r)

	got, err := s.Get(context.Background(), "r2")
	require.NoError(t, err)
	assert.Equal(t, protocol.StateError, got.State)
	assert.Equal(t, "boom", got.Error)
	assert.Equal(t, "source", got.ErrorKind)

	// A request-level error afterwards does not reclassify the run.
	r.ReportError(&pipeerr.ConfigError{Option: "generator", Err: errors.New("unknown")})
	flush(t, r)
	got, err = s.Get(context.Background(), "r2")
	require.NoError(t, err)
	assert.Equal(t, "source", got.ErrorKind)
}

func TestRecorderSendDoesNotWaitForDatabase(t *testing.T) {
	db := openDB(t)
	r := newRecorder(t, NewStore(db))

	// Holding the only pooled connection stalls every write.
	conn, err := db.Conn(context.Background())
	require.NoError(t, err)

	sent := make(chan struct{})
	go func() {
		r.Send(protocol.On(mux.ControlChannel, &protocol.Message{Control: terminal("r3", protocol.StateError, time.Now())}))
		r.ReportError(&pipeerr.TransportError{Op: "dial", Err: errors.New("refused")})
		close(sent)
	}()
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a stalled database")
	}

	require.NoError(t, conn.Close())
	flush(t, r)

	got, err := NewStore(db).Get(context.Background(), "r3")
	require.NoError(t, err)
	assert.Equal(t, protocol.StateError, got.State)
	assert.Equal(t, "transport", got.ErrorKind)
}

func TestRecorderCloseAppliesPendingWrites(t *testing.T) {
	s := newStore(t)
	r := NewRecorder(s)

	r.Send(protocol.On(mux.ControlChannel, &protocol.Message{Control: terminal("r4", protocol.StateEnd, time.Now())}))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err := s.Get(context.Background(), "r4")
	require.NoError(t, err)

	r.Send(protocol.On(mux.ControlChannel, &protocol.Message{Control: terminal("r5", protocol.StateEnd, time.Now())}))
	assert.ErrorIs(t, r.Flush(context.Background()), ErrRecorderClosed)
}
