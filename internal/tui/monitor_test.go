package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/bigstream/internal/events"
	"github.com/mattjoyce/bigstream/internal/host"
	"github.com/mattjoyce/bigstream/internal/mux"
	"github.com/mattjoyce/bigstream/internal/protocol"
)

func TestReadEventsParsesFrames(t *testing.T) {
	stream := strings.Join([]string{
		"id: 1",
		"event: status",
		`data: {"fill":"blue","shape":"dot","text":"ready !"}`,
		"",
		": keep-alive",
		"",
		"id: 2",
		"event: control",
		`data: {"run_id":"r1","state":"start","records":0,"size":0,"speed":0}`,
		"",
		"",
	}, "\n")

	ch := make(chan events.Event, 4)
	require.NoError(t, readEvents(context.Background(), strings.NewReader(stream), ch))
	close(ch)

	var got []events.Event
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, events.TypeStatus, got[0].Type)
	assert.Equal(t, int64(2), got[1].ID)
	assert.Equal(t, events.TypeControl, got[1].Type)
}

func mustEvent(t *testing.T, id int64, typ string, data any) events.Event {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	return events.Event{ID: id, Type: typ, At: time.Now(), Data: b}
}

func TestHandleEventTracksRuns(t *testing.T) {
	m := NewMonitor("http://localhost:8080/", "key")
	assert.Equal(t, "http://localhost:8080", m.apiURL)

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	end := start.Add(2 * time.Second)

	m.handleEvent(mustEvent(t, 1, events.TypeControl, protocol.Control{
		RunID: "run-1", State: protocol.StateStart, Start: &start,
		Config: map[string]any{"generator": "lines"},
	}))
	m.handleEvent(mustEvent(t, 2, events.TypeOutput, host.OutputEvent{Channel: 0, Message: &protocol.Message{Payload: "a"}}))
	m.handleEvent(mustEvent(t, 3, events.TypeOutput, host.OutputEvent{Channel: 0, Message: &protocol.Message{Payload: "b"}}))
	m.handleEvent(mustEvent(t, 4, events.TypeControl, protocol.Control{
		RunID: "run-1", State: protocol.StateEnd, Records: 2, Size: 4, Start: &start, End: &end,
	}))
	m.handleEvent(mustEvent(t, 5, events.TypeStatus, mux.Done("2 records")))

	runs := m.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, protocol.StateEnd, runs[0].State)
	assert.Equal(t, "lines", runs[0].Generator)
	assert.Equal(t, int64(2), runs[0].Records)
	assert.Equal(t, 2, runs[0].Outputs)
	assert.Equal(t, end, runs[0].End)

	assert.Equal(t, "green", m.status.Fill)
	assert.Equal(t, int64(5), m.lastID)
	assert.Len(t, m.eventLog, 5)
	assert.Equal(t, int64(5), m.eventLog[0].ID, "event log is newest first")
}

func TestHandleEventRecordsErrors(t *testing.T) {
	m := NewMonitor("http://x", "key")
	m.handleEvent(mustEvent(t, 1, events.TypeError, host.ErrorEvent{Kind: "config", Error: "unknown parser"}))
	assert.Equal(t, "config: unknown parser", m.lastError)
}

func TestRunsAreBounded(t *testing.T) {
	m := NewMonitor("http://x", "key")
	for i := 0; i < maxRuns+5; i++ {
		m.handleEvent(mustEvent(t, int64(i+1), events.TypeControl, protocol.Control{
			RunID: fmt.Sprintf("run-%03d", i),
			State: protocol.StateStart,
		}))
	}
	assert.Len(t, m.Runs(), maxRuns)
	assert.Len(t, m.eventLog, maxEventLog)
}

func TestViewRenders(t *testing.T) {
	m := NewMonitor("http://x", "key")
	assert.Equal(t, "Initializing...", m.View())

	model, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	model, _ = model.Update(eventMsg(mustEvent(t, 1, events.TypeControl, protocol.Control{RunID: "abcdef123456", State: protocol.StateRunning})))
	view := model.View()
	assert.Contains(t, view, "Runs")
	assert.Contains(t, view, "abcdef12")
}
