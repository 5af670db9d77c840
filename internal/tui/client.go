package tui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/bigstream/internal/events"
	"github.com/mattjoyce/bigstream/internal/protocol"
	"github.com/mattjoyce/bigstream/internal/queue"
)

// --- Message types ---

type eventMsg events.Event

// statusMsg mirrors the GET /status response.
type statusMsg struct {
	Busy          bool             `json:"busy"`
	BlockOpen     bool             `json:"block_open"`
	Control       protocol.Control `json:"control"`
	Queue         queue.Stats      `json:"queue"`
	EventsDropped int64            `json:"events_dropped"`
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// --- Commands ---

// subscribeToEvents connects to the SSE /events endpoint, resuming after
// lastID, and feeds events into ch. Returns sseDisconnectedMsg when the
// connection drops.
func subscribeToEvents(apiURL, apiKey string, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("events: %s", resp.Status))
		}

		_ = readEvents(context.Background(), resp.Body, ch)
		return sseDisconnectedMsg{}
	}
}

// readEvents parses SSE frames from r into ch until r ends or ctx is done.
// Comment lines (keep-alives) are skipped.
func readEvents(ctx context.Context, r io.Reader, ch chan<- events.Event) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var current events.Event
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if len(current.Data) > 0 {
				current.At = time.Now()
				select {
				case ch <- current:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			current = events.Event{}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			current.Data = json.RawMessage(line[6:])
		}
	}
	return scanner.Err()
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchStatus queries the /status endpoint.
func fetchStatus(apiURL, apiKey string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest(http.MethodGet, apiURL+"/status", nil)
	if err != nil {
		return errMsg(err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errMsg(fmt.Errorf("status: %s", resp.Status))
	}

	var st statusMsg
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return errMsg(err)
	}
	return st
}
