package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/bigstream/internal/pipeline"
)

// Order selects which queued job runs next.
type Order string

const (
	// LIFO runs the most recently submitted job next.
	LIFO Order = "lifo"
	// FIFO runs the oldest submitted job next.
	FIFO Order = "fifo"
)

// ParseOrder maps a config value to an Order. Empty means LIFO.
func ParseOrder(s string) (Order, error) {
	switch Order(strings.ToLower(s)) {
	case "", LIFO:
		return LIFO, nil
	case FIFO:
		return FIFO, nil
	default:
		return "", fmt.Errorf("unknown queue order %q", s)
	}
}

// Job is a deferred generator-mode invocation. It is not mutated while queued.
type Job struct {
	ID          string
	Generator   string
	Trigger     string
	Request     pipeline.Request
	SubmittedAt time.Time
}

// Run is the completion handle of a started job.
type Run interface {
	Done() <-chan struct{}
}

// StartFunc assembles and starts a job. It must return a Run whose Done
// channel eventually closes.
type StartFunc func(job *Job) Run

// Stats is a snapshot of the queue.
type Stats struct {
	Busy    bool     `json:"busy"`
	Depth   int      `json:"depth"`
	Pending []string `json:"pending,omitempty"`
	Order   Order    `json:"order"`
}
