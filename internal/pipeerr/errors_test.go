package pipeerr

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"config", &ConfigError{Option: "checkpoint", Err: errors.New("bad")}, "config"},
		{"source", &SourceError{Source: "blocks", Err: fs.ErrNotExist}, "source"},
		{"upstream", &UpstreamError{Message: "boom"}, "upstream"},
		{"state", &UnexpectedStateError{Reason: "payload"}, "unexpected_state"},
		{"transport", &TransportError{Op: "dial", Err: errors.New("refused")}, "transport"},
		{"exit", &NonZeroExitError{Command: "false", Status: 1}, "non_zero_exit"},
		{"wrapped exit inside source", &SourceError{Source: "remote", Err: &NonZeroExitError{Status: 2}}, "non_zero_exit"},
		{"plain", errors.New("x"), "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestUnwrapChains(t *testing.T) {
	err := fmt.Errorf("run: %w", &SourceError{Source: "blocks", Err: fs.ErrNotExist})
	assert.ErrorIs(t, err, fs.ErrNotExist)

	var srcErr *SourceError
	assert.ErrorAs(t, err, &srcErr)
	assert.Equal(t, "blocks", srcErr.Source)

	assert.ErrorIs(t, &UnexpectedStateError{Reason: "payload"}, ErrNoPipeline)
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "boom from upstream", (&UpstreamError{Message: "boom"}).Error())
	assert.Equal(t, `config "checkpoint": bad`, (&ConfigError{Option: "checkpoint", Err: errors.New("bad")}).Error())
	assert.Contains(t, (&NonZeroExitError{Command: "ls", Status: 3, Threshold: 0}).Error(), "status 3")
}
