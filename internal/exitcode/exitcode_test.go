package exitcode

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"

	"github.com/brocketdesign/seisei/internal/child"
	"github.com/brocketdesign/seisei/internal/locks"
	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: OK},
		{name: "child passthrough", err: Child(4), want: 4},
		{name: "child zero", err: Child(0), want: 0},
		{name: "explicit wrapped", err: fmt.Errorf("run: %w", New(Config, "bad config")), want: Config},
		{name: "launch", err: &child.LaunchError{Command: "gcloud", Err: exec.ErrNotFound}, want: NotFound},
		{name: "lock", err: fmt.Errorf("login: %w", &locks.ConflictError{Path: "/tmp/l"}), want: LockHeld},
		{name: "canceled", err: fmt.Errorf("run: %w", context.Canceled), want: Interrupted},
		{name: "other", err: errors.New("boom"), want: Failure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	cause := errors.New("no such file")

	assert.Equal(t, "load config: no such file", Wrap(Config, "load config", cause).Error())
	assert.Equal(t, "usage", New(Usage, "usage").Error())
	assert.Equal(t, "no such file", Wrap(Failure, "", cause).Error())
	assert.Equal(t, "exit status 7", Child(7).Error())
	assert.ErrorIs(t, Wrap(Config, "load config", cause), cause)
}

func TestIsSilent(t *testing.T) {
	assert.True(t, IsSilent(Child(3)))
	assert.True(t, IsSilent(fmt.Errorf("wrapped: %w", Child(3))))
	assert.False(t, IsSilent(New(Usage, "bad flag")))
	assert.False(t, IsSilent(errors.New("plain")))
}
