package harness

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/brocketdesign/seisei/internal/child"
	"github.com/brocketdesign/seisei/internal/detect"
	"github.com/brocketdesign/seisei/internal/responder"
	"github.com/brocketdesign/seisei/internal/stream"
	"github.com/brocketdesign/seisei/test/fakegcloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	fakegcloud.MaybeRun()
	os.Exit(m.Run())
}

func launchFake(t *testing.T, mode string, strategy stream.Strategy, options ...Option) (Result, string, error) {
	t.Helper()
	command, args, env := fakegcloud.Spec(t, mode)
	transcript := &syncBuffer{}
	base := []Option{
		WithTranscript(transcript),
		WithTiming(10*time.Millisecond, 50*time.Millisecond, 50*time.Millisecond, 2*time.Second),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	result, err := Launch(ctx, "launch-test", LaunchOptions{
		Spec:        child.Spec{Command: command, Args: args, Env: env},
		Strategy:    strategy,
		JoinTimeout: time.Second,
	}, append(base, options...)...)
	return result, transcript.String(), err
}

func TestLaunchLoginWithPresuppliedCode(t *testing.T) {
	for _, strategy := range strategies {
		strategy := strategy
		t.Run(string(strategy), func(t *testing.T) {
			result, transcript, err := launchFake(t, fakegcloud.ModeLogin, strategy, WithSource(responder.NewFixed("4/0launch")))
			require.NoError(t, err)

			assert.Equal(t, 0, result.ExitCode)
			assert.Equal(t, []string{fakegcloud.AuthURL}, result.URLs)
			assert.Equal(t, 1, result.Injections)
			assert.Contains(t, transcript, "URL: "+fakegcloud.AuthURL+"\n")
			assert.Contains(t, transcript, "with code [4/0launch]")
			assert.Contains(t, transcript, "Process exited with code: 0")
		})
	}
}

func TestLaunchRetryCycle(t *testing.T) {
	answers := []string{fakegcloud.RejectedCode, "4/0good"}
	calls := 0
	source := responder.SourceFunc(func(context.Context, detect.Match) (string, error) {
		answer := answers[calls]
		calls++
		return answer, nil
	})

	result, transcript, err := launchFake(t, fakegcloud.ModeRetry, stream.StrategyQueue, WithSource(source))
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Len(t, result.URLs, 2)
	assert.Equal(t, 2, result.Injections)
	assert.Contains(t, transcript, "Malformed auth code")
	assert.Contains(t, transcript, "logged in after 2 attempts")
}

func TestLaunchMirrorsEarlyFailure(t *testing.T) {
	result, transcript, err := launchFake(t, fakegcloud.ModeFailEarly, stream.StrategyPoll, WithSource(responder.NewFixed("unused")))
	require.NoError(t, err)
	assert.Equal(t, 2, result.ExitCode)
	assert.Empty(t, result.URLs)
	assert.Contains(t, transcript, "could not reach accounts service")
}

func TestLaunchChildExitWhilePrompting(t *testing.T) {
	blocked, unblock := io.Pipe()
	defer unblock.Close()
	console := responder.NewConsole(blocked, io.Discard)

	result, transcript, err := launchFake(t, fakegcloud.ModeExitWhilePrompting, stream.StrategyQueue, WithSource(console))
	require.NoError(t, err)
	assert.Equal(t, 4, result.ExitCode)
	assert.Equal(t, 0, result.Injections)
	assert.True(t, strings.Contains(transcript, "session expired"))
}

func TestLaunchMissingBinary(t *testing.T) {
	_, err := Launch(context.Background(), "missing", LaunchOptions{
		Spec: child.Spec{Command: "gcloud-not-installed-anywhere", SearchPath: []string{t.TempDir()}},
	})
	var launchErr *child.LaunchError
	require.True(t, errors.As(err, &launchErr))
	assert.ErrorIs(t, err, exec.ErrNotFound)
}
