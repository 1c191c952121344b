package harness

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brocketdesign/seisei/internal/child"
	"github.com/brocketdesign/seisei/internal/detect"
	"github.com/brocketdesign/seisei/internal/events"
	"github.com/brocketdesign/seisei/internal/responder"
	"github.com/brocketdesign/seisei/internal/state"
	"github.com/brocketdesign/seisei/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const testURL = "https://accounts.google.com/o/oauth2/auth?response_type=code&client_id=test"

// fakeChild is an in-process stand-in for a supervised process.
type fakeChild struct {
	mu         sync.Mutex
	done       chan struct{}
	status     child.ExitStatus
	exited     bool
	terminated bool
}

func newFakeChild() *fakeChild {
	return &fakeChild{done: make(chan struct{})}
}

func (f *fakeChild) exit(status child.ExitStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exited {
		return
	}
	f.exited = true
	f.status = status
	close(f.done)
}

func (f *fakeChild) Poll() (child.ExitStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.exited
}

func (f *fakeChild) Done() <-chan struct{} {
	return f.done
}

func (f *fakeChild) Terminate() error {
	f.mu.Lock()
	f.terminated = true
	f.mu.Unlock()
	f.exit(child.ExitStatus{Code: 137, Signaled: true})
	return nil
}

func (f *fakeChild) wasTerminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// rig wires a Session to a scripted fake child.
type rig struct {
	child      *fakeChild
	out        io.WriteCloser
	in         *bufio.Reader
	inCloser   io.Closer
	transcript *syncBuffer
	session    *Session
	received   chan string
}

func newRig(t *testing.T, strategy stream.Strategy, options ...Option) *rig {
	t.Helper()

	r := &rig{
		child:      newFakeChild(),
		transcript: &syncBuffer{},
		received:   make(chan string, 8),
	}

	var reader stream.Reader
	switch strategy {
	case stream.StrategyPoll:
		outR, outW, err := os.Pipe()
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = outR.Close()
			_ = outW.Close()
		})
		poll, err := stream.NewPollReader(outR)
		require.NoError(t, err)
		reader = poll
		r.out = outW
	default:
		outR, outW := io.Pipe()
		queue := stream.NewQueueReader(outR, stream.WithJoinTimeout(50*time.Millisecond))
		t.Cleanup(func() {
			_ = outW.Close()
			_ = queue.Close()
		})
		reader = queue
		r.out = outW
	}

	inR, inW := io.Pipe()
	t.Cleanup(func() {
		_ = inR.Close()
		_ = inW.Close()
	})
	r.in = bufio.NewReader(inR)
	r.inCloser = inR

	base := []Option{
		WithTranscript(r.transcript),
		WithTiming(5*time.Millisecond, 20*time.Millisecond, 20*time.Millisecond, 300*time.Millisecond),
	}
	session, err := New("test-session", r.child, reader, inW, append(base, options...)...)
	require.NoError(t, err)
	r.session = session
	return r
}

func (r *rig) write(chunks ...string) {
	for _, chunk := range chunks {
		_, _ = io.WriteString(r.out, chunk)
		time.Sleep(2 * time.Millisecond)
	}
}

func (r *rig) readCode() (string, bool) {
	line, err := r.in.ReadString('\n')
	if err != nil {
		return "", false
	}
	code := strings.TrimRight(line, "\n")
	r.received <- code
	return code, true
}

func (r *rig) exit(code int) {
	_ = r.out.Close()
	r.child.exit(child.ExitStatus{Code: code})
}

func (r *rig) run(t *testing.T, ctx context.Context) (Result, error) {
	t.Helper()
	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := r.session.Run(ctx)
		done <- outcome{result: result, err: err}
	}()
	select {
	case got := <-done:
		return got.result, got.err
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
		return Result{}, nil
	}
}

var strategies = []stream.Strategy{stream.StrategyQueue, stream.StrategyPoll}

func TestThreeChunkPromptSurfacesOneURLAndOnePrompt(t *testing.T) {
	for _, strategy := range strategies {
		strategy := strategy
		t.Run(string(strategy), func(t *testing.T) {
			fixed := responder.NewFixed("4/0fixed")
			r := newRig(t, strategy, WithSource(fixed))

			go func() {
				r.write(
					"go to https://accounts.goo",
					"gle.com/o/oauth2/auth?x=1 then enter the ver",
					"ification code: ",
				)
				if _, ok := r.readCode(); !ok {
					r.exit(9)
					return
				}
				r.write("\nYou are now logged in.\n")
				r.exit(0)
			}()

			result, err := r.run(t, context.Background())
			require.NoError(t, err)

			transcript := r.transcript.String()
			assert.Equal(t, 1, strings.Count(transcript, bannerTitle))
			assert.Contains(t, transcript, "URL: https://accounts.google.com/o/oauth2/auth?x=1\n")
			assert.Contains(t, transcript, "You are now logged in.")
			assert.Contains(t, transcript, "Process exited with code: 0")
			assert.NotContains(t, transcript, responder.DefaultPrompt)

			assert.Equal(t, 0, result.ExitCode)
			assert.Equal(t, []string{"https://accounts.google.com/o/oauth2/auth?x=1"}, result.URLs)
			assert.Equal(t, 1, result.Prompts)
			assert.Equal(t, 1, result.Injections)
			assert.Equal(t, 1, fixed.Calls())
			assert.Equal(t, "4/0fixed", <-r.received)
			assert.Equal(t, []state.State{
				state.Starting, state.Watching, state.URLSurfaced, state.AwaitingCode, state.Watching, state.Exited,
			}, result.States)
			assert.Positive(t, result.Duration)
			assert.Equal(t, "test-session", result.SessionID)
		})
	}
}

func TestInteractiveConsoleReadsOnce(t *testing.T) {
	transcript := &syncBuffer{}
	console := responder.NewConsole(strings.NewReader("4/0typed\n"), transcript)
	r := newRig(t, stream.StrategyQueue, WithSource(console), WithTranscript(transcript))
	r.transcript = transcript

	go func() {
		r.write("Go to:\n\n    "+testURL+"\n\nEnter verification code: ")
		if _, ok := r.readCode(); !ok {
			r.exit(9)
			return
		}
		r.exit(0)
	}()

	result, err := r.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, 1, console.Reads())
	assert.Equal(t, "4/0typed", <-r.received)
	assert.Contains(t, transcript.String(), "\n"+responder.DefaultPrompt)
	for _, line := range InteractiveInstructions {
		assert.Contains(t, transcript.String(), line)
	}
}

func TestEarlyNonZeroExitNeverSurfacesURL(t *testing.T) {
	for _, strategy := range strategies {
		strategy := strategy
		t.Run(string(strategy), func(t *testing.T) {
			r := newRig(t, strategy, WithSource(responder.NewFixed("unused")))
			go func() {
				r.write("ERROR: (gcloud) could not reach accounts service\n")
				r.exit(2)
			}()

			result, err := r.run(t, context.Background())
			require.NoError(t, err)
			assert.Equal(t, 2, result.ExitCode)
			assert.Empty(t, result.URLs)
			assert.NotContains(t, result.States, state.URLSurfaced)
			assert.Equal(t, state.Exited, result.States[len(result.States)-1])

			transcript := r.transcript.String()
			assert.Contains(t, transcript, "could not reach accounts service")
			assert.Contains(t, transcript, "Process exited with code: 2")
			assert.NotContains(t, transcript, bannerTitle)
		})
	}
}

func TestChildExitWhileAwaitingCodeWins(t *testing.T) {
	blocked, _ := io.Pipe()
	console := responder.NewConsole(blocked, io.Discard)
	r := newRig(t, stream.StrategyQueue, WithSource(console))

	go func() {
		r.write(testURL + "\nEnter verification code: ")
		time.Sleep(50 * time.Millisecond)
		r.write("\nsession expired\n")
		r.exit(4)
	}()

	result, err := r.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, result.ExitCode)
	assert.Equal(t, 0, result.Injections)
	assert.Equal(t, []state.State{
		state.Starting, state.Watching, state.URLSurfaced, state.AwaitingCode, state.Exited,
	}, result.States)
	assert.Contains(t, r.transcript.String(), "session expired")
}

func TestSecondPromptCycleIsDetectedFresh(t *testing.T) {
	codes := []string{"first", "second"}
	var calls int
	source := responder.SourceFunc(func(context.Context, detect.Match) (string, error) {
		code := codes[calls]
		calls++
		return code, nil
	})
	r := newRig(t, stream.StrategyQueue, WithSource(source))

	go func() {
		for i := 0; i < 2; i++ {
			// URL and prompt in a single chunk.
			r.write(fmt.Sprintf("visit %s&attempt=%d\nenter the verification code: ", testURL, i))
			if _, ok := r.readCode(); !ok {
				r.exit(9)
				return
			}
		}
		r.exit(0)
	}()

	result, err := r.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, 2, result.Prompts)
	assert.Equal(t, 2, result.Injections)
	require.Len(t, result.URLs, 2)
	assert.Equal(t, testURL+"&attempt=0", result.URLs[0])
	assert.Equal(t, testURL+"&attempt=1", result.URLs[1])
	assert.Equal(t, "first", <-r.received)
	assert.Equal(t, "second", <-r.received)
	assert.Equal(t, 2, strings.Count(r.transcript.String(), bannerTitle))
}

func TestTranscriptPreservesChildOrder(t *testing.T) {
	for _, strategy := range strategies {
		strategy := strategy
		t.Run(string(strategy), func(t *testing.T) {
			r := newRig(t, strategy, WithSource(responder.NewFixed("unused")))

			var expected strings.Builder
			for i := 0; i < 300; i++ {
				fmt.Fprintf(&expected, "line %03d of child output\n", i)
			}
			go func() {
				text := expected.String()
				for len(text) > 0 {
					n := 37
					if n > len(text) {
						n = len(text)
					}
					_, _ = io.WriteString(r.out, text[:n])
					text = text[n:]
				}
				time.Sleep(20 * time.Millisecond)
				r.exit(0)
			}()

			result, err := r.run(t, context.Background())
			require.NoError(t, err)
			assert.Equal(t, 0, result.ExitCode)
			assert.True(t, strings.HasPrefix(r.transcript.String(), expected.String()), "transcript out of order")
		})
	}
}

func TestInjectionIntoClosedInputProceedsToExit(t *testing.T) {
	r := newRig(t, stream.StrategyQueue, WithSource(responder.NewFixed("4/0fixed")))

	go func() {
		_ = r.inCloser.Close()
		r.write(testURL + "\nenter the verification code: ")
		time.Sleep(30 * time.Millisecond)
		r.exit(1)
	}()

	result, err := r.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)
	assert.Equal(t, 0, result.Injections)
	assert.False(t, r.child.wasTerminated())
	assert.Contains(t, r.transcript.String(), "Could not send the verification code: inject response:")
}

func TestPromptWithoutURLIsNotAnswered(t *testing.T) {
	fixed := responder.NewFixed("4/0fixed")
	r := newRig(t, stream.StrategyQueue, WithSource(fixed))

	go func() {
		r.write("Enter the verification code: ")
		time.Sleep(50 * time.Millisecond)
		r.exit(1)
	}()

	result, err := r.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)
	assert.Zero(t, result.Prompts)
	assert.Zero(t, result.Injections)
	assert.Zero(t, fixed.Calls())
	assert.Equal(t, []state.State{state.Starting, state.Watching, state.Exited}, result.States)
}

func TestMissingResponseClosesChildInput(t *testing.T) {
	console := responder.NewConsole(strings.NewReader(""), io.Discard)
	r := newRig(t, stream.StrategyQueue, WithSource(console))

	go func() {
		r.write(testURL + "\nenter the verification code: ")
		if _, ok := r.readCode(); !ok {
			r.write("ERROR: no verification code entered\n")
			r.exit(1)
			return
		}
		r.exit(0)
	}()

	result, err := r.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)
	assert.Equal(t, 0, result.Injections)
}

type failingReader struct {
	err error
}

func (f failingReader) ReadAvailable(time.Duration) ([]byte, error) { return nil, f.err }
func (f failingReader) Close() error                                { return nil }

func TestPersistentReadErrorsTerminateChild(t *testing.T) {
	fc := newFakeChild()
	_, inW := io.Pipe()
	boom := errors.New("read: input/output error")
	session, err := New("read-errors", fc, failingReader{err: boom}, inW,
		WithTranscript(io.Discard),
		WithSource(responder.NewFixed("x")),
		WithTiming(time.Millisecond, time.Millisecond, time.Millisecond, 50*time.Millisecond),
		WithMaxReadErrors(3),
	)
	require.NoError(t, err)

	result, err := session.Run(context.Background())
	var readErr *ReadError
	require.True(t, errors.As(err, &readErr))
	assert.Equal(t, 3, readErr.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.True(t, fc.wasTerminated())
	assert.True(t, result.Terminated)
	assert.Equal(t, 137, result.ExitCode)
	assert.True(t, result.Signaled)
	assert.Equal(t, state.Exited, session.State())
}

func TestTransientReadErrorsAreRetried(t *testing.T) {
	fc := newFakeChild()
	_, inW := io.Pipe()
	reads := 0
	reader := readerFunc(func() ([]byte, error) {
		reads++
		if reads == 3 {
			fc.exit(child.ExitStatus{Code: 0})
		}
		if reads%2 == 1 {
			return nil, errors.New("transient")
		}
		return []byte("ok\n"), nil
	})
	session, err := New("transient", fc, reader, inW,
		WithTranscript(io.Discard),
		WithSource(responder.NewFixed("x")),
		WithTiming(time.Millisecond, time.Millisecond, time.Millisecond, 10*time.Millisecond),
		WithMaxReadErrors(2),
	)
	require.NoError(t, err)

	result, err := session.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, fc.wasTerminated())
}

type readerFunc func() ([]byte, error)

func (f readerFunc) ReadAvailable(time.Duration) ([]byte, error) { return f() }
func (f readerFunc) Close() error                                { return nil }

func TestContextCancelTerminatesChild(t *testing.T) {
	r := newRig(t, stream.StrategyQueue, WithSource(responder.NewFixed("x")))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		r.write("waiting for something that never comes\n")
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	result, err := r.run(t, ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, r.child.wasTerminated())
	assert.True(t, result.Terminated)
	assert.Equal(t, state.Exited, r.session.State())
}

func TestCancellationWinsWhenChildDiesFromIt(t *testing.T) {
	fc := newFakeChild()
	_, inW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancelling kills the child, so the next tick observes an exit with
	// the context already done.
	reader := readerFunc(func() ([]byte, error) {
		cancel()
		fc.exit(child.ExitStatus{Code: 137, Signaled: true})
		return nil, io.EOF
	})
	session, err := New("cancelled", fc, reader, inW,
		WithTranscript(io.Discard),
		WithSource(responder.NewFixed("x")),
		WithTiming(time.Millisecond, time.Millisecond, time.Millisecond, 10*time.Millisecond),
	)
	require.NoError(t, err)

	result, err := session.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 137, result.ExitCode)
	assert.True(t, result.Signaled)
	assert.False(t, fc.wasTerminated())
	require.NotEmpty(t, result.States)
	assert.Equal(t, state.Exited, result.States[len(result.States)-1])
}

func TestSessionPublishesEventsAndSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	bus := events.New()
	var mu sync.Mutex
	var seen []events.Event
	bus.SubscribeAll(func(event events.Event) {
		mu.Lock()
		seen = append(seen, event)
		mu.Unlock()
	})

	r := newRig(t, stream.StrategyQueue,
		WithSource(responder.NewFixed("4/0fixed")),
		WithBus(bus),
		WithTracer(provider.Tracer("harness-test")),
	)
	go func() {
		r.write(testURL + "\nenter the verification code: ")
		r.readCode()
		r.exit(0)
	}()
	_, err := r.run(t, context.Background())
	require.NoError(t, err)
	bus.Close()

	var run sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		if span.Name() == "harness.run" {
			run = span
		}
	}
	require.NotNil(t, run)
	assert.Equal(t, codes.Ok, run.Status().Code)
	var names []string
	for _, event := range run.Events() {
		names = append(names, event.Name)
	}
	assert.Equal(t, []string{"url.surfaced", "prompt.detected", "response.injected"}, names)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, events.EventTypeStateTransition, seen[len(seen)-1].Type)
	assert.Equal(t, events.EventTypeChildExited, seen[len(seen)-2].Type)
	var urls []string
	for _, event := range seen {
		if payload, ok := event.Payload.(events.URLPayload); ok {
			urls = append(urls, payload.URL)
		}
		if payload, ok := event.Payload.(events.InjectionPayload); ok {
			assert.Equal(t, "presupplied", payload.Source)
			assert.Equal(t, len("4/0fixed")+1, payload.Bytes)
		}
		assert.Equal(t, "test-session", event.EntityID)
	}
	assert.Equal(t, []string{testURL}, urls)
}

func TestNewValidatesArguments(t *testing.T) {
	fc := newFakeChild()
	_, inW := io.Pipe()
	reader := failingReader{}

	_, err := New("", fc, reader, inW)
	assert.Error(t, err)
	_, err = New("id", nil, reader, inW)
	assert.Error(t, err)
	_, err = New("id", fc, nil, inW)
	assert.Error(t, err)
	_, err = New("id", fc, reader, nil)
	assert.Error(t, err)
}

func TestBannerPlainOutput(t *testing.T) {
	var out bytes.Buffer
	banner := NewBanner(&out, false, PresuppliedInstructions)
	banner.URL(testURL)
	banner.Exit(3)

	want := "\n" + bannerTitle + "\nURL: " + testURL + "\n" + bannerRule + "\n\n" +
		PresuppliedInstructions[0] + "\n\nProcess exited with code: 3\n"
	assert.Equal(t, want, out.String())
}
