// Package fakegcloud turns the running test binary into a scripted stand-in
// for `gcloud auth login --no-launch-browser`.
//
// Packages that need it call MaybeRun from TestMain and launch the binary
// returned by Spec.
package fakegcloud

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"
)

// EnvKey selects the scenario when the test binary is re-executed.
const EnvKey = "GCAUTH_FAKE_GCLOUD_MODE"

// AuthURL is the URL printed by the login scenarios.
const AuthURL = "https://accounts.google.com/o/oauth2/auth?response_type=code&client_id=32555940559.apps.googleusercontent.com&scope=openid"

// RejectedCode makes the retry scenario ask again.
const RejectedCode = "bad"

const (
	// ModeLogin prints the URL and prompt on stderr, reads one code and exits 0.
	ModeLogin = "login"
	// ModeRetry rejects RejectedCode with a second prompt cycle before accepting.
	ModeRetry = "retry"
	// ModeFailEarly exits 2 before printing any URL.
	ModeFailEarly = "fail-early"
	// ModeExitWhilePrompting prints the prompt and exits 4 without reading.
	ModeExitWhilePrompting = "exit-while-prompting"
	// ModeSleep blocks until killed.
	ModeSleep = "sleep"
	// ModeVersion prints a version banner.
	ModeVersion = "version"
)

// MaybeRun executes the scenario and exits when EnvKey is set.
func MaybeRun() {
	mode := os.Getenv(EnvKey)
	if mode == "" {
		return
	}
	os.Exit(Run(mode, os.Stdin, os.Stdout, os.Stderr))
}

// Spec returns a command, args and environment that re-execute the current
// test binary in the given mode.
func Spec(t testing.TB, mode string) (string, []string, map[string]string) {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("resolve test executable: %v", err)
	}
	return exe, []string{"-test.run=^$"}, map[string]string{EnvKey: mode}
}

// Run plays one scenario and returns the exit code.
func Run(mode string, stdin io.Reader, stdout, stderr io.Writer) int {
	reader := bufio.NewReader(stdin)
	switch mode {
	case ModeLogin:
		promptCycle(stderr)
		code := readCode(reader)
		if code == "" {
			fmt.Fprintln(stderr, "ERROR: (gcloud.auth.login) no verification code entered")
			return 1
		}
		fmt.Fprintf(stdout, "\nYou are now logged in as [operator@example.com] with code [%s].\n", code)
		return 0
	case ModeRetry:
		for attempt := 1; ; attempt++ {
			promptCycle(stderr)
			code := readCode(reader)
			if code == "" {
				return 1
			}
			if code != RejectedCode {
				fmt.Fprintf(stdout, "\nYou are now logged in after %d attempts.\n", attempt)
				return 0
			}
			fmt.Fprintln(stderr, "ERROR: invalid_grant: Malformed auth code.")
		}
	case ModeFailEarly:
		fmt.Fprintln(stderr, "ERROR: (gcloud) could not reach accounts service")
		return 2
	case ModeExitWhilePrompting:
		promptCycle(stderr)
		fmt.Fprintln(stdout, "\nsession expired")
		return 4
	case ModeSleep:
		fmt.Fprintln(stdout, "waiting")
		time.Sleep(time.Minute)
		return 0
	case ModeVersion:
		fmt.Fprintln(stdout, "Google Cloud SDK 999.0.0")
		return 0
	default:
		fmt.Fprintf(stderr, "unknown fake gcloud mode %q\n", mode)
		return 64
	}
}

func promptCycle(w io.Writer) {
	fmt.Fprint(w, "Go to the following link in your browser, and complete the sign-in prompts:\n\n")
	fmt.Fprintf(w, "    %s\n\n", AuthURL)
	fmt.Fprint(w, "Once finished, enter the verification code provided in your browser: ")
}

func readCode(reader *bufio.Reader) string {
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return ""
	}
	return strings.TrimSpace(line)
}
