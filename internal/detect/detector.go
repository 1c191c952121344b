// Package detect finds trigger patterns in the cumulative output of a child
// process.
//
// Detection always runs over the whole buffer accumulated since the last
// reset, so text split across several reads is found once every fragment has
// arrived. Each trigger fires at most once per prompt cycle; Reset starts a
// new cycle.
package detect

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const (
	// TriggerURL names the auth URL trigger.
	TriggerURL = "auth_url"
	// TriggerPrompt names the verification code prompt trigger.
	TriggerPrompt = "code_prompt"

	// DefaultURLPattern matches the Google sign-in URL printed by
	// `gcloud auth login --no-launch-browser`.
	DefaultURLPattern = `https://accounts\.google\.com[^\s]+`
	// DefaultPromptPattern matches the request for the code shown in the
	// browser after sign-in.
	DefaultPromptPattern = `(?i)enter (the )?(verification|authorization) code`
)

// Kind controls what a match carries.
type Kind int

const (
	// KindPhrase triggers only report that the phrase appeared.
	KindPhrase Kind = iota
	// KindValue triggers extract the matched text up to the first whitespace.
	KindValue
)

func (k Kind) String() string {
	switch k {
	case KindPhrase:
		return "phrase"
	case KindValue:
		return "value"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Trigger is a named pattern. Triggers are static configuration.
type Trigger struct {
	Name    string
	Kind    Kind
	Pattern *regexp.Regexp
	// PromptLine requires the match to sit on the last, unterminated line of
	// the buffer, where a program waiting for input leaves its prompt.
	PromptLine bool
}

// Match is one trigger firing.
type Match struct {
	Trigger string
	Kind    Kind
	// Value is set for KindValue triggers.
	Value string
	// Start and End are byte offsets into the scanned buffer.
	Start int
	End   int
}

// URLTrigger builds the value trigger that extracts the auth URL.
func URLTrigger(pattern string) (Trigger, error) {
	if strings.TrimSpace(pattern) == "" {
		pattern = DefaultURLPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Trigger{}, fmt.Errorf("compile url pattern: %w", err)
	}
	return Trigger{Name: TriggerURL, Kind: KindValue, Pattern: re}, nil
}

// PromptTrigger builds the phrase trigger for the verification code prompt.
func PromptTrigger(pattern string, promptLine bool) (Trigger, error) {
	if strings.TrimSpace(pattern) == "" {
		pattern = DefaultPromptPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Trigger{}, fmt.Errorf("compile prompt pattern: %w", err)
	}
	return Trigger{Name: TriggerPrompt, Kind: KindPhrase, Pattern: re, PromptLine: promptLine}, nil
}

// Detector scans buffers against an ordered trigger set and remembers which
// triggers fired in the current cycle.
type Detector struct {
	triggers []Trigger
	fired    map[string]bool
}

// New validates triggers and returns a Detector with no trigger fired.
func New(triggers ...Trigger) (*Detector, error) {
	if len(triggers) == 0 {
		return nil, errors.New("at least one trigger is required")
	}
	seen := make(map[string]bool, len(triggers))
	for _, trigger := range triggers {
		name := strings.TrimSpace(trigger.Name)
		if name == "" {
			return nil, errors.New("trigger name is required")
		}
		if trigger.Pattern == nil {
			return nil, fmt.Errorf("trigger %q has no pattern", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate trigger %q", name)
		}
		seen[name] = true
	}
	return &Detector{
		triggers: append([]Trigger(nil), triggers...),
		fired:    make(map[string]bool, len(triggers)),
	}, nil
}

// Scan reports the first trigger, in configured order and restricted to
// names when given, that has not fired this cycle and matches buffer. The
// returned trigger is marked fired.
//
// A value match that runs to the very end of buffer may still be growing, so
// it is not reported until a following byte arrives.
func (d *Detector) Scan(buffer string, names ...string) (Match, bool) {
	if d == nil {
		return Match{}, false
	}
	for _, trigger := range d.triggers {
		if d.fired[trigger.Name] || !selected(trigger.Name, names) {
			continue
		}
		match, ok := find(trigger, buffer)
		if !ok {
			continue
		}
		d.fired[trigger.Name] = true
		return match, true
	}
	return Match{}, false
}

// Fired reports whether the named trigger fired in the current cycle.
func (d *Detector) Fired(name string) bool {
	return d != nil && d.fired[name]
}

// Reset clears every fired flag, starting a new prompt cycle.
func (d *Detector) Reset() {
	if d == nil {
		return
	}
	clear(d.fired)
}

// Triggers returns the configured trigger names in scan order.
func (d *Detector) Triggers() []string {
	if d == nil {
		return nil
	}
	names := make([]string, 0, len(d.triggers))
	for _, trigger := range d.triggers {
		names = append(names, trigger.Name)
	}
	return names
}

func selected(name string, names []string) bool {
	if len(names) == 0 {
		return true
	}
	for _, candidate := range names {
		if candidate == name {
			return true
		}
	}
	return false
}

func find(trigger Trigger, buffer string) (Match, bool) {
	for _, loc := range trigger.Pattern.FindAllStringIndex(buffer, -1) {
		if loc[1] <= loc[0] {
			continue
		}
		if trigger.PromptLine && !onLastLine(buffer, loc[1]) {
			continue
		}
		match := Match{Trigger: trigger.Name, Kind: trigger.Kind, Start: loc[0], End: loc[1]}
		if trigger.Kind != KindValue {
			return match, true
		}

		value := buffer[loc[0]:loc[1]]
		if cut := strings.IndexFunc(value, unicode.IsSpace); cut >= 0 {
			value = value[:cut]
			match.End = loc[0] + cut
		} else if loc[1] == len(buffer) {
			// The first occurrence is authoritative; wait for it to finish.
			return Match{}, false
		}
		if value == "" {
			continue
		}
		match.Value = value
		return match, true
	}
	return Match{}, false
}

func onLastLine(buffer string, end int) bool {
	return !strings.ContainsAny(buffer[end:], "\r\n")
}
