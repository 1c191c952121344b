package events

// EntitySession is the EntityType used for login session events.
const EntitySession = "session"

// TransitionPayload accompanies EventTypeStateTransition.
type TransitionPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// ChildStartedPayload accompanies EventTypeChildStarted.
type ChildStartedPayload struct {
	PID    int    `json:"pid"`
	Path   string `json:"path"`
	Reader string `json:"reader"`
	PTY    bool   `json:"pty"`
}

// URLPayload accompanies EventTypeURLSurfaced.
type URLPayload struct {
	URL string `json:"url"`
}

// PromptPayload accompanies EventTypePromptDetected.
type PromptPayload struct {
	Trigger string `json:"trigger"`
	Cycle   int    `json:"cycle"`
}

// InjectionPayload accompanies EventTypeResponseInjected. The response text
// itself is never published.
type InjectionPayload struct {
	Cycle  int    `json:"cycle"`
	Bytes  int    `json:"bytes"`
	Source string `json:"source"`
}

// ReadErrorPayload accompanies EventTypeReadError.
type ReadErrorPayload struct {
	Consecutive int    `json:"consecutive"`
	Error       string `json:"error"`
}

// ExitPayload accompanies EventTypeChildExited.
type ExitPayload struct {
	Code       int  `json:"code"`
	Signaled   bool `json:"signaled"`
	Terminated bool `json:"terminated"`
}
