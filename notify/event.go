// Package notify implements the job notification core: the event model, the
// registry correlating job tokens to live client channels, and the WebSocket
// gateway that carries events to the browser.
//
// The upload, channel-open and job-completion steps may happen in any order.
// The registry absorbs that race: a terminal event computed before any channel
// exists is buffered and handed to the first channel that registers for the
// same token.
package notify

import "time"

// Kind discriminates the event variants carried over a notification channel.
type Kind string

const (
	// KindConnected is the gateway-local greeting sent when a channel opens.
	KindConnected Kind = "connected"
	// KindProgress reports partial completion of a running job.
	KindProgress Kind = "progress"
	// KindCompleted is the successful terminal event, naming the artifact.
	KindCompleted Kind = "completed"
	// KindFailed is the failure terminal event.
	KindFailed Kind = "failed"
)

// Event is one message delivered over a notification channel. The JSON field
// names match what the browser client expects; zero fields are omitted so
// each variant serializes to its own minimal shape.
type Event struct {
	Kind       Kind    `json:"-"`
	Message    string  `json:"message,omitempty"`
	SocketID   string  `json:"socketId,omitempty"`
	Progress   float64 `json:"progress,omitempty"`
	OutputPath string  `json:"outputPath,omitempty"`
	IsZip      bool    `json:"isZip,omitempty"`
	Error      string  `json:"error,omitempty"`

	// At records when the event was emitted; used by the registry's
	// retention sweep for buffered terminal events.
	At time.Time `json:"-"`
}

// Terminal reports whether the event ends its job. At most one terminal
// event is ever delivered per job token.
func (e Event) Terminal() bool {
	return e.Kind == KindCompleted || e.Kind == KindFailed
}

// Connected builds the channel-open greeting for a job token.
func Connected(socketID string) Event {
	return Event{
		Kind:     KindConnected,
		Message:  "WebSocket connection established",
		SocketID: socketID,
		At:       time.Now(),
	}
}

// Progress builds a progress event. percent is 0-100.
func Progress(percent float64, message string) Event {
	return Event{
		Kind:     KindProgress,
		Progress: percent,
		Message:  message,
		At:       time.Now(),
	}
}

// Completed builds the success terminal event naming the produced artifact.
func Completed(outputPath string, isZip bool) Event {
	return Event{
		Kind:       KindCompleted,
		Message:    "File processed successfully",
		OutputPath: outputPath,
		IsZip:      isZip,
		At:         time.Now(),
	}
}

// Failed builds the failure terminal event.
func Failed(reason string) Event {
	return Event{
		Kind:    KindFailed,
		Message: "Error processing file",
		Error:   reason,
		At:      time.Now(),
	}
}
