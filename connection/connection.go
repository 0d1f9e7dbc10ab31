// Package connection defines the capability the orchestrator needs from a
// messaging-account transport, plus the adapter that drives one instance
// of it. The transport itself (pairing, delivery, media download) lives
// behind this interface; see the bridge subpackage for a reference client.
package connection

import (
	"context"
	"errors"
)

var (
	// ErrBusy marks a teardown failure caused by the transport still
	// holding resources; Destroy retries on it.
	ErrBusy = errors.New("connection: resource busy")
	// ErrDestroyFailed reports that teardown did not succeed within the
	// retry budget. The session is still considered removed.
	ErrDestroyFailed = errors.New("connection: destroy failed")
)

type State string

const (
	StateConnected State = "CONNECTED"
	StateUnknown   State = "UNKNOWN"
)

type Kind string

const (
	KindText    Kind = "text"
	KindAudio   Kind = "audio"
	KindVoice   Kind = "voice"
	KindCallLog Kind = "call_log"
	KindStatus  Kind = "status"
)

type Media struct {
	Data     []byte
	MimeType string
}

// Message is one inbound event from the transport. Download is set only
// when the event carries a media payload.
type Message struct {
	From     string
	To       string
	Kind     Kind
	Body     string
	Download func(ctx context.Context) (Media, error)
}

type SendMediaOptions struct {
	AsVoice bool
}

type Connection interface {
	Initialize(ctx context.Context) error
	SendText(ctx context.Context, target, text string) error
	SendMedia(ctx context.Context, target string, media Media, opts SendMediaOptions) error
	State(ctx context.Context) (State, error)
	Destroy(ctx context.Context) error
}

// Events carries the transport callbacks for one session. Handlers run on
// the transport's goroutine; keep them short.
type Events struct {
	PairingChallenge func(payload string)
	Ready            func(accountID string)
	Message          func(msg Message)
	Disconnected     func(reason string)
}

// Factory opens a new transport connection for a session. The transport
// is expected to deliver events through the supplied callbacks after
// Initialize is called.
type Factory func(ctx context.Context, sessionID string, events Events) (Connection, error)
