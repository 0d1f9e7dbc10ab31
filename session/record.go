package session

import (
	"sync"

	"github.com/quailyquaily/wamux/connection"
)

type Status string

const (
	StatusConnecting        Status = "connecting"
	StatusWaitingForPairing Status = "waiting_for_pairing"
	StatusReady             Status = "ready"
	StatusDisconnected      Status = "disconnected"
)

// Record is the in-memory state of one session. Fields are guarded by an
// internal mutex because connection callbacks, pipeline workers, and the
// control surface touch the same record concurrently.
type Record struct {
	mu sync.Mutex

	sessionID string
	config    Config

	status          Status
	accountID       string
	pairingArtifact string
	botActive       bool

	history *History

	// handle is exclusively owned by this record while the session is
	// alive and must be released before the record leaves the registry.
	handle *connection.Adapter
}

func newRecord(id string, cfg Config) *Record {
	return &Record{
		sessionID: id,
		config:    cfg,
		status:    StatusConnecting,
		botActive: true,
		history:   NewHistory(),
	}
}

func (r *Record) SessionID() string { return r.sessionID }

func (r *Record) Config() Config { return r.config }

func (r *Record) History() *History { return r.history }

func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Record) SetStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

func (r *Record) AccountID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accountID
}

func (r *Record) PairingArtifact() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pairingArtifact
}

func (r *Record) SetPairing(artifact string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusWaitingForPairing
	r.pairingArtifact = artifact
}

// BindAccount marks the session ready for the given external account and
// clears the pairing artifact.
func (r *Record) BindAccount(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accountID = accountID
	r.status = StatusReady
	r.pairingArtifact = ""
}

func (r *Record) BotActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.botActive
}

func (r *Record) SetBotActive(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.botActive = active
}

func (r *Record) Handle() *connection.Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

func (r *Record) SetHandle(h *connection.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handle = h
}

// ReleaseHandle detaches and returns the connection handle so the caller
// can destroy it; the record no longer references it afterwards.
func (r *Record) ReleaseHandle() *connection.Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handle
	r.handle = nil
	return h
}
