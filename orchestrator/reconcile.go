package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/quailyquaily/wamux/session"
)

// Reconciler owns the account→session index and enforces account
// uniqueness: when a session finishes authenticating for an account that
// another session already holds, the older session is retired. The last
// session to authenticate wins; this favors availability of the newest
// session over rejecting the start request, because the account identity
// is only discoverable after pairing succeeds.
type Reconciler struct {
	// runMu serializes whole reconciliations: two ready events for the
	// same account must not both pass the duplicate scan before either
	// binds.
	runMu sync.Mutex

	mu       sync.Mutex
	registry *session.Registry
	accounts map[string]string
	logger   *slog.Logger
}

func NewReconciler(registry *session.Registry, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		registry: registry,
		accounts: make(map[string]string),
		logger:   logger,
	}
}

// Reconcile runs once per session, on the ready event that exposes the
// external account identity. Records that vanish mid-scan are treated as
// already reconciled.
func (r *Reconciler) Reconcile(ctx context.Context, sessionID, accountID string) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	rec, ok := r.registry.Get(sessionID)
	if !ok {
		r.logger.Warn("reconcile_session_gone", "session_id", sessionID, "account_id", accountID)
		return
	}

	for _, other := range r.registry.List() {
		if other.SessionID() == sessionID {
			continue
		}
		if other.AccountID() != accountID {
			continue
		}
		otherID := other.SessionID()
		if handle := other.ReleaseHandle(); handle != nil {
			if err := handle.Destroy(ctx); err != nil {
				// The duplicate is removed regardless of teardown outcome.
				r.logger.Warn("reconcile_destroy_error", "session_id", otherID, "error", err.Error())
			}
		}
		r.dropOwner(accountID, otherID)
		r.registry.Remove(otherID)
		r.logger.Warn("reconcile_removed_duplicate", "session_id", otherID, "account_id", accountID, "replaced_by", sessionID)
	}

	rec.BindAccount(accountID)
	r.mu.Lock()
	r.accounts[accountID] = sessionID
	r.mu.Unlock()

	if err := r.registry.Persist(sessionID); err != nil {
		r.logger.Warn("session_persist_error", "session_id", sessionID, "error", err.Error())
	}
	r.logger.Info("session_ready", "session_id", sessionID, "account_id", accountID)
	r.logSnapshot()
}

// Owner reports the session currently bound to an account.
func (r *Reconciler) Owner(accountID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.accounts[accountID]
	return id, ok
}

// DropOwner clears the index entry if it still points at the session.
func (r *Reconciler) DropOwner(accountID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.accounts[accountID] == sessionID {
		delete(r.accounts, accountID)
	}
}

// DropSession clears any index entry pointing at the session.
func (r *Reconciler) DropSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for account, id := range r.accounts {
		if id == sessionID {
			delete(r.accounts, account)
		}
	}
}

// Accounts returns a copy of the account→session index for diagnostics.
func (r *Reconciler) Accounts() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.accounts))
	for account, id := range r.accounts {
		out[account] = id
	}
	return out
}

func (r *Reconciler) dropOwner(accountID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.accounts[accountID] == sessionID {
		delete(r.accounts, accountID)
	}
}

// logSnapshot emits the active sessions and the account index after each
// reconciliation. Observability aid, not a correctness requirement.
func (r *Reconciler) logSnapshot() {
	for _, rec := range r.registry.List() {
		account := rec.AccountID()
		if account == "" {
			account = "not_connected"
		}
		r.logger.Info("session_snapshot", "session_id", rec.SessionID(), "account_id", account, "status", string(rec.Status()))
	}
	for account, id := range r.Accounts() {
		r.logger.Info("account_index_snapshot", "account_id", account, "session_id", id)
	}
}
