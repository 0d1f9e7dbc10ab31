// Package orchestrator coordinates the session registry, connection
// adapters, duplicate reconciliation, and reply pipelines, and exposes
// the lifecycle operations the control surface calls.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quailyquaily/wamux/connection"
	"github.com/quailyquaily/wamux/internal/worker"
	"github.com/quailyquaily/wamux/pipeline"
	"github.com/quailyquaily/wamux/session"
)

var ErrSessionNotFound = errors.New("orchestrator: session not found")

const (
	defaultMaxConcurrency  = 8
	defaultQueueSize       = 16
	defaultCleanupInterval = 24 * time.Hour
	defaultCleanupMaxAge   = 24 * time.Hour
)

// PipelineFactory builds the reply pipeline for one session once its
// connection adapter exists.
type PipelineFactory func(rec *session.Record, sender *connection.Adapter) (*pipeline.Pipeline, error)

type Options struct {
	Registry    *session.Registry
	Dial        connection.Factory
	NewPipeline PipelineFactory
	Logger      *slog.Logger

	// MaxConcurrency bounds pipeline runs across all sessions; events
	// for one correspondent are still processed strictly in order.
	MaxConcurrency int
	QueueSize      int

	// CleanupInterval paces the orphaned-config sweep; CleanupMaxAge is
	// how old a persisted file with no live record must be before it is
	// deleted.
	CleanupInterval time.Duration
	CleanupMaxAge   time.Duration
}

type job struct {
	pipe *pipeline.Pipeline
	msg  connection.Message
}

type Orchestrator struct {
	registry    *session.Registry
	dial        connection.Factory
	newPipeline PipelineFactory
	reconciler  *Reconciler
	logger      *slog.Logger

	workersCtx  context.Context
	stopWorkers context.CancelFunc
	workers     *worker.Group[job]

	mu        sync.Mutex
	pipelines map[string]*pipeline.Pipeline

	cleanupInterval time.Duration
	cleanupMaxAge   time.Duration
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = defaultMaxConcurrency
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	if opts.CleanupMaxAge <= 0 {
		opts.CleanupMaxAge = defaultCleanupMaxAge
	}
	workersCtx, stopWorkers := context.WithCancel(context.Background())
	return &Orchestrator{
		registry:    opts.Registry,
		dial:        opts.Dial,
		newPipeline: opts.NewPipeline,
		reconciler:  NewReconciler(opts.Registry, opts.Logger),
		logger:      opts.Logger,
		workersCtx:  workersCtx,
		stopWorkers: stopWorkers,
		workers: worker.NewGroup(worker.GroupOptions[job]{
			Ctx:            workersCtx,
			MaxConcurrency: opts.MaxConcurrency,
			QueueSize:      opts.QueueSize,
			Handle: func(ctx context.Context, j job) {
				j.pipe.Handle(ctx, j.msg)
			},
		}),
		pipelines:       make(map[string]*pipeline.Pipeline),
		cleanupInterval: opts.CleanupInterval,
		cleanupMaxAge:   opts.CleanupMaxAge,
	}
}

// Close stops all pipeline workers. In-flight runs finish; no new events
// enter the pipeline afterwards.
func (o *Orchestrator) Close() {
	o.workers.Close()
	o.stopWorkers()
}

func (o *Orchestrator) Reconciler() *Reconciler { return o.reconciler }

// Start validates the config, creates the session record, opens the
// connection, and kicks off authentication. Errors are reported
// synchronously; once Initialize returns, progress arrives via events.
func (o *Orchestrator) Start(ctx context.Context, cfg session.Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	rec, err := o.registry.Create(cfg)
	if err != nil {
		return "", err
	}
	id := rec.SessionID()

	events := connection.Events{
		PairingChallenge: func(payload string) { o.onPairing(id, payload) },
		Ready:            func(accountID string) { o.onReady(id, accountID) },
		Message:          func(msg connection.Message) { o.onMessage(id, msg) },
		Disconnected:     func(reason string) { o.onDisconnected(id, reason) },
	}
	conn, err := o.dial(ctx, id, events)
	if err != nil {
		o.registry.Remove(id)
		return "", fmt.Errorf("open connection: %w", err)
	}
	adapter := connection.NewAdapter(conn, o.logger)
	rec.SetHandle(adapter)

	pipe, err := o.newPipeline(rec, adapter)
	if err != nil {
		o.teardownFailedStart(ctx, rec, id)
		return "", fmt.Errorf("build pipeline: %w", err)
	}
	o.mu.Lock()
	o.pipelines[id] = pipe
	o.mu.Unlock()

	if err := adapter.Initialize(ctx); err != nil {
		o.teardownFailedStart(ctx, rec, id)
		return "", fmt.Errorf("initialize connection: %w", err)
	}

	o.logger.Info("session_start", "session_id", id, "voice", cfg.HasVoice())
	return id, nil
}

type SessionStatus struct {
	SessionID       string `json:"sessionId"`
	Status          string `json:"status"`
	PairingArtifact string `json:"qrCode,omitempty"`
	AccountID       string `json:"accountId,omitempty"`
	BotActive       bool   `json:"botActive"`
}

func (o *Orchestrator) Status(id string) (SessionStatus, error) {
	rec, ok := o.registry.Get(id)
	if !ok {
		return SessionStatus{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return statusOf(rec), nil
}

type SessionCheck struct {
	Config      session.Config `json:"config"`
	IsConnected bool           `json:"isConnected"`
	Status      string         `json:"status"`
	PairingCode string         `json:"qrCode,omitempty"`
}

// CheckSession reads the persisted config even when no in-memory record
// exists; live connection state is not recoverable across restarts, so a
// config-only session reports disconnected.
func (o *Orchestrator) CheckSession(ctx context.Context, id string) (SessionCheck, error) {
	cfg, found, err := o.registry.LoadPersisted(id)
	if err != nil {
		return SessionCheck{}, err
	}
	if !found {
		return SessionCheck{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	out := SessionCheck{Config: cfg, Status: string(session.StatusDisconnected)}
	rec, ok := o.registry.Get(id)
	if !ok {
		return out, nil
	}
	out.Status = string(rec.Status())
	out.PairingCode = rec.PairingArtifact()
	if handle := rec.Handle(); handle != nil {
		if state, err := handle.State(ctx); err == nil && state == connection.StateConnected {
			out.IsConnected = true
		}
	}
	return out, nil
}

// Disconnect tears the session down. A teardown that exhausts the retry
// budget is not fatal: the session is removed either way.
func (o *Orchestrator) Disconnect(ctx context.Context, id string) error {
	rec, ok := o.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	if handle := rec.ReleaseHandle(); handle != nil {
		if err := handle.Destroy(ctx); err != nil {
			o.logger.Warn("session_destroy_error", "session_id", id, "error", err.Error())
		}
	}
	rec.SetStatus(session.StatusDisconnected)
	o.dropSession(rec, id)
	o.logger.Info("session_disconnected", "session_id", id, "reason", "operator")
	return nil
}

// SetActive flips the operator mute switch; it does not touch the
// connection.
func (o *Orchestrator) SetActive(id string, active bool) error {
	rec, ok := o.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	rec.SetBotActive(active)
	o.logger.Info("session_bot_toggled", "session_id", id, "active", active)
	return nil
}

func (o *Orchestrator) Active(id string) (bool, error) {
	rec, ok := o.registry.Get(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return rec.BotActive(), nil
}

type Snapshot struct {
	Sessions []SessionStatus   `json:"sessions"`
	Accounts map[string]string `json:"accounts"`
}

func (o *Orchestrator) Snapshot() Snapshot {
	records := o.registry.List()
	out := Snapshot{
		Sessions: make([]SessionStatus, 0, len(records)),
		Accounts: o.reconciler.Accounts(),
	}
	for _, rec := range records {
		out.Sessions = append(out.Sessions, statusOf(rec))
	}
	return out
}

// RunCleanup deletes persisted config files that have no in-memory
// record and are older than the retention window, along with any stale
// account-index entries.
func (o *Orchestrator) RunCleanup(ctx context.Context) {
	persisted, err := o.registry.PersistedSessions()
	if err != nil {
		o.logger.Warn("cleanup_scan_error", "error", err.Error())
		return
	}
	now := time.Now()
	for _, p := range persisted {
		if ctx.Err() != nil {
			return
		}
		if _, ok := o.registry.Get(p.SessionID); ok {
			continue
		}
		if now.Sub(p.ModTime) < o.cleanupMaxAge {
			continue
		}
		if err := o.registry.RemovePersisted(p.SessionID); err != nil {
			o.logger.Warn("cleanup_remove_error", "session_id", p.SessionID, "error", err.Error())
			continue
		}
		o.reconciler.DropSession(p.SessionID)
		o.logger.Info("cleanup_removed_session", "session_id", p.SessionID)
	}
}

// StartCleanup runs the sweep periodically until the context is
// canceled.
func (o *Orchestrator) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(o.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.RunCleanup(ctx)
			}
		}
	}()
}

func (o *Orchestrator) onPairing(id, payload string) {
	rec, ok := o.registry.Get(id)
	if !ok {
		return
	}
	rec.SetPairing(payload)
	if err := o.registry.Persist(id); err != nil {
		o.logger.Warn("session_persist_error", "session_id", id, "error", err.Error())
	}
	o.logger.Info("session_pairing_challenge", "session_id", id, "payload_len", len(payload))
}

func (o *Orchestrator) onReady(id, accountID string) {
	o.reconciler.Reconcile(o.workersCtx, id, accountID)
}

func (o *Orchestrator) onDisconnected(id, reason string) {
	rec, ok := o.registry.Get(id)
	if !ok {
		return
	}
	o.logger.Warn("session_transport_disconnected", "session_id", id, "reason", reason)
	rec.ReleaseHandle()
	rec.SetStatus(session.StatusDisconnected)
	o.dropSession(rec, id)
}

// onMessage routes the event to the per-correspondent worker so one
// correspondent's events are handled in arrival order while different
// conversations interleave freely. A full queue drops the event instead
// of blocking the transport goroutine delivering it.
func (o *Orchestrator) onMessage(id string, msg connection.Message) {
	rec, ok := o.registry.Get(id)
	if !ok || rec.Status() != session.StatusReady {
		return
	}

	o.mu.Lock()
	pipe := o.pipelines[id]
	o.mu.Unlock()
	if pipe == nil {
		return
	}

	if err := o.workers.Enqueue(id+"|"+msg.From, job{pipe: pipe, msg: msg}); err != nil {
		o.logger.Warn("message_dropped", "session_id", id, "from", msg.From, "error", err.Error())
	}
}

// teardownFailedStart unwinds a session whose start did not complete:
// the dialed connection is destroyed before the record leaves the
// registry, same as any other removal path.
func (o *Orchestrator) teardownFailedStart(ctx context.Context, rec *session.Record, id string) {
	if handle := rec.ReleaseHandle(); handle != nil {
		if err := handle.Destroy(ctx); err != nil {
			o.logger.Warn("session_destroy_error", "session_id", id, "error", err.Error())
		}
	}
	o.dropSession(rec, id)
}

// dropSession removes every trace of the session: pipeline, worker
// loops, account-index entry, registry record, and persisted file.
func (o *Orchestrator) dropSession(rec *session.Record, id string) {
	o.mu.Lock()
	delete(o.pipelines, id)
	o.mu.Unlock()
	o.workers.DropPrefix(id + "|")

	if account := rec.AccountID(); account != "" {
		o.reconciler.DropOwner(account, id)
	}
	o.registry.Remove(id)
}

func statusOf(rec *session.Record) SessionStatus {
	return SessionStatus{
		SessionID:       rec.SessionID(),
		Status:          string(rec.Status()),
		PairingArtifact: rec.PairingArtifact(),
		AccountID:       rec.AccountID(),
		BotActive:       rec.BotActive(),
	}
}
