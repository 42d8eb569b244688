// Package orchestrator is the control plane: it converges chat hierarchy
// and sandbox fleet to the declared configuration, then tail-reads lobby
// rooms and turns each qualifying message into an isolated task — a private
// task room, a forked sandbox, and an agent process launched inside it.
//
// It depends only on capability interfaces (chat, sandbox, audit,
// preflight); production wires the matrix and spark clients, tests wire
// fakes.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anotherjesse/acb/internal/config"
	"github.com/anotherjesse/acb/internal/matrix"
	"github.com/anotherjesse/acb/internal/spark"
	"github.com/anotherjesse/acb/internal/state"
)

// ChatAPI is the chat-homeserver capability the orchestrator needs.
// *matrix.Client is the production implementation.
type ChatAPI interface {
	VerifyConnection(ctx context.Context) error
	EnsureJoinedRoom(ctx context.Context, roomID string) error
	CreateSpace(ctx context.Context, name, topic string, invites []string) (string, error)
	CreateRoom(ctx context.Context, name, topic string, invites []string) (string, error)
	LinkRoomUnderSpace(ctx context.Context, parentID, childID string) error
	EnsureInvites(ctx context.Context, roomID string, userIDs []string) error
	Sync(ctx context.Context, since string, timeoutMs int, roomIDs []string) (*matrix.SyncResponse, error)
	SendNotice(ctx context.Context, roomID, text string) (string, error)
	SendTyping(ctx context.Context, roomID string, typing bool, timeoutMs int) error
	LeaveAndForget(ctx context.Context, roomID string)
	UserID() string
	AccessToken() string
	HomeserverURL() string
}

// SandboxAPI is the sandbox-fleet capability. *spark.Client is the
// production implementation.
type SandboxAPI interface {
	VerifyAvailability(ctx context.Context) error
	EnsureWorkVolume(ctx context.Context, project, volume string) error
	EnsureMainSandbox(ctx context.Context, spec spark.MainSandboxSpec) error
	EnsureRepoInMainSandbox(ctx context.Context, spec spark.RepoSpec) error
	RunBootstrap(ctx context.Context, spec spark.BootstrapSpec) error
	CreateTaskSandboxFork(ctx context.Context, spec spark.ForkSpec) error
	LaunchBridgeInSandbox(ctx context.Context, spec spark.LaunchSpec) (*spark.LaunchResult, error)
}

// AuditLog records task lifecycle events. Recording is best-effort; the
// JSON snapshot remains the source of truth.
type AuditLog interface {
	Record(taskID, eventType, detail string)
}

// RepoChecker validates that a project's repo is reachable before the
// sandbox is pointed at it. Optional; failures only warn.
type RepoChecker interface {
	CheckRepo(ctx context.Context, repo string) error
}

// Orchestrator owns the state store, the clients, and the in-memory task
// table. All state mutation happens on the loop goroutine.
type Orchestrator struct {
	cfg     *config.Config
	store   *state.Store
	state   *state.State
	chat    ChatAPI
	sandbox SandboxAPI

	audit     AuditLog    // optional
	preflight RepoChecker // optional

	logger *slog.Logger
	now    func() time.Time
	sleep  func(time.Duration)

	// inFlight guards against re-entry for events seen twice inside one
	// process lifetime, e.g. when overlapping sync batches replay the
	// tail. It is not a lock; the loop is single-threaded.
	inFlight map[string]struct{}

	sinceToken string
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithAudit attaches a lifecycle audit log.
func WithAudit(a AuditLog) Option {
	return func(o *Orchestrator) { o.audit = a }
}

// WithRepoChecker attaches a reconcile-time repo preflight.
func WithRepoChecker(r RepoChecker) Option {
	return func(o *Orchestrator) { o.preflight = r }
}

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep overrides the loop backoff sleep (tests).
func WithSleep(sleep func(time.Duration)) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// New creates an Orchestrator and loads (or initializes) its state.
func New(cfg *config.Config, store *state.Store, chat ChatAPI, sandbox SandboxAPI, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		state:    store.Load(),
		chat:     chat,
		sandbox:  sandbox,
		logger:   slog.Default(),
		now:      time.Now,
		sleep:    time.Sleep,
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State exposes the in-memory state for tests. Callers must not mutate
// it.
func (o *Orchestrator) State() *state.State { return o.state }

// Initialize verifies both clients, reconciles declared resources, and
// establishes the sync baseline so messages posted while the orchestrator
// was offline are not replayed as new tasks.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if err := o.chat.VerifyConnection(ctx); err != nil {
		return fmt.Errorf("verifying chat connection: %w", err)
	}
	if err := o.sandbox.VerifyAvailability(ctx); err != nil {
		return fmt.Errorf("verifying sandbox runtime: %w", err)
	}

	if err := o.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconciling: %w", err)
	}

	// Zero-timeout sync: only the resume token matters. Events returned
	// here predate this boot and are deliberately dropped.
	resp, err := o.chat.Sync(ctx, "", 0, o.lobbyRoomIDs())
	if err != nil {
		return fmt.Errorf("establishing sync baseline: %w", err)
	}
	o.sinceToken = resp.NextBatch
	return nil
}

// lobbyRoomIDs returns the known lobby rooms in declared project order.
func (o *Orchestrator) lobbyRoomIDs() []string {
	ids := make([]string, 0, len(o.cfg.Projects))
	for i := range o.cfg.Projects {
		if p, ok := o.state.Projects[o.cfg.Projects[i].Key]; ok && p.LobbyRoomID != "" {
			ids = append(ids, p.LobbyRoomID)
		}
	}
	return ids
}

// projectKeyForLobby maps a lobby room back to its project key.
func (o *Orchestrator) projectKeyForLobby(roomID string) (string, bool) {
	for i := range o.cfg.Projects {
		key := o.cfg.Projects[i].Key
		if p, ok := o.state.Projects[key]; ok && p.LobbyRoomID == roomID {
			return key, true
		}
	}
	return "", false
}

// persistError marks a failed state save. Persistence failures are fatal:
// the orchestrator must not keep acting on commitments it could not
// record.
type persistError struct{ err error }

func (e *persistError) Error() string { return "persisting state: " + e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

// persist saves the snapshot, wrapping failures as fatal.
func (o *Orchestrator) persist() error {
	if err := o.store.Save(o.state); err != nil {
		return &persistError{err: err}
	}
	return nil
}

// recordAudit appends a lifecycle event when an audit log is attached.
func (o *Orchestrator) recordAudit(taskID, eventType, detail string) {
	if o.audit != nil {
		o.audit.Record(taskID, eventType, detail)
	}
}
