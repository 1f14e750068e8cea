// Package core implements the match orchestration engine: the session
// registry, the single-writer event loop, per-match runners, and settlement.
//
// The registry is owned exclusively by the Run loop. Every mutation
// (registration, match start, action routing, settlement) travels through one
// bounded queue and is processed in arrival order, so no two registry
// mutations ever race and no locks are needed.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/playmesh/arena/internal/model"
	"github.com/playmesh/arena/internal/sponsor"
)

// Store is the narrow persistence contract the core depends on. Implemented
// by *storage.DB; tests substitute an in-memory fake.
type Store interface {
	// UpdateAgentStatus records an agent's connection state.
	UpdateAgentStatus(ctx context.Context, agentID uuid.UUID, status model.AgentStatus) error
	// UpdateMatchStatus records a match lifecycle transition.
	UpdateMatchStatus(ctx context.Context, matchID uuid.UUID, status model.MatchStatus) error
	// SettleMatch persists a completed match inside one transaction: every
	// turn log, each participant's play/win counters, and the final status
	// with the winner. A nil winnerID records a completed match with no winner.
	SettleMatch(ctx context.Context, matchID uuid.UUID, winnerID *uuid.UUID, agentIDs []uuid.UUID, turns []model.TurnLog) error
}

// actionBuffer bounds a runner's pending-action queue. The turn protocol is
// strictly request/response, so anything beyond a small buffer means the
// agent is sending actions nobody asked for.
const actionBuffer = 8

// Config holds the dependencies and tuning for a Core.
type Config struct {
	Store    Store
	Sponsors map[string]sponsor.Dialer
	Logger   *slog.Logger

	// QueueSize is the event queue depth (default 64).
	QueueSize int
	// ActionTimeout bounds the wait for one agent action; 0 disables.
	ActionTimeout time.Duration
}

type agentEntry struct {
	out chan<- Push
	// matchID is non-nil while the agent's inbound stream is owned by a
	// match runner. Commitment is exclusive: a committed agent cannot be
	// listed in another StartMatch.
	matchID *uuid.UUID
}

type runnerHandle struct {
	agentIDs []uuid.UUID
	actions  chan agentAction
	lost     chan uuid.UUID
	cancel   context.CancelFunc
}

// Core is the top-level orchestration loop.
type Core struct {
	store         Store
	sponsors      map[string]sponsor.Dialer
	logger        *slog.Logger
	actionTimeout time.Duration

	queue chan event
	done  chan struct{}

	// Owned by the Run loop; never touched from outside it.
	runCtx  context.Context
	agents  map[uuid.UUID]*agentEntry
	matches map[uuid.UUID]*runnerHandle
}

var meter = otel.GetMeterProvider().Meter("arena/core")

// New creates a Core. Call Run to start processing events.
func New(cfg Config) *Core {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{
		store:         cfg.Store,
		sponsors:      cfg.Sponsors,
		logger:        logger,
		actionTimeout: cfg.ActionTimeout,
		queue:         make(chan event, queueSize),
		done:          make(chan struct{}),
		agents:        make(map[uuid.UUID]*agentEntry),
		matches:       make(map[uuid.UUID]*runnerHandle),
	}
}

// Run processes events until ctx is cancelled, then cancels every live match
// runner and keeps draining until each one has reported back, so that no
// match is left without a terminal status.
func (c *Core) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.shutdown(ctx)
			return nil
		case ev := <-c.queue:
			c.handle(ev)
		}
	}
}

// shutdown cancels live runners and processes their terminal reports.
// Store calls during the drain use a detached context: the loop context is
// already cancelled, but statuses must still converge.
func (c *Core) shutdown(ctx context.Context) {
	c.runCtx = context.WithoutCancel(ctx)
	for _, h := range c.matches {
		h.cancel()
	}
	for len(c.matches) > 0 {
		select {
		case ev := <-c.queue:
			c.handle(ev)
		case <-time.After(10 * time.Second):
			c.logger.Error("core: shutdown drain timed out", "pending_matches", len(c.matches))
			return
		}
	}
}

func (c *Core) handle(ev event) {
	switch ev := ev.(type) {
	case registerEvent:
		ev.errc <- c.handleRegister(ev)
	case unregisterEvent:
		ev.errc <- c.handleUnregister(ev)
	case startMatchEvent:
		ev.errc <- c.handleStartMatch(ev)
	case routeActionEvent:
		ev.errc <- c.handleRouteAction(ev)
	case routePushEvent:
		ev.errc <- c.handleRoutePush(ev)
	case finishEvent:
		c.handleFinish(ev)
	}
}

// submit enqueues an event and waits for the loop's reply.
func (c *Core) submit(ctx context.Context, ev event, errc chan error) error {
	select {
	case c.queue <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// Register attaches an agent's outbound channel to the registry and marks the
// agent ready for matches. Registering an already-registered id replaces the
// handle: the latest connection wins.
func (c *Core) Register(ctx context.Context, agentID uuid.UUID, out chan<- Push) error {
	errc := make(chan error, 1)
	return c.submit(ctx, registerEvent{agentID: agentID, out: out, errc: errc}, errc)
}

// Unregister removes an agent from the registry and marks it idle. out
// identifies the connection being torn down: a stale teardown arriving after
// the agent reconnected finds a different handle and is a no-op. If the agent
// was committed to a live match, that match's runner observes the loss.
func (c *Core) Unregister(ctx context.Context, agentID uuid.UUID, out chan<- Push) error {
	errc := make(chan error, 1)
	return c.submit(ctx, unregisterEvent{agentID: agentID, out: out, errc: errc}, errc)
}

// StartMatch takes exclusive ownership of each listed agent's inbound stream,
// opens a sponsor conversation, and spawns a match runner. Fails with
// ErrSponsorUnavailable or ErrAgentUnavailable without side effects.
func (c *Core) StartMatch(ctx context.Context, params StartMatchParams) error {
	errc := make(chan error, 1)
	return c.submit(ctx, startMatchEvent{params: params, errc: errc}, errc)
}

// RouteAction forwards an agent action to the runner that owns the match.
// Returns ErrMatchNotFound for a finished or unknown match, a soft error the
// caller reports back to the agent.
func (c *Core) RouteAction(ctx context.Context, agentID, matchID uuid.UUID, action string) error {
	errc := make(chan error, 1)
	return c.submit(ctx, routeActionEvent{agentID: agentID, matchID: matchID, action: action, errc: errc}, errc)
}

// routePush delivers a push to an agent's outbound channel. Called only by
// match runners; ErrAgentNotFound or ErrAgentUnresponsive is fatal to them.
func (c *Core) routePush(ctx context.Context, agentID uuid.UUID, push Push) error {
	errc := make(chan error, 1)
	return c.submit(ctx, routePushEvent{agentID: agentID, push: push, errc: errc}, errc)
}

// finish delivers a runner's terminal report. Runners retry nothing here: if
// the core is stopping, the shutdown drain is already waiting for this event.
func (c *Core) finish(matchID uuid.UUID, settlement *model.Settlement, cause error) {
	select {
	case c.queue <- finishEvent{matchID: matchID, settlement: settlement, cause: cause}:
	case <-c.done:
		c.logger.Error("core: terminal report lost, core stopped", "match_id", matchID)
	}
}

func (c *Core) handleRegister(ev registerEvent) error {
	c.logger.Debug("core: agent registered", "agent_id", ev.agentID)
	prev, replaced := c.agents[ev.agentID]
	entry := &agentEntry{out: ev.out}
	if replaced {
		// Latest connection wins; an in-flight match keeps its commitment.
		entry.matchID = prev.matchID
	}
	c.agents[ev.agentID] = entry
	if err := c.store.UpdateAgentStatus(c.runCtx, ev.agentID, model.AgentReady); err != nil {
		c.logger.Warn("core: mark agent ready failed", "agent_id", ev.agentID, "error", err)
	}
	if !replaced {
		c.addGauge("arena.core.agents_connected", 1)
	}
	return nil
}

func (c *Core) handleUnregister(ev unregisterEvent) error {
	entry, ok := c.agents[ev.agentID]
	if !ok {
		return nil
	}
	if ev.out != nil && entry.out != ev.out {
		// The agent reconnected; this teardown belongs to the replaced
		// connection and must not touch the live entry.
		return nil
	}
	if entry.matchID != nil {
		if h, live := c.matches[*entry.matchID]; live {
			select {
			case h.lost <- ev.agentID:
			default:
			}
		}
	}
	delete(c.agents, ev.agentID)
	if err := c.store.UpdateAgentStatus(c.runCtx, ev.agentID, model.AgentIdle); err != nil {
		c.logger.Warn("core: mark agent idle failed", "agent_id", ev.agentID, "error", err)
	}
	c.addGauge("arena.core.agents_connected", -1)
	c.logger.Debug("core: agent unregistered", "agent_id", ev.agentID)
	return nil
}

func (c *Core) handleStartMatch(ev startMatchEvent) error {
	p := ev.params
	dialer, ok := c.sponsors[p.Sponsor]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSponsorUnavailable, p.Sponsor)
	}
	if _, exists := c.matches[p.MatchID]; exists {
		return fmt.Errorf("core: match %s already running", p.MatchID)
	}

	seen := make(map[uuid.UUID]bool, len(p.AgentIDs))
	for _, id := range p.AgentIDs {
		entry, registered := c.agents[id]
		if !registered || entry.matchID != nil || seen[id] {
			return fmt.Errorf("%w: %s", ErrAgentUnavailable, id)
		}
		seen[id] = true
	}

	conv, err := dialer.Open(c.runCtx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSponsorUnavailable, err)
	}

	runnerCtx, cancel := context.WithCancel(c.runCtx)
	h := &runnerHandle{
		agentIDs: p.AgentIDs,
		actions:  make(chan agentAction, actionBuffer),
		lost:     make(chan uuid.UUID, len(p.AgentIDs)),
		cancel:   cancel,
	}
	c.matches[p.MatchID] = h

	matchID := p.MatchID
	for _, id := range p.AgentIDs {
		c.agents[id].matchID = &matchID
		if err := c.store.UpdateAgentStatus(c.runCtx, id, model.AgentRunning); err != nil {
			c.logger.Warn("core: mark agent running failed", "agent_id", id, "error", err)
		}
	}
	if err := c.store.UpdateMatchStatus(c.runCtx, p.MatchID, model.MatchRunning); err != nil {
		c.logger.Warn("core: mark match running failed", "match_id", p.MatchID, "error", err)
	}

	r := &runner{
		matchID:       p.MatchID,
		agentIDs:      p.AgentIDs,
		gameType:      p.GameType,
		totalGames:    p.TotalGames,
		actionTimeout: c.actionTimeout,
		conv:          conv,
		actions:       h.actions,
		lost:          h.lost,
		core:          c,
		logger:        c.logger.With("match_id", p.MatchID, "sponsor", p.Sponsor),
	}
	go r.run(runnerCtx)

	c.addGauge("arena.core.matches_active", 1)
	c.logger.Info("core: match started",
		"match_id", p.MatchID, "sponsor", p.Sponsor,
		"game_type", p.GameType, "total_games", p.TotalGames, "agents", len(p.AgentIDs))
	return nil
}

func (c *Core) handleRouteAction(ev routeActionEvent) error {
	h, ok := c.matches[ev.matchID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMatchNotFound, ev.matchID)
	}
	select {
	case h.actions <- agentAction{agentID: ev.agentID, action: ev.action}:
		return nil
	default:
		return fmt.Errorf("%w: match %s", ErrActionRejected, ev.matchID)
	}
}

func (c *Core) handleRoutePush(ev routePushEvent) error {
	entry, ok := c.agents[ev.agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, ev.agentID)
	}
	select {
	case entry.out <- ev.push:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrAgentUnresponsive, ev.agentID)
	}
}

// handleFinish settles or aborts a finished match: the runner handle is
// removed, every participant's inbound ownership returns to its session, and
// the persisted status converges to Completed or Cancelled.
func (c *Core) handleFinish(ev finishEvent) {
	h, ok := c.matches[ev.matchID]
	if !ok {
		c.logger.Warn("core: terminal report for unknown match", "match_id", ev.matchID)
		return
	}
	delete(c.matches, ev.matchID)
	h.cancel()
	c.addGauge("arena.core.matches_active", -1)

	for _, id := range h.agentIDs {
		entry, connected := c.agents[id]
		if !connected || entry.matchID == nil || *entry.matchID != ev.matchID {
			continue
		}
		entry.matchID = nil
		if err := c.store.UpdateAgentStatus(c.runCtx, id, model.AgentReady); err != nil {
			c.logger.Warn("core: release agent failed", "agent_id", id, "error", err)
		}
	}

	if ev.cause != nil {
		c.abortMatch(ev.matchID, h, ev.cause)
		return
	}
	c.settleMatch(ev.matchID, h, ev.settlement)
}

func (c *Core) abortMatch(matchID uuid.UUID, h *runnerHandle, cause error) {
	c.logger.Warn("core: match aborted", "match_id", matchID, "cause", cause)
	if err := c.store.UpdateMatchStatus(c.runCtx, matchID, model.MatchCancelled); err != nil {
		c.logger.Error("core: mark match cancelled failed", "match_id", matchID, "error", err)
	}
	c.notifyMatchOver(matchID, h, model.MatchCancelled, nil, cause.Error())
	c.addCounter("arena.core.matches_aborted", 1)
}

func (c *Core) settleMatch(matchID uuid.UUID, h *runnerHandle, s *model.Settlement) {
	totals, winnerID := Aggregate(s.AgentIDs, s.Logs)
	if err := c.store.SettleMatch(c.runCtx, matchID, winnerID, s.AgentIDs, s.Logs); err != nil {
		// The transaction rolled back; the in-memory result is discarded and
		// the match must not be left Running.
		c.logger.Error("core: settlement failed", "match_id", matchID, "error", err)
		if err := c.store.UpdateMatchStatus(c.runCtx, matchID, model.MatchCancelled); err != nil {
			c.logger.Error("core: mark match cancelled failed", "match_id", matchID, "error", err)
		}
		c.notifyMatchOver(matchID, h, model.MatchCancelled, nil, "settlement failed")
		c.addCounter("arena.core.matches_aborted", 1)
		return
	}

	c.logger.Info("core: match settled",
		"match_id", matchID, "rounds", len(s.Logs), "winner_id", winnerID, "totals", len(totals))
	c.notifyMatchOver(matchID, h, model.MatchCompleted, winnerID, "")
	c.addCounter("arena.core.matches_settled", 1)
}

// notifyMatchOver sends a best-effort termination notice to every still-
// connected participant so client-side logic does not hang waiting for state.
func (c *Core) notifyMatchOver(matchID uuid.UUID, h *runnerHandle, status model.MatchStatus, winnerID *uuid.UUID, message string) {
	push := Push{
		Kind:     PushMatchOver,
		MatchID:  matchID,
		Status:   status,
		WinnerID: winnerID,
		Message:  message,
	}
	for _, id := range h.agentIDs {
		entry, connected := c.agents[id]
		if !connected {
			continue
		}
		select {
		case entry.out <- push:
		default:
			c.logger.Warn("core: termination notice dropped", "agent_id", id, "match_id", matchID)
		}
	}
}

// IsFatalMatchErr reports whether err belongs to the fatal match taxonomy
// (as opposed to a soft routing error).
func IsFatalMatchErr(err error) bool {
	return errors.Is(err, ErrInitFailed) ||
		errors.Is(err, ErrProtocolViolation) ||
		errors.Is(err, ErrSponsorDisconnected) ||
		errors.Is(err, ErrAgentDisconnected) ||
		errors.Is(err, ErrAgentUnresponsive) ||
		errors.Is(err, ErrActionTimeout)
}

// Metrics are best-effort: instruments are created lazily and failures are ignored.
func (c *Core) addGauge(name string, delta int64) {
	if g, err := meter.Int64UpDownCounter(name); err == nil {
		g.Add(c.runCtx, delta)
	}
}

func (c *Core) addCounter(name string, n int64) {
	if counter, err := meter.Int64Counter(name); err == nil {
		counter.Add(c.runCtx, n)
	}
}
