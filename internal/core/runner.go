package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/playmesh/arena/internal/model"
	"github.com/playmesh/arena/internal/sponsor"
)

// runner executes the turn-relay protocol for one match: exactly totalGames
// rounds against the sponsor conversation, relaying each engine state to the
// addressed agent and each agent action back to the engine. Rounds are
// strictly sequential; round N+1 never begins before round N's payoffs are
// recorded.
//
// A runner always terminates with exactly one report to the core: a
// settlement on normal completion, a fatal cause on abort. It never touches
// the registry itself.
type runner struct {
	matchID       uuid.UUID
	agentIDs      []uuid.UUID
	gameType      string
	totalGames    int
	actionTimeout time.Duration

	conv    sponsor.Conversation
	actions <-chan agentAction
	lost    <-chan uuid.UUID

	core   *Core
	logger *slog.Logger
}

func (r *runner) run(ctx context.Context) {
	defer r.conv.Close()

	logs, err := r.play(ctx)
	if err != nil {
		r.logger.Warn("runner: match failed", "error", err, "completed_rounds", len(logs))
		r.core.finish(r.matchID, nil, err)
		return
	}
	r.core.finish(r.matchID, &model.Settlement{
		MatchID:  r.matchID,
		AgentIDs: r.agentIDs,
		Logs:     logs,
	}, nil)
}

// play drives the protocol to completion and returns one TurnLog per round.
// Completed rounds accumulated before a failure are returned alongside the
// error for logging, but an aborted match persists none of them.
func (r *runner) play(ctx context.Context) ([]model.TurnLog, error) {
	if err := r.conv.Send(ctx, sponsor.InitRequest(r.gameType)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSponsorDisconnected, err)
	}
	resp, err := r.awaitSponsor(ctx)
	if err != nil {
		return nil, err
	}
	if resp.Type != sponsor.ResponseInit {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrProtocolViolation, sponsor.ResponseInit, resp.Type)
	}
	if !resp.OK {
		return nil, fmt.Errorf("%w: %s", ErrInitFailed, resp.Error)
	}

	logs := make([]model.TurnLog, 0, r.totalGames)
	round := model.TurnLog{MatchID: r.matchID, ITurn: 0}

	for {
		resp, err := r.awaitSponsor(ctx)
		if err != nil {
			return logs, err
		}

		switch resp.Type {
		case sponsor.ResponseStateUpdate:
			if round.StartTime.IsZero() {
				round.StartTime = time.Now().UTC()
			}
			round.Log = append(round.Log, model.TurnEvent{Kind: model.TurnEventState, Payload: resp.State})
			if resp.IsOver {
				// Terminal state for the round; the payoffs follow in a
				// separate end_status message. Nobody acts on it.
				continue
			}
			if resp.IPlayer < 0 || resp.IPlayer >= len(r.agentIDs) {
				return logs, fmt.Errorf("%w: i_player %d out of range", ErrProtocolViolation, resp.IPlayer)
			}
			agentID := r.agentIDs[resp.IPlayer]
			if err := r.pushState(ctx, agentID, resp.State); err != nil {
				return logs, err
			}
			action, err := r.awaitAction(ctx, agentID)
			if err != nil {
				return logs, err
			}
			round.Log = append(round.Log, model.TurnEvent{Kind: model.TurnEventAction, Payload: action})
			if err := r.conv.Send(ctx, sponsor.ActionRequest(action)); err != nil {
				return logs, fmt.Errorf("%w: %v", ErrSponsorDisconnected, err)
			}

		case sponsor.ResponseEndStatus:
			round.ScoreDeltas = zipPayoffs(r.agentIDs, resp.Payoffs)
			round.EndTime = time.Now().UTC()
			logs = append(logs, round)
			r.logger.Debug("runner: round complete", "i_turn", round.ITurn, "events", len(round.Log))

			if len(logs) == r.totalGames {
				// The engine idles until told otherwise; pausing it is a
				// courtesy, the match result no longer depends on it.
				if err := r.conv.Send(ctx, sponsor.ControlRequest(sponsor.ControlPause)); err != nil {
					r.logger.Warn("runner: pause signal failed", "error", err)
				}
				return logs, nil
			}
			if err := r.conv.Send(ctx, sponsor.ControlRequest(sponsor.ControlResume)); err != nil {
				return logs, fmt.Errorf("%w: %v", ErrSponsorDisconnected, err)
			}
			round = model.TurnLog{MatchID: r.matchID, ITurn: len(logs)}

		default:
			return logs, fmt.Errorf("%w: unexpected message %q", ErrProtocolViolation, resp.Type)
		}
	}
}

// awaitSponsor reads the next sponsor message. A closed conversation or a
// cancelled context is fatal to the match.
func (r *runner) awaitSponsor(ctx context.Context) (sponsor.Response, error) {
	for {
		select {
		case resp, ok := <-r.conv.Recv():
			if !ok {
				return sponsor.Response{}, ErrSponsorDisconnected
			}
			return resp, nil
		case act := <-r.actions:
			// Unsolicited: nobody is addressed right now. Soft-drop.
			r.logger.Debug("runner: discarding unsolicited action", "agent_id", act.agentID)
		case id := <-r.lost:
			r.logger.Debug("runner: participant disconnected", "agent_id", id)
		case <-ctx.Done():
			return sponsor.Response{}, fmt.Errorf("core: match cancelled: %w", ctx.Err())
		}
	}
}

// pushState delivers an engine state to the addressed agent. A missing agent
// means it disconnected mid-match; a full outbound buffer means it stopped
// draining. Both are fatal to the match, not to the core.
func (r *runner) pushState(ctx context.Context, agentID uuid.UUID, state string) error {
	err := r.core.routePush(ctx, agentID, Push{Kind: PushState, MatchID: r.matchID, State: state})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAgentNotFound):
		return fmt.Errorf("%w: %s", ErrAgentDisconnected, agentID)
	default:
		return err
	}
}

// awaitAction blocks until the addressed agent acts. This is the only
// suspension point that depends on an external, potentially unresponsive
// party, so it carries the optional per-action deadline.
func (r *runner) awaitAction(ctx context.Context, agentID uuid.UUID) (string, error) {
	var deadline <-chan time.Time
	if r.actionTimeout > 0 {
		t := time.NewTimer(r.actionTimeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		select {
		case act := <-r.actions:
			if act.agentID != agentID {
				r.logger.Debug("runner: discarding action from non-addressed agent", "agent_id", act.agentID)
				continue
			}
			return act.action, nil
		case id := <-r.lost:
			if id == agentID {
				return "", fmt.Errorf("%w: %s", ErrAgentDisconnected, agentID)
			}
			r.logger.Debug("runner: participant disconnected", "agent_id", id)
		case resp, ok := <-r.conv.Recv():
			if !ok {
				return "", ErrSponsorDisconnected
			}
			return "", fmt.Errorf("%w: %q while awaiting action", ErrProtocolViolation, resp.Type)
		case <-deadline:
			return "", fmt.Errorf("%w: %s after %s", ErrActionTimeout, agentID, r.actionTimeout)
		case <-ctx.Done():
			return "", fmt.Errorf("core: match cancelled: %w", ctx.Err())
		}
	}
}

// zipPayoffs pairs the engine's ordered payoff list with the match's ordered
// agent list. Every participant gets an entry; agents beyond the payoff list
// contribute zero for the round.
func zipPayoffs(agentIDs []uuid.UUID, payoffs []float64) map[uuid.UUID]float64 {
	deltas := make(map[uuid.UUID]float64, len(agentIDs))
	for i, id := range agentIDs {
		if i < len(payoffs) {
			deltas[id] = payoffs[i]
		} else {
			deltas[id] = 0
		}
	}
	return deltas
}
