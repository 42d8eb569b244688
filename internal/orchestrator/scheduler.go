package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anotherjesse/acb/internal/matrix"
	"github.com/anotherjesse/acb/internal/state"
)

// loopBackoff is how long the loop sleeps after a failed sync before
// retrying with the same token.
const loopBackoff = 1500 * time.Millisecond

// RunLoop long-polls the lobby rooms until shouldContinue reports false.
// The resume token only advances after a batch is fully handled, so a
// transient sync or handler failure replays the batch; the event index
// keeps the replay from double-spawning anything that already committed.
//
// The only error RunLoop returns is a failed state save, which is fatal.
func (o *Orchestrator) RunLoop(ctx context.Context, shouldContinue func() bool) error {
	for shouldContinue() {
		resp, err := o.chat.Sync(ctx, o.sinceToken, o.cfg.Runtime.SyncTimeoutMs, o.lobbyRoomIDs())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			o.logger.Warn("sync failed", "error", err.Error())
			o.sleep(loopBackoff)
			continue
		}

		if err := o.handleSync(ctx, resp); err != nil {
			var pe *persistError
			if errors.As(err, &pe) {
				return err
			}
			o.logger.Warn("handling sync batch failed", "error", err.Error())
			o.sleep(loopBackoff)
			continue
		}

		o.sinceToken = resp.NextBatch
	}
	return nil
}

// handleSync processes one sync batch: rooms in declared project order,
// events in timeline order within each room.
func (o *Orchestrator) handleSync(ctx context.Context, resp *matrix.SyncResponse) error {
	for _, roomID := range o.lobbyRoomIDs() {
		joined, ok := resp.Rooms.Join[roomID]
		if !ok {
			continue
		}
		projectKey, ok := o.projectKeyForLobby(roomID)
		if !ok {
			continue
		}
		for i := range joined.Timeline.Events {
			ev := &joined.Timeline.Events[i]
			if !o.qualifiesAsWorkRequest(ev) {
				continue
			}
			if err := o.handleLobbyMessage(ctx, projectKey, roomID, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// qualifiesAsWorkRequest applies the lobby message filter: real message
// events from someone other than the bot, with a non-empty body that is
// not a slash command. Slash commands belong to the per-room data plane.
func (o *Orchestrator) qualifiesAsWorkRequest(ev *matrix.RoomEvent) bool {
	if ev.Type != "m.room.message" || ev.EventID == "" || ev.Sender == "" {
		return false
	}
	if ev.Sender == o.chat.UserID() {
		return false
	}
	body := strings.TrimSpace(ev.Content.Body)
	if body == "" || strings.HasPrefix(body, "/") {
		return false
	}
	return true
}

// handleLobbyMessage dedupes and dispatches one qualifying event. Spawn
// failures are routed to markFailedEvent and the loop continues; only a
// failed persist propagates.
func (o *Orchestrator) handleLobbyMessage(ctx context.Context, projectKey, roomID string, ev *matrix.RoomEvent) error {
	key := state.EventKey(roomID, ev.EventID)

	if o.state.HasProcessedEvent(roomID, ev.EventID) {
		return nil
	}
	if _, busy := o.inFlight[key]; busy {
		return nil
	}

	o.inFlight[key] = struct{}{}
	defer delete(o.inFlight, key)

	if err := o.spawnTask(ctx, projectKey, roomID, ev); err != nil {
		var pe *persistError
		if errors.As(err, &pe) {
			return err
		}
		o.markFailedEvent(ctx, projectKey, roomID, ev, err)
	}

	return o.persist()
}
