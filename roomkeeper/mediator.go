package roomkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
	"time"
)

// Mediator correlates prompts ("type the new name in this channel") with
// the next message a member sends in that channel. Entries are persisted
// as PendingResponse records so any instance receiving the message can
// fill them; waiters in this process are woken directly, others via the
// Notifier or by polling.
type Mediator struct {
	db           DBI
	platform     Platform
	notifier     Notifier
	pollInterval time.Duration
	logger       *slog.Logger

	// settled returns the overwrite the user should hold on the channel
	// once no wait is granting them write access. known is false for
	// channels it doesn't manage, which get their previous overwrite back.
	settled func(ctx context.Context, guildID, channelID, userID string) (o Overlay, known bool, err error)

	grantLocks *keyedMutex

	mu      sync.Mutex
	waiters map[string]chan struct{}
	grants  map[string]*writeGrant
}

// writeGrant is a temporary write permission shared by every wait for
// the same user and channel. previous is the overwrite from before the
// first of those waits, so a replacing wait never mistakes the grant
// itself for the user's own overwrite.
type writeGrant struct {
	previous *discordgo.PermissionOverwrite
	holders  int
}

func grantKey(channelID, userID string) string {
	return channelID + ":" + userID
}

func newMediator(db DBI, platform Platform, pollInterval time.Duration, logger *slog.Logger) *Mediator {
	if pollInterval <= 0 {
		pollInterval = DefaultRoomsResponsePollInterval
	}
	return &Mediator{
		db:           db,
		platform:     platform,
		pollInterval: pollInterval,
		logger:       logger,
		grantLocks:   newKeyedMutex(),
		waiters:      map[string]chan struct{}{},
		grants:       map[string]*writeGrant{},
	}
}

// AwaitResponse waits up to timeout for the user to send a message in
// the channel, returning its content. ok is false on timeout, or when
// the wait was cancelled (its entry deleted, or replaced by a newer
// wait for the same user and channel). With grantWrite, the user is
// allowed to send messages in the channel for the duration of the wait.
func (m *Mediator) AwaitResponse(
	ctx context.Context,
	guildID string,
	userID string,
	channelID string,
	timeout time.Duration,
	grantWrite bool,
) (content string, ok bool, err error) {
	logger := contextLoggerOr(ctx, m.logger).With(
		"user_id", userID,
		"channel_id", channelID,
	)
	pending := &PendingResponse{
		ID:        uuid.NewString(),
		GuildID:   guildID,
		UserID:    userID,
		ChannelID: channelID,
	}

	signal := make(chan struct{}, 1)
	m.mu.Lock()
	m.waiters[pending.ID] = signal
	m.mu.Unlock()

	// the pending response is deleted before the grant is released, so
	// the release only sees waits other than this one
	var granted bool
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		m.mu.Lock()
		delete(m.waiters, pending.ID)
		m.mu.Unlock()
		if _, e := m.db.DeletePendingResponse(cleanupCtx, pending.ID); e != nil {
			logger.ErrorContext(ctx, "error deleting pending response", tint.Err(e))
		}
		if granted {
			if e := m.releaseWrite(cleanupCtx, guildID, channelID, userID); e != nil {
				logger.ErrorContext(ctx, "error restoring permissions", tint.Err(e))
			}
		}
	}()

	replaced, err := m.db.ReplacePendingResponse(ctx, pending)
	if err != nil {
		return "", false, fmt.Errorf("error creating pending response: %w", err)
	}

	// take the grant before waking replaced waits, so they see it's
	// still held when they release theirs
	if grantWrite {
		err = m.acquireWrite(ctx, channelID, userID)
		granted = err == nil
	}
	for _, id := range replaced {
		m.wake(cleanupCtx, id)
	}
	if err != nil {
		return "", false, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-timer.C:
			logger.DebugContext(ctx, "timed out waiting for response")
			return "", false, nil
		case <-signal:
		case <-ticker.C:
		}

		p, e := m.db.PendingResponse(ctx, pending.ID)
		if errors.Is(e, ErrNotFound) {
			logger.DebugContext(ctx, "pending response cancelled")
			return "", false, nil
		}
		if e != nil {
			return "", false, e
		}
		if p.Response != nil {
			return *p.Response, true, nil
		}
	}
}

// Deliver fills the live pending response for the user and channel, if
// there is one. At most one message is accepted per wait.
func (m *Mediator) Deliver(ctx context.Context, userID, channelID, content string) (bool, error) {
	id, err := m.db.FillPendingResponse(ctx, userID, channelID, content)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.wake(ctx, id)
	return true, nil
}

// Cancel deletes every pending response in the channel
func (m *Mediator) Cancel(ctx context.Context, channelID string) error {
	ids, err := m.db.DeletePendingResponses(ctx, "", channelID)
	for _, id := range ids {
		m.wake(ctx, id)
	}
	return err
}

// CancelUser deletes every pending response for the user
func (m *Mediator) CancelUser(ctx context.Context, userID string) error {
	ids, err := m.db.DeletePendingResponses(ctx, userID, "")
	for _, id := range ids {
		m.wake(ctx, id)
	}
	return err
}

// Signal wakes a local waiter, if there is one. It's the notifier's
// ResponseReady handler.
func (m *Mediator) Signal(pendingID string) bool {
	m.mu.Lock()
	ch, ok := m.waiters[pendingID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return true
}

// wake signals the waiter locally, or announces it to other instances
func (m *Mediator) wake(ctx context.Context, pendingID string) {
	if m.Signal(pendingID) || m.notifier == nil {
		return
	}
	if err := m.notifier.ResponseReady(ctx, pendingID); err != nil {
		m.logger.WarnContext(
			ctx,
			"error announcing response",
			"pending_id", pendingID,
			tint.Err(err),
		)
	}
}

// Waiting returns the number of waits in progress in this process
func (m *Mediator) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// acquireWrite lets the user send messages in the channel until every
// wait holding the grant has released it
func (m *Mediator) acquireWrite(ctx context.Context, channelID, userID string) error {
	key := grantKey(channelID, userID)
	unlock := m.grantLocks.Lock(key)
	defer unlock()

	m.mu.Lock()
	g := m.grants[key]
	m.mu.Unlock()

	var previous *discordgo.PermissionOverwrite
	if g != nil {
		previous = g.previous
	} else {
		var err error
		previous, err = m.platform.MemberOverwrite(ctx, channelID, userID)
		if err != nil {
			return fmt.Errorf("error reading overwrite: %w", err)
		}
	}

	grant := memberOverlay(channelID, userID, permView|permSend, 0, LayerMember)
	if previous != nil {
		grant.Allow |= previous.Allow
		grant.Deny = previous.Deny &^ (permView | permSend)
	}
	if err := m.platform.ApplyOverlays(ctx, grant); err != nil {
		return fmt.Errorf("error granting write: %w", err)
	}

	m.mu.Lock()
	if g == nil {
		g = &writeGrant{previous: previous}
		m.grants[key] = g
	}
	g.holders++
	holders := g.holders
	m.mu.Unlock()

	contextLoggerOr(ctx, m.logger).DebugContext(
		ctx,
		"granted temporary write",
		"channel_id", channelID,
		"user_id", userID,
		"holders", holders,
		"previous", overwriteLogValue(previous),
	)
	return nil
}

// releaseWrite drops one hold on the user's write grant. The last
// holder resets the user's overwrite, unless a wait for the same user
// and channel is still live on another instance, which will do it.
func (m *Mediator) releaseWrite(ctx context.Context, guildID, channelID, userID string) error {
	key := grantKey(channelID, userID)
	unlock := m.grantLocks.Lock(key)
	defer unlock()

	m.mu.Lock()
	g := m.grants[key]
	if g != nil && g.holders > 0 {
		g.holders--
	}
	m.mu.Unlock()
	if g == nil || g.holders > 0 {
		return nil
	}

	live, err := m.db.HasPendingResponse(ctx, userID, channelID)
	if err != nil {
		return err
	}
	if live {
		// the snapshot is kept for the wait that's still live
		return nil
	}
	m.mu.Lock()
	delete(m.grants, key)
	m.mu.Unlock()

	restore := inheritOverlay(channelID, userID)
	if g.previous != nil {
		restore = memberOverlay(channelID, userID, g.previous.Allow, g.previous.Deny, LayerMember)
	}
	if m.settled != nil {
		o, known, e := m.settled(ctx, guildID, channelID, userID)
		if e != nil {
			return fmt.Errorf("error computing overwrite: %w", e)
		}
		if known {
			restore = o
		}
	}
	return ignoreGone(m.platform.ApplyOverlays(ctx, restore))
}

// overwriteLogValue describes a member overwrite that may not exist
func overwriteLogValue(o *discordgo.PermissionOverwrite) slog.Value {
	if o == nil {
		return slog.StringValue("none")
	}
	return slog.GroupValue(
		slog.Int64("allow", o.Allow),
		slog.Int64("deny", o.Deny),
	)
}
