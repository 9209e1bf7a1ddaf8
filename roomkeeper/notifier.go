package roomkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"log/slog"
	"strings"
	"time"
)

const (
	postgresNotifyChannelResponse = "roomkeeper_response"
	postgresNotifyChannelStop     = "roomkeeper_stop"

	notificationResponse = "response"
	notificationStop     = "stop"
)

// NotifierHandlers are called when a notification from another
// instance is received
type NotifierHandlers struct {
	// ResponseReady is called with the ID of a filled PendingResponse
	ResponseReady func(pendingID string)

	// Stop is called when a shutdown is requested
	Stop func()
}

// Notifier delivers signals between bot instances sharing a database.
// Notifications sent by an instance aren't delivered back to it, so
// callers handle their own signals locally.
type Notifier interface {
	// ID identifies this instance's notifications
	ID() string

	// ResponseReady announces a filled PendingResponse
	ResponseReady(ctx context.Context, pendingID string) error

	// Stop announces a shutdown to every instance, including this one
	Stop(ctx context.Context) error

	// Listen blocks, dispatching notifications, until ctx is done
	Listen(ctx context.Context) error
}

// newNotifier returns the notifier for the configured type. With
// NotifierAuto, postgres databases use LISTEN/NOTIFY and anything else
// is local only.
func newNotifier(
	cfg *NotifierConfig,
	databaseType string,
	database string,
	db DBI,
	handlers NotifierHandlers,
	logger *slog.Logger,
) (Notifier, error) {
	id := uuid.NewString()
	logger = logger.With(loggerNameKey, "notifier", "notifier_id", id)

	kind := cfg.Type
	if kind == "" || kind == NotifierAuto {
		kind = NotifierLocal
		if databaseType == dbTypePostgres {
			kind = NotifierPostgres
		}
	}

	switch kind {
	case NotifierLocal:
		return &localNotifier{id: id, handlers: handlers, logger: logger}, nil
	case NotifierPostgres:
		if databaseType != dbTypePostgres {
			return nil, errors.New("postgres notifier requires a postgres database")
		}
		return &postgresNotifier{
			id:       id,
			dsn:      database,
			db:       db,
			handlers: handlers,
			logger:   logger,
		}, nil
	case NotifierRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		channel := cfg.RedisChannel
		if channel == "" {
			channel = DefaultNotifierRedisChannel
		}
		return &redisNotifier{
			id:       id,
			client:   redis.NewClient(opts),
			channel:  channel,
			handlers: handlers,
			logger:   logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown notifier type: %q", kind)
	}
}

// notification is the payload exchanged between instances:
// kind, sender ID and argument, separated by recordSeparator
type notification struct {
	Kind     string
	SenderID string
	Arg      string
}

func (n notification) String() string {
	return strings.Join([]string{n.Kind, n.SenderID, n.Arg}, recordSeparator)
}

func parseNotification(s string) (notification, error) {
	parts := strings.SplitN(s, recordSeparator, 3)
	if len(parts) != 3 {
		return notification{}, fmt.Errorf("malformed notification: %q", s)
	}
	return notification{Kind: parts[0], SenderID: parts[1], Arg: parts[2]}, nil
}

// dispatch routes a received notification to handlers, ignoring the
// instance's own notifications
func dispatch(
	ctx context.Context,
	logger *slog.Logger,
	selfID string,
	handlers NotifierHandlers,
	payload string,
) {
	n, err := parseNotification(payload)
	if err != nil {
		logger.WarnContext(ctx, "ignoring notification", tint.Err(err))
		return
	}
	if n.SenderID == selfID {
		return
	}
	switch n.Kind {
	case notificationResponse:
		if handlers.ResponseReady != nil {
			handlers.ResponseReady(n.Arg)
		}
	case notificationStop:
		logger.InfoContext(ctx, "received stop notification", "sender_id", n.SenderID)
		if handlers.Stop != nil {
			handlers.Stop()
		}
	default:
		logger.WarnContext(ctx, "unknown notification", "kind", n.Kind)
	}
}

type localNotifier struct {
	id       string
	handlers NotifierHandlers
	logger   *slog.Logger
}

func (l *localNotifier) ID() string {
	return l.id
}

func (*localNotifier) ResponseReady(context.Context, string) error {
	return nil
}

func (l *localNotifier) Stop(ctx context.Context) error {
	l.logger.InfoContext(ctx, "notifying stop signal")
	if l.handlers.Stop != nil {
		l.handlers.Stop()
	}
	return nil
}

func (l *localNotifier) Listen(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

type postgresNotifier struct {
	id       string
	dsn      string
	db       DBI
	handlers NotifierHandlers
	logger   *slog.Logger
}

func (p *postgresNotifier) ID() string {
	return p.id
}

func (p *postgresNotifier) notify(ctx context.Context, channel string, n notification) error {
	return p.db.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		n.String(),
	).Error
}

func (p *postgresNotifier) ResponseReady(ctx context.Context, pendingID string) error {
	return p.notify(
		ctx,
		postgresNotifyChannelResponse,
		notification{Kind: notificationResponse, SenderID: p.id, Arg: pendingID},
	)
}

func (p *postgresNotifier) Stop(ctx context.Context) error {
	err := p.notify(
		ctx,
		postgresNotifyChannelStop,
		notification{Kind: notificationStop, SenderID: p.id},
	)
	if err != nil {
		p.logger.ErrorContext(ctx, "error sending NOTIFY to stop", tint.Err(err))
	}
	if p.handlers.Stop != nil {
		p.handlers.Stop()
	}
	return err
}

func (p *postgresNotifier) Listen(ctx context.Context) error {
	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	for _, channel := range []string{postgresNotifyChannelResponse, postgresNotifyChannelStop} {
		if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
			return fmt.Errorf("error listening on %s: %w", channel, err)
		}
	}
	p.logger.InfoContext(ctx, "started listening for notifications")

	for ctx.Err() == nil {
		n, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
			continue
		}
		dispatch(ctx, p.logger, p.id, p.handlers, n.Payload)
	}
	return nil
}

type redisNotifier struct {
	id       string
	client   *redis.Client
	channel  string
	handlers NotifierHandlers
	logger   *slog.Logger
}

func (r *redisNotifier) ID() string {
	return r.id
}

func (r *redisNotifier) ResponseReady(ctx context.Context, pendingID string) error {
	return r.client.Publish(
		ctx,
		r.channel,
		notification{Kind: notificationResponse, SenderID: r.id, Arg: pendingID}.String(),
	).Err()
}

func (r *redisNotifier) Stop(ctx context.Context) error {
	err := r.client.Publish(
		ctx,
		r.channel,
		notification{Kind: notificationStop, SenderID: r.id}.String(),
	).Err()
	if err != nil {
		r.logger.ErrorContext(ctx, "error publishing stop", tint.Err(err))
	}
	if r.handlers.Stop != nil {
		r.handlers.Stop()
	}
	return err
}

func (r *redisNotifier) Listen(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer func() {
		_ = sub.Close()
		_ = r.client.Close()
	}()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("error subscribing to %s: %w", r.channel, err)
	}
	r.logger.InfoContext(ctx, "started listening for notifications", "channel", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			dispatch(ctx, r.logger, r.id, r.handlers, msg.Payload)
		}
	}
}
