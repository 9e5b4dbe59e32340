package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	syncErrors "github.com/relaypace/relaysync/errors"
	"github.com/relaypace/relaysync/logging"
)

// WSNotifier delivers change notifications over a websocket. It reconnects
// with backoff when the connection drops and keeps delivering events until
// the subscription context is canceled.
type WSNotifier struct {
	url     string
	dialer  *websocket.Dialer
	backoff BackoffStrategy
	header  http.Header
	logger  *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	stop      chan struct{}
	closed    bool
}

// WSOption configures a WSNotifier.
type WSOption func(*WSNotifier)

// WithBackoff sets the reconnect delay strategy.
func WithBackoff(b BackoffStrategy) WSOption {
	return func(n *WSNotifier) { n.backoff = b }
}

// WithDialer sets a custom websocket dialer.
func WithDialer(d *websocket.Dialer) WSOption {
	return func(n *WSNotifier) { n.dialer = d }
}

// WithHeader sets headers sent on the upgrade request, e.g. auth.
func WithHeader(h http.Header) WSOption {
	return func(n *WSNotifier) { n.header = h }
}

// NewWSNotifier creates a notifier for the given websocket URL.
func NewWSNotifier(url string, opts ...WSOption) *WSNotifier {
	n := &WSNotifier{
		url:     url,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		backoff: DefaultBackoff(),
		logger:  logging.WithComponent(logging.Component("realtime")).Logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Subscribe connects and delivers events to handler until ctx is canceled or
// Unsubscribe/Close is called. Connection drops are retried with backoff; a
// handler error is logged and delivery continues.
func (n *WSNotifier) Subscribe(ctx context.Context, handler Handler) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return syncErrors.NewWithComponent(syncErrors.OpSubscribe, "realtime",
			errors.New("notifier is closed"))
	}
	if n.stop != nil {
		n.mu.Unlock()
		return syncErrors.NewWithComponent(syncErrors.OpSubscribe, "realtime",
			errors.New("already subscribed"))
	}
	stop := make(chan struct{})
	n.stop = stop
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		if n.stop == stop {
			n.stop = nil
		}
		n.setDisconnectedLocked()
		n.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		conn, _, err := n.dialer.DialContext(ctx, n.url, n.header)
		if err != nil {
			delay := n.backoff.NextDelay(attempt)
			attempt++
			n.logger.Warn("websocket dial failed",
				slog.String("url", n.url),
				slog.Int("attempt", attempt),
				slog.Duration("retry_in", delay),
				slog.String("error", err.Error()))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-stop:
				return nil
			case <-time.After(delay):
				continue
			}
		}

		n.mu.Lock()
		n.conn = conn
		n.connected = true
		n.mu.Unlock()
		n.backoff.Reset()
		attempt = 0
		n.logger.Info("realtime channel connected", slog.String("url", n.url))

		// Closing the connection from another goroutine unblocks ReadJSON.
		go func() {
			select {
			case <-ctx.Done():
			case <-stop:
			}
			conn.Close()
		}()

		readErr := n.readLoop(conn, handler)

		n.mu.Lock()
		n.setDisconnectedLocked()
		n.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		n.logger.Warn("realtime channel lost, reconnecting",
			slog.String("error", readErr.Error()))
	}
}

func (n *WSNotifier) readLoop(conn *websocket.Conn, handler Handler) error {
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		if err := handler(ev); err != nil {
			n.logger.Error("event handler failed",
				slog.String("collection", ev.Collection),
				slog.Int("entity_id", ev.EntityID),
				slog.String("error", err.Error()))
		}
	}
}

// Unsubscribe stops the active subscription.
func (n *WSNotifier) Unsubscribe() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stop == nil {
		return nil
	}
	close(n.stop)
	n.stop = nil
	n.setDisconnectedLocked()
	return nil
}

// IsConnected reports whether the websocket is currently live.
func (n *WSNotifier) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// Close unsubscribes and marks the notifier unusable.
func (n *WSNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	if n.stop != nil {
		close(n.stop)
		n.stop = nil
	}
	n.setDisconnectedLocked()
	return nil
}

func (n *WSNotifier) setDisconnectedLocked() {
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	n.connected = false
}
