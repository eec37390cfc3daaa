package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/angeloszaimis/pathproxy/internal/metrics"
	"github.com/angeloszaimis/pathproxy/internal/splice"
)

// ErrListenerClosed is returned by Listen after Shutdown.
var ErrListenerClosed = errors.New("tunnel: listener closed")

const maxAcceptBackoff = time.Second

type Config struct {
	ListenAddress   string
	UpstreamAddress string
	DialTimeout     time.Duration
	IdleTimeout     time.Duration
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ListenAddress, validation.Required, validation.By(validateAddress)),
		validation.Field(&c.UpstreamAddress, validation.Required, validation.By(validateAddress)),
		validation.Field(&c.DialTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.IdleTimeout, validation.Min(time.Duration(0))),
	)
}

// Listener accepts inbound connections and tunnels each to the upstream.
type Listener struct {
	cfg       Config
	logger    *slog.Logger
	collector *metrics.Collector
	dialer    *net.Dialer

	mutex    sync.Mutex
	listener net.Listener
	closed   bool
	aborting bool
	nextID   uint64
	sessions map[uint64]*session
	wg       sync.WaitGroup
}

func New(cfg Config, logger *slog.Logger, collector *metrics.Collector) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Listener{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		dialer:    &net.Dialer{Timeout: cfg.DialTimeout},
		sessions:  make(map[uint64]*session),
	}, nil
}

// Listen binds the listening socket.
func (l *Listener) Listen() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return ErrListenerClosed
	}
	if l.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", l.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.cfg.ListenAddress, err)
	}

	l.listener = ln
	l.logger.Info("Tunnel listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("upstream", l.cfg.UpstreamAddress))
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (l *Listener) Addr() string {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return l.cfg.ListenAddress
}

// Start binds and serves until ctx is cancelled or Shutdown is called.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Serve runs the accept loop. Accept errors are logged and retried with
// backoff; the loop ends with a nil error once the listener is closed.
func (l *Listener) Serve(ctx context.Context) error {
	l.mutex.Lock()
	ln := l.listener
	l.mutex.Unlock()

	if ln == nil {
		return errors.New("tunnel: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, l.closeListener)
	defer stop()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.isClosed() {
				return nil
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			l.logger.Warn("Accept failed, retrying",
				slog.Any("err", err),
				slog.Duration("backoff", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		l.mutex.Lock()
		if l.closed {
			l.mutex.Unlock()
			conn.Close()
			return nil
		}
		l.nextID++
		id := l.nextID
		l.wg.Add(1)
		l.mutex.Unlock()

		go l.handle(ctx, id, conn)
	}
}

func (l *Listener) handle(ctx context.Context, id uint64, inbound net.Conn) {
	defer l.wg.Done()

	log := l.logger.With(
		slog.Uint64("session", id),
		slog.String("client", inbound.RemoteAddr().String()))

	outbound, err := l.dialer.DialContext(ctx, "tcp", l.cfg.UpstreamAddress)
	if err != nil {
		log.Error("Unable to establish upstream connection",
			slog.String("upstream", l.cfg.UpstreamAddress),
			slog.Any("err", err))
		l.collector.Emit(metrics.MetricEvent{Type: metrics.EventTunnelDialFailed})
		inbound.Close()
		return
	}

	s := newSession(id, inbound, outbound)
	if !l.track(s) {
		s.abort()
		return
	}
	defer l.untrack(s)

	log.Debug("Tunnel session established", slog.String("upstream", outbound.RemoteAddr().String()))
	l.collector.Emit(metrics.MetricEvent{Type: metrics.EventTunnelOpened})

	s.setState(StateCopying)
	stats, err := splice.Splice(inbound, outbound, l.cfg.IdleTimeout)
	s.setState(StateClosed)

	attrs := []any{
		slog.Int64("bytes_sent", stats.Sent),
		slog.Int64("bytes_received", stats.Received),
		slog.Duration("duration", time.Since(s.started)),
	}
	switch {
	case err == nil:
		log.Debug("Tunnel session closed", attrs...)
	case splice.IsTimeout(err):
		log.Info("Tunnel session idle, closed", attrs...)
	default:
		log.Warn("Tunnel session ended with error", append(attrs, slog.Any("err", err))...)
	}

	l.collector.Emit(metrics.MetricEvent{
		Type:      metrics.EventTunnelClosed,
		Duration:  time.Since(s.started),
		BytesSent: stats.Sent,
		BytesRecv: stats.Received,
	})
}

// ActiveSessions returns the number of sessions not yet closed.
func (l *Listener) ActiveSessions() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.sessions)
}

// Shutdown stops accepting and waits for sessions to finish. When ctx
// expires first, remaining sessions are closed forcibly.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.closeListener()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	l.mutex.Lock()
	l.aborting = true
	for _, s := range l.sessions {
		s.abort()
	}
	l.mutex.Unlock()

	<-done
	return ctx.Err()
}

func (l *Listener) closeListener() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return
	}
	l.closed = true

	if l.listener != nil {
		l.listener.Close()
	}
}

func (l *Listener) isClosed() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.closed
}

func (l *Listener) track(s *session) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.aborting {
		return false
	}
	l.sessions[s.id] = s
	return true
}

func (l *Listener) untrack(s *session) {
	l.mutex.Lock()
	delete(l.sessions, s.id)
	l.mutex.Unlock()
}

func validateAddress(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if _, port, err := net.SplitHostPort(addr); err != nil || port == "" {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	return nil
}
