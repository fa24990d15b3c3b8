package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/angeloszaimis/router-lab/internal/loadbalancer"
	"github.com/angeloszaimis/router-lab/internal/metrics"
)

const (
	defaultDialTimeout   = 5 * time.Second
	shutdownPollInterval = 20 * time.Millisecond
	maxAcceptDelay       = time.Second
)

var (
	ErrServerClosed   = errors.New("dispatcher closed")
	ErrAlreadyServing = errors.New("dispatcher already serving")
)

type Options struct {
	Balancer    *loadbalancer.LoadBalancer
	Aggregator  *metrics.Aggregator
	Instruments *metrics.Instruments
	Logger      *slog.Logger
	DialTimeout time.Duration
	// Dialer overrides the outbound dialer; DialTimeout is ignored when set.
	Dialer *net.Dialer
}

// Dispatcher accepts inbound connections and forwards their requests.
type Dispatcher struct {
	balancer    *loadbalancer.LoadBalancer
	aggregator  *metrics.Aggregator
	instruments *metrics.Instruments
	logger      *slog.Logger
	dialer      *net.Dialer

	baseCtx context.Context
	cancel  context.CancelFunc

	mutex      sync.Mutex
	listener   net.Listener
	conns      map[*conn]struct{}
	inShutdown atomic.Bool
}

// conn tracks whether an inbound connection is between requests, so that
// shutdown can close it without cutting a response short.
type conn struct {
	net.Conn
	idle atomic.Bool
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Balancer == nil {
		return nil, errors.New("dispatcher: balancer is required")
	}
	if opts.Aggregator == nil {
		return nil, errors.New("dispatcher: aggregator is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialTimeout := opts.DialTimeout
		if dialTimeout <= 0 {
			dialTimeout = defaultDialTimeout
		}
		dialer = &net.Dialer{Timeout: dialTimeout}
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		balancer:    opts.Balancer,
		aggregator:  opts.Aggregator,
		instruments: opts.Instruments,
		logger:      logger.With(slog.String("component", "dispatcher")),
		dialer:      dialer,
		baseCtx:     baseCtx,
		cancel:      cancel,
		conns:       make(map[*conn]struct{}),
	}, nil
}

// ListenAndServe binds addr and serves it. Bind errors are returned
// immediately.
func (d *Dispatcher) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	return d.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or Shutdown is
// called, and returns nil in both cases. Accept errors are logged and do not
// stop the loop.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	if d.inShutdown.Load() {
		return ErrServerClosed
	}

	d.mutex.Lock()
	if d.listener != nil {
		d.mutex.Unlock()
		_ = ln.Close()
		return ErrAlreadyServing
	}
	d.listener = ln
	d.mutex.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	d.logger.Info("Dispatcher listening", slog.String("addr", ln.Addr().String()))

	var tempDelay time.Duration

	for {
		nc, err := ln.Accept()
		if err != nil {
			if d.inShutdown.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			d.instruments.AcceptFailed()

			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay = min(tempDelay*2, maxAcceptDelay)
			}

			d.logger.Warn("Accept failed",
				slog.Any("err", err),
				slog.Duration("retry_in", tempDelay))

			select {
			case <-time.After(tempDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		tempDelay = 0

		c := &conn{Conn: nc}
		c.idle.Store(true)
		d.track(c)

		go d.serveConn(c)
	}
}

// Addr returns the listener address, or nil before Serve.
func (d *Dispatcher) Addr() net.Addr {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Shutdown stops accepting, closes idle connections and waits for active
// ones to finish their current request. When ctx expires first, remaining
// connections and their upstream exchanges are aborted.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.inShutdown.Store(true)

	d.mutex.Lock()
	ln := d.listener
	d.mutex.Unlock()

	var lnErr error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			lnErr = err
		}
	}

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()

	for {
		if d.closeIdleConns() {
			d.cancel()
			return lnErr
		}

		select {
		case <-ctx.Done():
			d.cancel()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ActiveConns returns the number of open inbound connections.
func (d *Dispatcher) ActiveConns() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.conns)
}

func (d *Dispatcher) track(c *conn) {
	d.mutex.Lock()
	d.conns[c] = struct{}{}
	d.mutex.Unlock()
}

func (d *Dispatcher) untrack(c *conn) {
	d.mutex.Lock()
	delete(d.conns, c)
	d.mutex.Unlock()
}

func (d *Dispatcher) closeIdleConns() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for c := range d.conns {
		if c.idle.Load() {
			_ = c.Close()
			delete(d.conns, c)
		}
	}

	return len(d.conns) == 0
}
