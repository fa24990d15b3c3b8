package dispatcher

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

var aLongTimeAgo = time.Unix(1, 0)

// serveConn reads requests from c until the client goes away, a request
// asks to close, forwarding fails or the dispatcher shuts down.
func (d *Dispatcher) serveConn(c *conn) {
	defer d.untrack(c)
	defer c.Close()

	ctx, cancel := context.WithCancel(d.baseCtx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	log := d.logger.With(slog.String("remote_addr", c.RemoteAddr().String()))
	br := bufio.NewReader(c)

	for {
		c.idle.Store(true)
		if d.inShutdown.Load() {
			return
		}

		req, err := http.ReadRequest(br)
		c.idle.Store(false)

		if err != nil {
			if !isConnGone(err) {
				log.Warn("Malformed request", slog.Any("err", err))
				_ = writeStatus(c, http.StatusBadRequest)
			}
			return
		}

		watch := &inboundWatch{conn: c, br: br, cancel: cancel}
		if !d.forward(ctx, c, req, watch) {
			return
		}
	}
}

// inboundWatch reads ahead on the inbound connection while a response is
// pending, so that a client hanging up cancels the upstream exchange.
// Bytes read ahead stay in br for the next request.
type inboundWatch struct {
	conn   net.Conn
	br     *bufio.Reader
	cancel context.CancelFunc

	mutex   sync.Mutex
	done    chan struct{}
	stopped bool
}

// start must only be called once the request body has been consumed.
func (w *inboundWatch) start() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.stopped || w.done != nil {
		return
	}

	done := make(chan struct{})
	w.done = done

	go func() {
		defer close(done)
		if _, err := w.br.Peek(1); err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			w.cancel()
		}
	}()
}

// stop ends a pending read-ahead and clears the read deadline it used.
func (w *inboundWatch) stop() {
	w.mutex.Lock()
	w.stopped = true
	done := w.done
	w.mutex.Unlock()

	if done == nil {
		return
	}

	_ = w.conn.SetReadDeadline(aLongTimeAgo)
	<-done
	_ = w.conn.SetReadDeadline(time.Time{})
}

func isConnGone(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

// writeStatus writes a minimal plain-text response that closes the
// connection.
func writeStatus(w io.Writer, code int) error {
	body := http.StatusText(code) + "\n"

	resp := &http.Response{
		StatusCode:    code,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Close:         true,
	}

	return resp.Write(w)
}
