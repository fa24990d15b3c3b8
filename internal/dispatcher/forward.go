package dispatcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/angeloszaimis/router-lab/internal/metrics"
	"github.com/angeloszaimis/router-lab/internal/target"
)

const requestIDHeader = "X-Request-Id"

// Hop-by-hop headers. These are removed when sent to the target and when
// relayed back to the client.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type forwardError struct {
	stage   string
	relayed bool
	err     error
}

func (e *forwardError) Error() string {
	return fmt.Sprintf("%s: %v", e.stage, e.err)
}

func (e *forwardError) Unwrap() error {
	return e.err
}

// forward routes one request and reports whether the inbound connection
// may be reused for the next one.
func (d *Dispatcher) forward(ctx context.Context, inbound net.Conn, req *http.Request, watch *inboundWatch) bool {
	lease := d.balancer.Acquire()
	defer lease.Release()

	d.aggregator.Record(lease.Target)

	requestID := req.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	log := d.logger.With(
		slog.String("request_id", requestID),
		slog.String("method", req.Method),
		slog.String("uri", req.RequestURI),
		slog.String("target", lease.Target.String()),
	)
	log.Debug("Forwarding request")

	keepAlive, err := d.roundTrip(ctx, inbound, req, lease.Target, requestID, watch)
	d.instruments.ObserveForward(lease.Target, lease.Duration())

	if err != nil {
		var fe *forwardError
		if !errors.As(err, &fe) {
			fe = &forwardError{stage: metrics.StageRelay, relayed: true, err: err}
		}

		d.instruments.ForwardFailed(lease.Target, fe.stage)
		log.Warn("Forwarding failed",
			slog.String("stage", fe.stage),
			slog.Any("err", fe.err),
			slog.Duration("duration", lease.Duration()))

		// A cancelled exchange means the inbound side is going away too.
		if !fe.relayed && ctx.Err() == nil {
			_ = writeStatus(inbound, http.StatusBadGateway)
		}
		return false
	}

	log.Debug("Request forwarded", slog.Duration("duration", lease.Duration()))
	return keepAlive
}

func (d *Dispatcher) roundTrip(ctx context.Context, inbound net.Conn, req *http.Request, id target.ID, requestID string, watch *inboundWatch) (bool, error) {
	upstream, err := d.dialer.DialContext(ctx, "tcp", id.String())
	if err != nil {
		return false, &forwardError{stage: metrics.StageDial, err: err}
	}
	defer upstream.Close()

	stop := context.AfterFunc(ctx, func() { _ = upstream.Close() })
	defer stop()

	out := outboundRequest(ctx, req, id, requestID, clientIP(inbound))

	defer watch.stop()

	writeErr := make(chan error, 1)
	go func() {
		err := out.Write(upstream)
		if err == nil {
			watch.start()
		}
		writeErr <- err
	}()

	br := bufio.NewReader(upstream)

	var resp *http.Response
	for {
		resp, err = http.ReadResponse(br, out)
		if err != nil {
			_ = upstream.Close()
			if werr := <-writeErr; werr != nil {
				return false, &forwardError{stage: metrics.StageWrite, err: werr}
			}
			return false, &forwardError{stage: metrics.StageRead, err: err}
		}

		// Interim responses are relayed as they arrive; the final one follows.
		if resp.StatusCode < http.StatusOK && resp.StatusCode != http.StatusSwitchingProtocols {
			if err := resp.Write(inbound); err != nil {
				return false, &forwardError{stage: metrics.StageRelay, relayed: true, err: err}
			}
			continue
		}
		break
	}
	defer resp.Body.Close()

	closeAfter := mustClose(req, resp)
	prepareResponse(resp, closeAfter)

	if err := resp.Write(inbound); err != nil {
		return false, &forwardError{stage: metrics.StageRelay, relayed: true, err: err}
	}

	// The target may answer without consuming the whole body; closing the
	// socket unblocks the writer.
	_ = upstream.Close()
	if werr := <-writeErr; werr != nil {
		closeAfter = true
	}

	return !closeAfter, nil
}

// outboundRequest copies in for the target. The request-target is kept
// exactly as received.
func outboundRequest(ctx context.Context, in *http.Request, id target.ID, requestID, client string) *http.Request {
	out := in.WithContext(ctx)
	out.URL = requestTarget(in.RequestURI)
	out.RequestURI = ""
	out.Host = id.String()
	out.Close = true

	out.Header = in.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	removeHopHeaders(out.Header)

	// Stop Request.Write from adding its default User-Agent.
	if _, ok := out.Header["User-Agent"]; !ok {
		out.Header.Set("User-Agent", "")
	}

	out.Header.Set(requestIDHeader, requestID)

	if client != "" {
		if prior := out.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			client = strings.Join(prior, ", ") + ", " + client
		}
		out.Header.Set("X-Forwarded-For", client)
	}

	return out
}

func requestTarget(raw string) *url.URL {
	path, query, hasQuery := strings.Cut(raw, "?")

	u := &url.URL{RawQuery: query, ForceQuery: hasQuery && query == ""}
	if strings.HasPrefix(path, "//") {
		// URL.RequestURI would treat a leading "//" in Opaque as an authority.
		unescaped, err := url.PathUnescape(path)
		if err != nil {
			unescaped = path
		}
		u.Path = unescaped
		u.RawPath = path
		return u
	}

	u.Opaque = path
	return u
}

func prepareResponse(resp *http.Response, closeAfter bool) {
	removeHopHeaders(resp.Header)
	resp.Close = closeAfter
}

// mustClose reports whether the inbound connection has to be closed after
// the response: the client asked for it, or the body ends at upstream EOF.
func mustClose(req *http.Request, resp *http.Response) bool {
	if req.Close {
		return true
	}
	return resp.ContentLength < 0 && len(resp.TransferEncoding) == 0
}

func removeHopHeaders(h http.Header) {
	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}

	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func clientIP(c net.Conn) string {
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return ""
	}
	return host
}
