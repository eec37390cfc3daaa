package strategy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"os"
	"strconv"
	"time"

	"github.com/angeloszaimis/pathproxy/internal/routing"
)

const (
	// StatusPropagate relays the upstream status line, headers and body.
	StatusPropagate = "propagate"
	// StatusFixed answers 200 with the raw upstream bytes as the body.
	StatusFixed = "fixed"
)

var errResponseTooLarge = errors.New("upstream response exceeds size limit")

// hopHeaders are not written to the raw upstream request; the request
// framing headers are regenerated.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Content-Length":      true,
	"Keep-Alive":          true,
	"Proxy-Connection":    true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

type RawOptions struct {
	// Target overrides the route's host:port when set.
	Target           string
	DialTimeout      time.Duration
	IOTimeout        time.Duration
	MaxResponseBytes int64
	StatusMode       string
}

// RawSocket serializes each request by hand onto a fresh TCP connection and
// reads the upstream reply until the upstream closes.
type RawSocket struct {
	logger *slog.Logger
	opts   RawOptions
	dialer *net.Dialer
}

func NewRawSocket(logger *slog.Logger, opts RawOptions) *RawSocket {
	if opts.StatusMode == "" {
		opts.StatusMode = StatusPropagate
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = 10 << 20
	}

	return &RawSocket{
		logger: logger,
		opts:   opts,
		dialer: &net.Dialer{Timeout: opts.DialTimeout},
	}
}

func (s *RawSocket) Name() string {
	return Raw
}

func (s *RawSocket) Forward(w http.ResponseWriter, r *http.Request, route routing.Route) {
	addr := s.targetAddr(route)
	log := s.logger.With(slog.String("target", addr), slog.String("route", route.Path))

	conn, err := s.dialer.DialContext(r.Context(), "tcp", addr)
	if err != nil {
		log.Error("Upstream connect failed", slog.Any("err", err))
		w.WriteHeader(errorStatus(err))
		return
	}
	defer conn.Close()

	// Unblock reads and writes if the caller disconnects.
	stop := context.AfterFunc(r.Context(), func() { conn.Close() })
	defer stop()

	if s.opts.IOTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.opts.IOTimeout))
	}

	if err := writeRequest(conn, r); err != nil {
		log.Error("Writing upstream request failed", slog.Any("err", err))
		w.WriteHeader(errorStatus(err))
		return
	}

	raw, err := readResponse(conn, s.opts.MaxResponseBytes)
	if err != nil {
		log.Error("Reading upstream response failed", slog.Any("err", err))
		w.WriteHeader(errorStatus(err))
		return
	}

	if s.opts.StatusMode == StatusFixed {
		w.WriteHeader(http.StatusOK)
		w.Write(raw)
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), r)
	if err != nil {
		log.Error("Upstream sent an unparseable response", slog.Any("err", err))
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		if k == "Connection" || k == "Keep-Alive" || k == "Transfer-Encoding" {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Warn("Relaying upstream body failed", slog.Any("err", err))
	}
}

func (s *RawSocket) targetAddr(route routing.Route) string {
	if s.opts.Target != "" {
		return s.opts.Target
	}

	host := route.Target.Host
	if route.Target.Port() == "" {
		port := "80"
		if route.Target.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(route.Target.Hostname(), port)
	}
	return host
}

// writeRequest emits `<METHOD> <URI> <VERSION>\r\n<HEADERS>\r\n<BODY>`. The
// connection is asked to close so the reply can be read to EOF; bodies of
// unknown length are sent chunked.
func writeRequest(conn net.Conn, r *http.Request) error {
	bw := bufio.NewWriter(conn)

	uri := r.RequestURI
	if uri == "" {
		uri = r.URL.RequestURI()
	}
	proto := r.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}

	fmt.Fprintf(bw, "%s %s %s\r\n", r.Method, uri, proto)
	fmt.Fprintf(bw, "Host: %s\r\n", r.Host)
	if err := r.Header.WriteSubset(bw, hopHeaders); err != nil {
		return err
	}

	chunked := r.ContentLength < 0
	switch {
	case chunked:
		bw.WriteString("Transfer-Encoding: chunked\r\n")
	case r.ContentLength > 0:
		bw.WriteString("Content-Length: " + strconv.FormatInt(r.ContentLength, 10) + "\r\n")
	}
	bw.WriteString("Connection: close\r\n\r\n")

	switch {
	case chunked:
		cw := httputil.NewChunkedWriter(bw)
		if r.Body != nil {
			if _, err := io.Copy(cw, r.Body); err != nil {
				return fmt.Errorf("streaming request body: %w", err)
			}
		}
		if err := cw.Close(); err != nil {
			return err
		}
		bw.WriteString("\r\n")
	case r.ContentLength > 0 && r.Body != nil:
		if _, err := io.Copy(bw, r.Body); err != nil {
			return fmt.Errorf("streaming request body: %w", err)
		}
	}

	return bw.Flush()
}

func readResponse(conn net.Conn, limit int64) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(conn, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > limit {
		return nil, errResponseTooLarge
	}
	return raw, nil
}

func errorStatus(err error) int {
	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
