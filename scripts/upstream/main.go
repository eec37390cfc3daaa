// Upstream is a demo target for manual runs of the proxy. It serves HTTP
// and a raw TCP echo at the same time.
//
// Usage:
//
//	go run ./scripts/upstream -http :1224 -tcp 127.0.0.1:1223 -name "server a"
//
// HTTP: POST with a JSON body answers "HTTP OK from <name>", invalid JSON
// answers 400, GET /health answers ok, any other GET describes the request.
// TCP: "PING" is answered with "PONG"; anything else is echoed back.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/pathproxy/pkg/logger"
)

func main() {
	httpAddr := flag.String("http", ":1224", "HTTP listen address (empty disables)")
	tcpAddr := flag.String("tcp", "127.0.0.1:1223", "TCP echo listen address (empty disables)")
	name := flag.String("name", "server a", "name reported in responses")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	log := logger.New(*level, false, "dev", os.Stdout).With(slog.String("upstream", *name))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if *httpAddr != "" {
		srv := &http.Server{
			Addr:              *httpAddr,
			Handler:           newMux(*name, log),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("HTTP upstream listening", slog.String("addr", *httpAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if *tcpAddr != "" {
		ln, err := net.Listen("tcp", *tcpAddr)
		if err != nil {
			log.Error("Failed to bind TCP listener", slog.Any("err", err))
			os.Exit(1)
		}
		log.Info("TCP echo listening", slog.String("addr", ln.Addr().String()))

		g.Go(func() error {
			<-gctx.Done()
			return ln.Close()
		})
		g.Go(func() error {
			serveEcho(gctx, ln, log)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("Upstream stopped", slog.Any("err", err))
		os.Exit(1)
	}
}

func newMux(name string, log *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		var payload any
		if err := json.Unmarshal(body, &payload); err != nil {
			log.Warn("Invalid payload", slog.String("body", string(body)))
			http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
			return
		}

		log.Info("Received payload",
			slog.String("path", r.URL.Path),
			slog.String("from", r.Header.Get("X-Forwarded-For")),
			slog.Any("payload", payload))

		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("HTTP OK from " + name))
	})

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"upstream": name,
			"method":   r.Method,
			"path":     r.URL.Path,
			"query":    r.URL.RawQuery,
			"headers":  r.Header,
		})
	})

	return mux
}

func serveEcho(ctx context.Context, ln net.Listener, log *slog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn("Accept failed", slog.Any("err", err))
			continue
		}

		go echo(conn, log)
	}
}

func echo(conn net.Conn, log *slog.Logger) {
	defer conn.Close()
	log.Debug("TCP client connected", slog.String("client", conn.RemoteAddr().String()))

	r := bufio.NewReader(conn)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			reply := buf[:n]
			if bytes.Equal(bytes.TrimSpace(reply), []byte("PING")) {
				reply = []byte("PONG")
			}
			if _, werr := conn.Write(reply); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
