package healthcheck_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/pathproxy/internal/backend"
	"github.com/angeloszaimis/pathproxy/internal/healthcheck"
	"github.com/angeloszaimis/pathproxy/internal/metrics"
	"github.com/angeloszaimis/pathproxy/internal/routing"
)

var _ = Describe("Monitor", func() {
	var (
		log       *slog.Logger
		healthy   atomic.Bool
		probes    atomic.Int32
		server    *httptest.Server
		table     *routing.Table
		backends  *backend.Registry
		collector *metrics.Collector
		ctx       context.Context
		cancel    context.CancelFunc
	)

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
		healthy.Store(true)
		probes.Store(0)

		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/health" {
				http.NotFound(w, r)
				return
			}
			probes.Add(1)
			if healthy.Load() {
				w.Write([]byte("OK"))
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		DeferCleanup(server.Close)

		target, err := url.Parse(server.URL + "/api")
		Expect(err).NotTo(HaveOccurred())

		table, err = routing.NewTable(
			routing.Route{Path: "/a", Target: target},
			routing.Route{Path: "/b", Target: target},
		)
		Expect(err).NotTo(HaveOccurred())

		backends = backend.NewRegistry(func(u *url.URL) *backend.Backend {
			return backend.New(u, http.DefaultTransport)
		})

		ctx, cancel = context.WithCancel(context.Background())
		DeferCleanup(cancel)

		collector = metrics.NewCollector(100, log)
		collector.Start(ctx)
	})

	Describe("CheckAll", func() {
		It("should probe each distinct target once", func() {
			m := healthcheck.NewMonitor(table, backends, time.Hour, "/health", log, collector)
			m.CheckAll(ctx)

			Expect(probes.Load()).To(Equal(int32(1)))
			Expect(backends.All()).To(HaveLen(1))
			Expect(backends.All()[0].IsHealthy()).To(BeTrue())
		})

		It("should mark a failing target down and report the change", func() {
			healthy.Store(false)

			m := healthcheck.NewMonitor(table, backends, time.Hour, "/health", log, collector)
			m.CheckAll(ctx)

			Expect(backends.All()[0].IsHealthy()).To(BeFalse())
			Eventually(func() map[string]bool {
				return collector.Snapshot("pooled").Targets
			}).Should(HaveKeyWithValue(server.URL+"/api", false))
		})

		It("should mark an unreachable target down", func() {
			dead, err := url.Parse("http://127.0.0.1:1")
			Expect(err).NotTo(HaveOccurred())
			Expect(table.Upsert("/dead", dead)).To(Succeed())

			m := healthcheck.NewMonitor(table, backends, time.Hour, "/health", log, collector)
			m.CheckAll(ctx)

			Expect(backends.Get(dead).IsHealthy()).To(BeFalse())
		})
	})

	Describe("Run", func() {
		It("should recover a target once it answers again", func() {
			healthy.Store(false)

			m := healthcheck.NewMonitor(table, backends, 50*time.Millisecond, "/health", log, collector)
			done := make(chan error, 1)
			go func() { done <- m.Run(ctx) }()

			Eventually(func() bool {
				all := backends.All()
				return len(all) == 1 && !all[0].IsHealthy()
			}).Should(BeTrue())

			healthy.Store(true)
			Eventually(func() bool { return backends.All()[0].IsHealthy() }).Should(BeTrue())

			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})
	})
})
