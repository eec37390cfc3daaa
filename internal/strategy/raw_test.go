package strategy_test

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/pathproxy/internal/routing"
	"github.com/angeloszaimis/pathproxy/internal/strategy"
)

type capturedRequest struct {
	req  *http.Request
	body string
}

// rawUpstream accepts connections, parses one request per connection and
// replies with the given bytes before closing.
func rawUpstream(reply string) (string, <-chan capturedRequest) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(ln.Close)

	captured := make(chan capturedRequest, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				req, err := http.ReadRequest(bufio.NewReader(conn))
				if err != nil {
					return
				}
				body, _ := io.ReadAll(req.Body)
				captured <- capturedRequest{req: req, body: string(body)}
				if reply != "" {
					conn.Write([]byte(reply))
				}
			}(conn)
		}
	}()

	return ln.Addr().String(), captured
}

// silentUpstream accepts connections and never answers.
func silentUpstream() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())

	conns := make(chan net.Conn, 16)
	DeferCleanup(func() {
		ln.Close()
		for {
			select {
			case c := <-conns:
				c.Close()
			default:
				return
			}
		}
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- conn
		}
	}()

	return ln.Addr().String()
}

const notFoundReply = "HTTP/1.1 404 Not Found\r\nContent-Type: text/plain\r\nX-Raw: yes\r\nContent-Length: 5\r\n\r\nnope!"

var _ = Describe("RawSocket", func() {
	var opts strategy.RawOptions

	BeforeEach(func() {
		opts = strategy.RawOptions{
			DialTimeout: time.Second,
			IOTimeout:   2 * time.Second,
		}
	})

	routeTo := func(addr string) routing.Route {
		return routing.Route{Path: "/server1", Target: mustParseURL("http://" + addr)}
	}

	It("should be named raw", func() {
		Expect(strategy.NewRawSocket(discardLogger, opts).Name()).To(Equal(strategy.Raw))
	})

	It("should serialize request line, headers and body", func() {
		addr, captured := rawUpstream("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
		raw := strategy.NewRawSocket(discardLogger, opts)

		req := httptest.NewRequest(http.MethodPost, "/server1?debug=1", strings.NewReader("payload"))
		req.Header.Set("X-Trace", "abc")
		w := httptest.NewRecorder()
		raw.Forward(w, req, routeTo(addr))

		var got capturedRequest
		Eventually(captured).Should(Receive(&got))
		Expect(got.req.Method).To(Equal(http.MethodPost))
		Expect(got.req.RequestURI).To(Equal("/server1?debug=1"))
		Expect(got.req.Proto).To(Equal("HTTP/1.1"))
		Expect(got.req.Host).To(Equal("example.com"))
		Expect(got.req.Header.Get("X-Trace")).To(Equal("abc"))
		Expect(got.req.Close).To(BeTrue())
		Expect(got.body).To(Equal("payload"))

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(Equal("ok"))
	})

	It("should send bodies of unknown length chunked", func() {
		addr, captured := rawUpstream("HTTP/1.1 204 No Content\r\n\r\n")
		raw := strategy.NewRawSocket(discardLogger, opts)

		req := httptest.NewRequest(http.MethodPut, "/server1", io.NopCloser(strings.NewReader("streamed body")))
		req.ContentLength = -1
		raw.Forward(httptest.NewRecorder(), req, routeTo(addr))

		var got capturedRequest
		Eventually(captured).Should(Receive(&got))
		Expect(got.req.TransferEncoding).To(Equal([]string{"chunked"}))
		Expect(got.body).To(Equal("streamed body"))
	})

	Context("with status propagation", func() {
		It("should relay the upstream status, headers and body", func() {
			addr, _ := rawUpstream(notFoundReply)
			w := httptest.NewRecorder()
			strategy.NewRawSocket(discardLogger, opts).Forward(w, httptest.NewRequest(http.MethodGet, "/server1", nil), routeTo(addr))

			Expect(w.Code).To(Equal(http.StatusNotFound))
			Expect(w.Header().Get("X-Raw")).To(Equal("yes"))
			Expect(w.Body.String()).To(Equal("nope!"))
		})

		It("should answer 502 when the reply is not HTTP", func() {
			addr, _ := rawUpstream("PONG\n")
			w := httptest.NewRecorder()
			strategy.NewRawSocket(discardLogger, opts).Forward(w, httptest.NewRequest(http.MethodGet, "/server1", nil), routeTo(addr))

			Expect(w.Code).To(Equal(http.StatusBadGateway))
		})
	})

	Context("with a fixed status", func() {
		It("should answer 200 with the raw upstream bytes", func() {
			addr, _ := rawUpstream(notFoundReply)
			opts.StatusMode = strategy.StatusFixed
			w := httptest.NewRecorder()
			strategy.NewRawSocket(discardLogger, opts).Forward(w, httptest.NewRequest(http.MethodGet, "/server1", nil), routeTo(addr))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(Equal(notFoundReply))
		})
	})

	It("should prefer the configured target over the route host", func() {
		addr, captured := rawUpstream("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
		opts.Target = addr
		w := httptest.NewRecorder()
		strategy.NewRawSocket(discardLogger, opts).Forward(w, httptest.NewRequest(http.MethodGet, "/server1", nil), routeTo(deadAddr()))

		Eventually(captured).Should(Receive())
		Expect(w.Code).To(Equal(http.StatusOK))
	})

	Context("failures", func() {
		It("should answer 502 when the upstream cannot be reached", func() {
			w := httptest.NewRecorder()
			strategy.NewRawSocket(discardLogger, opts).Forward(w, httptest.NewRequest(http.MethodGet, "/down", nil), routeTo(deadAddr()))

			Expect(w.Code).To(Equal(http.StatusBadGateway))
		})

		It("should answer 504 when the upstream stalls", func() {
			opts.IOTimeout = 200 * time.Millisecond
			w := httptest.NewRecorder()
			start := time.Now()
			strategy.NewRawSocket(discardLogger, opts).Forward(w, httptest.NewRequest(http.MethodGet, "/server1", nil), routeTo(silentUpstream()))

			Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))
			Expect(w.Code).To(Equal(http.StatusGatewayTimeout))
		})

		It("should answer 502 when the reply is too large", func() {
			addr, _ := rawUpstream(notFoundReply)
			opts.MaxResponseBytes = 10
			w := httptest.NewRecorder()
			strategy.NewRawSocket(discardLogger, opts).Forward(w, httptest.NewRequest(http.MethodGet, "/server1", nil), routeTo(addr))

			Expect(w.Code).To(Equal(http.StatusBadGateway))
		})
	})
})
