package config_test

import (
	"os"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/pathproxy/config"
)

const validConfig = `
server:
  address: ":8080"
  environment: "staging"
  read_timeout: "5s"

routes:
  - path: "/v1"
    target: "http://localhost:8081"
  - path: "/v2/users"
    target: "https://users.internal:8443/base"

forwarding:
  strategy: "raw"
  raw_status: "fixed"
  raw_target: "127.0.0.1:1224"

tunnel:
  upstream_address: "10.0.0.5:22"
  idle_timeout: "1m"

health_check:
  enabled: true
  interval: "2s"

logging:
  level: "debug"
`

var _ = Describe("Config", func() {
	var tempDir string

	writeConfig := func(content string) {
		err := os.WriteFile(filepath.Join(tempDir, "config.yaml"), []byte(content), 0644)
		Expect(err).NotTo(HaveOccurred())
	}

	BeforeEach(func() {
		tempDir = GinkgoT().TempDir()
	})

	Describe("Load", func() {
		Context("with valid config file", func() {
			var cfg *config.Config

			BeforeEach(func() {
				writeConfig(validConfig)

				var err error
				cfg, err = config.NewLoader(tempDir).Load()
				Expect(err).NotTo(HaveOccurred())
			})

			It("should parse server settings", func() {
				Expect(cfg.Server.Address).To(Equal(":8080"))
				Expect(cfg.Server.Environment).To(Equal(config.EnvStaging))
				Expect(cfg.Server.ReadTimeout).To(Equal(5 * time.Second))
				Expect(cfg.Server.WriteTimeout).To(Equal(15 * time.Second))
			})

			It("should parse routes in order", func() {
				Expect(cfg.Routes).To(Equal([]config.RouteConfig{
					{Path: "/v1", Target: "http://localhost:8081"},
					{Path: "/v2/users", Target: "https://users.internal:8443/base"},
				}))
			})

			It("should parse forwarding settings", func() {
				Expect(cfg.Forwarding.Strategy).To(Equal(config.StrategyRaw))
				Expect(cfg.Forwarding.RawStatus).To(Equal(config.RawStatusFixed))
				Expect(cfg.Forwarding.RawTarget).To(Equal("127.0.0.1:1224"))
				Expect(cfg.Forwarding.MaxResponseBytes).To(Equal(int64(10 << 20)))
			})

			It("should parse tunnel and health check settings", func() {
				Expect(cfg.Tunnel.Enabled).To(BeTrue())
				Expect(cfg.Tunnel.UpstreamAddress).To(Equal("10.0.0.5:22"))
				Expect(cfg.Tunnel.IdleTimeout).To(Equal(time.Minute))
				Expect(cfg.HealthCheck.Enabled).To(BeTrue())
				Expect(cfg.HealthCheck.Interval).To(Equal(2 * time.Second))
				Expect(cfg.HealthCheck.Path).To(Equal("/health"))
				Expect(cfg.Logging.Level).To(Equal(config.LogLevelDebug))
			})
		})

		Context("without a config file", func() {
			It("should use defaults", func() {
				cfg, err := config.NewLoader(tempDir).Load()
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Server.Address).To(Equal(":8000"))
				Expect(cfg.Server.Environment).To(Equal(config.EnvDev))
				Expect(cfg.Routes).To(BeEmpty())
				Expect(cfg.Forwarding.Strategy).To(Equal(config.StrategyPooled))
				Expect(cfg.Forwarding.RawStatus).To(Equal(config.RawStatusPropagate))
				Expect(cfg.Forwarding.DialTimeout).To(Equal(5 * time.Second))
				Expect(cfg.Forwarding.ResponseTimeout).To(BeNumerically("<", cfg.Server.WriteTimeout))
				Expect(cfg.CircuitBreaker.Threshold).To(Equal(5))
				Expect(cfg.Tunnel.ListenAddress).To(Equal(":8001"))
				Expect(cfg.Tunnel.UpstreamAddress).To(Equal("127.0.0.1:1223"))
				Expect(cfg.Tunnel.IdleTimeout).To(Equal(5 * time.Minute))
				Expect(cfg.HealthCheck.Enabled).To(BeFalse())
				Expect(cfg.Admin.Address).To(Equal("127.0.0.1:9090"))
			})
		})

		Context("with environment variables", func() {
			BeforeEach(func() {
				os.Setenv("SERVER_ADDRESS", ":9999")
				os.Setenv("TUNNEL_UPSTREAM_ADDRESS", "127.0.0.1:2222")
				DeferCleanup(func() {
					os.Unsetenv("SERVER_ADDRESS")
					os.Unsetenv("TUNNEL_UPSTREAM_ADDRESS")
				})
			})

			It("should override file and defaults", func() {
				writeConfig(validConfig)

				cfg, err := config.NewLoader(tempDir).Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Server.Address).To(Equal(":9999"))
				Expect(cfg.Tunnel.UpstreamAddress).To(Equal("127.0.0.1:2222"))
			})
		})

		Context("with invalid values", func() {
			It("should reject an unknown strategy", func() {
				writeConfig("forwarding:\n  strategy: \"round-robin\"\n")
				_, err := config.NewLoader(tempDir).Load()
				Expect(err).To(HaveOccurred())
			})

			It("should reject a relative route target", func() {
				writeConfig("routes:\n  - path: \"/a\"\n    target: \"localhost:8081\"\n")
				_, err := config.NewLoader(tempDir).Load()
				Expect(err).To(HaveOccurred())
			})

			It("should explain why a route target is rejected", func() {
				writeConfig("routes:\n  - path: \"/a\"\n    target: \"ftp://localhost:8081\"\n")
				_, err := config.NewLoader(tempDir).Load()
				Expect(err).To(MatchError(ContainSubstring("must use http or https")))
			})

			It("should reject a route path without a leading slash", func() {
				writeConfig("routes:\n  - path: \"a\"\n    target: \"http://localhost:8081\"\n")
				_, err := config.NewLoader(tempDir).Load()
				Expect(err).To(HaveOccurred())
			})

			It("should reject a response timeout beyond the write timeout", func() {
				writeConfig("server:\n  write_timeout: \"15s\"\nforwarding:\n  response_timeout: \"30s\"\n")
				_, err := config.NewLoader(tempDir).Load()
				Expect(err).To(HaveOccurred())
			})

			It("should report unreadable YAML", func() {
				writeConfig("server: [unterminated\n")
				_, err := config.NewLoader(tempDir).Load()
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("Validate", func() {
		var cfg config.Config

		BeforeEach(func() {
			cfg = config.Config{
				Server:     config.ServerConfig{Address: ":8000", Environment: config.EnvDev},
				Forwarding: config.ForwardingConfig{Strategy: config.StrategyPooled, RawStatus: config.RawStatusPropagate, MaxResponseBytes: 1},
				Tunnel:     config.TunnelConfig{Enabled: true, ListenAddress: ":8001", UpstreamAddress: "127.0.0.1:1223"},
				Logging:    config.LoggingConfig{Level: config.LogLevelInfo},
			}
		})

		It("should accept a minimal configuration", func() {
			Expect(cfg.Validate()).To(Succeed())
		})

		It("should report errors per section", func() {
			cfg.Server.Environment = "qa"
			cfg.Forwarding.RawStatus = "sometimes"

			err := cfg.Validate()
			Expect(err).To(HaveOccurred())

			errs, ok := err.(validation.Errors)
			Expect(ok).To(BeTrue())
			Expect(errs).To(HaveKey("Server"))
			Expect(errs).To(HaveKey("Forwarding"))
		})

		It("should keep the response timeout below the write timeout", func() {
			cfg.Server.WriteTimeout = 15 * time.Second

			cfg.Forwarding.ResponseTimeout = 20 * time.Second
			err := cfg.Validate()
			Expect(err).To(HaveOccurred())
			errs, ok := err.(validation.Errors)
			Expect(ok).To(BeTrue())
			Expect(errs).To(HaveKey("Forwarding"))

			cfg.Forwarding.ResponseTimeout = 15 * time.Second
			Expect(cfg.Validate()).NotTo(Succeed())

			cfg.Forwarding.ResponseTimeout = 0
			Expect(cfg.Validate()).NotTo(Succeed())

			cfg.Forwarding.ResponseTimeout = 10 * time.Second
			Expect(cfg.Validate()).To(Succeed())
		})

		It("should skip tunnel addresses when the tunnel is disabled", func() {
			cfg.Tunnel = config.TunnelConfig{Enabled: false}
			Expect(cfg.Validate()).To(Succeed())

			cfg.Tunnel.Enabled = true
			Expect(cfg.Validate()).NotTo(Succeed())
		})

		It("should require a health check interval only when enabled", func() {
			cfg.HealthCheck = config.HealthCheckConfig{Enabled: true, Path: "/health"}
			Expect(cfg.Validate()).NotTo(Succeed())

			cfg.HealthCheck.Interval = time.Second
			Expect(cfg.Validate()).To(Succeed())
		})
	})

	Describe("Watch", func() {
		It("should report false without a loaded file", func() {
			loader := config.NewLoader(tempDir)
			_, err := loader.Load()
			Expect(err).NotTo(HaveOccurred())
			Expect(loader.Watch(func(*config.Config) {})).To(BeFalse())
		})

		It("should deliver revised routes", func() {
			writeConfig(validConfig)

			loader := config.NewLoader(tempDir)
			_, err := loader.Load()
			Expect(err).NotTo(HaveOccurred())

			changes := make(chan *config.Config, 16)
			Expect(loader.Watch(func(c *config.Config) {
				select {
				case changes <- c:
				default:
				}
			})).To(BeTrue())

			writeConfig("routes:\n  - path: \"/v3\"\n    target: \"http://localhost:9003\"\n")

			// A rewrite can surface as several events, some seeing a truncated file.
			Eventually(func() []config.RouteConfig {
				select {
				case c := <-changes:
					return c.Routes
				default:
					return nil
				}
			}, 5*time.Second).Should(ContainElement(config.RouteConfig{Path: "/v3", Target: "http://localhost:9003"}))
		})
	})
})
