package circuitbreaker_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/pathproxy/internal/circuitbreaker"
)

var _ = Describe("Registry", func() {
	var registry *circuitbreaker.Registry

	BeforeEach(func() {
		registry = circuitbreaker.NewRegistry(2, 30*time.Second)
	})

	It("should return the same breaker for the same target", func() {
		Expect(registry.For("127.0.0.1:1234")).To(BeIdenticalTo(registry.For("127.0.0.1:1234")))
	})

	It("should keep targets independent", func() {
		down := registry.For("127.0.0.1:1")
		down.RecordFailure()
		down.RecordFailure()

		Expect(registry.States()).To(Equal(map[string]circuitbreaker.State{
			"127.0.0.1:1": circuitbreaker.StateOpen,
		}))
		Expect(registry.For("127.0.0.1:2").Allow()).To(BeTrue())
	})

	It("should create a single breaker under concurrent access", func() {
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				Expect(registry.For("127.0.0.1:1234")).NotTo(BeNil())
			}()
		}
		wg.Wait()

		Expect(registry.States()).To(HaveLen(1))
	})
})
