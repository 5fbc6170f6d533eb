package hk_test

import (
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ocppio/ocpp-ws-io/hk"
)

var _ = Describe("Housekeeper", func() {
	var h *hk.Housekeeper

	BeforeEach(func() {
		h = hk.New()
		go h.Run()
	})

	AfterEach(func() {
		h.Stop()
	})

	Describe("Reg", func() {
		It("runs the job repeatedly on the interval the job itself returns", func() {
			var count atomic.Int32
			h.Reg("repeat"+hk.NameSuffix, func() time.Duration {
				count.Add(1)
				return 5 * time.Millisecond
			}, time.Millisecond)

			Eventually(func() int32 { return count.Load() }, time.Second, 5*time.Millisecond).
				Should(BeNumerically(">=", 3))
		})

		It("unregisters a job that returns a non-positive duration", func() {
			var count atomic.Int32
			h.Reg("once"+hk.NameSuffix, func() time.Duration {
				count.Add(1)
				return 0
			}, time.Millisecond)

			Eventually(func() int32 { return count.Load() }, time.Second, 5*time.Millisecond).
				Should(Equal(int32(1)))
			Consistently(func() int32 { return count.Load() }, 50*time.Millisecond, 10*time.Millisecond).
				Should(Equal(int32(1)))
		})

		It("replaces a job registered under the same name rather than running both", func() {
			var oldCount, newCount atomic.Int32
			h.Reg("dup"+hk.NameSuffix, func() time.Duration {
				oldCount.Add(1)
				return time.Millisecond
			}, time.Millisecond)
			h.Reg("dup"+hk.NameSuffix, func() time.Duration {
				newCount.Add(1)
				return time.Millisecond
			}, time.Millisecond)

			Eventually(func() int32 { return newCount.Load() }, time.Second, 5*time.Millisecond).
				Should(BeNumerically(">", 0))
			Expect(oldCount.Load()).To(Equal(int32(0)))
		})
	})

	Describe("Unreg", func() {
		It("stops future runs of the named job", func() {
			var count atomic.Int32
			h.Reg("cancelme"+hk.NameSuffix, func() time.Duration {
				count.Add(1)
				return time.Millisecond
			}, time.Millisecond)

			Eventually(func() int32 { return count.Load() }, time.Second, 5*time.Millisecond).
				Should(BeNumerically(">", 0))

			h.Unreg("cancelme" + hk.NameSuffix)
			after := count.Load()
			Consistently(func() int32 { return count.Load() }, 50*time.Millisecond, 10*time.Millisecond).
				Should(BeNumerically("<=", after+1))
		})
	})
})
