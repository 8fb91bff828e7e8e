package batch_test

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/disbursement-core/internal/batch"
)

type fixedLimits map[string]int

func (l fixedLimits) ConcurrencyLimit(_ context.Context, code string) int {
	if n, ok := l[code]; ok {
		return n
	}
	return 5
}

var _ = Describe("Dispatcher", func() {
	var (
		dispatcher *batch.Dispatcher
		running    atomic.Int32
		peak       atomic.Int32
		done       atomic.Int32
	)

	BeforeEach(func() {
		running.Store(0)
		peak.Store(0)
		done.Store(0)
		dispatcher = batch.NewDispatcher(fixedLimits{"GCASH": 2}, 4, discardLogger())
		dispatcher.Start(func(_ context.Context, _ batch.Job) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			done.Add(1)
		})
	})

	AfterEach(func() {
		dispatcher.Shutdown()
	})

	It("never runs more jobs for one FSP than its concurrency limit", func() {
		ctx := context.Background()
		for i := 0; i < 12; i++ {
			Expect(dispatcher.Enqueue(ctx, batch.Job{BatchID: uuid.New(), PaymentID: uuid.New(), FSPCode: "GCASH"})).To(Succeed())
		}

		Eventually(done.Load).Should(Equal(int32(12)))
		Expect(peak.Load()).To(BeNumerically("<=", 2))
		Expect(dispatcher.PoolSize("GCASH")).To(Equal(2))
	})

	It("sizes each FSP pool independently", func() {
		ctx := context.Background()
		Expect(dispatcher.Enqueue(ctx, batch.Job{PaymentID: uuid.New(), FSPCode: "PAYMAYA"})).To(Succeed())
		Expect(dispatcher.Enqueue(ctx, batch.Job{PaymentID: uuid.New(), FSPCode: "GCASH"})).To(Succeed())

		Eventually(done.Load).Should(Equal(int32(2)))
		Expect(dispatcher.PoolSize("PAYMAYA")).To(Equal(5))
		Expect(dispatcher.PoolSize("GCASH")).To(Equal(2))
		Expect(dispatcher.PoolSize("UNKNOWN")).To(BeZero())
	})

	Context("when shut down", func() {
		It("refuses new jobs", func() {
			dispatcher.Shutdown()
			err := dispatcher.Enqueue(context.Background(), batch.Job{PaymentID: uuid.New(), FSPCode: "GCASH"})
			Expect(err).To(MatchError(batch.ErrDispatcherStopped))
		})
	})
})
