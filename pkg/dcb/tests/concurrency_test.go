package dcb_test

import (
	"sync"

	"tidemark/pkg/dcb"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Concurrent conditional appends", func() {
	BeforeEach(func() {
		Expect(truncateEventsTable(ctx, pool)).To(Succeed())
	})

	It("lets exactly one of two racing writers through the same guard", func() {
		guard := dcb.NewQuery(dcb.NewTags("wallet_id", "w1"), "WalletOpened")
		event := dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w1"), nil)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer GinkgoRecover()
				_, errs[i] = store.AppendIf(ctx, dcb.NewEventBatch(event), dcb.NewAppendCondition(guard))
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
			} else {
				Expect(dcb.IsConcurrencyError(err)).To(BeTrue())
			}
		}
		Expect(succeeded).To(Equal(1))

		events, err := store.Query(ctx, guard, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
	})

	It("serializes overdraft decisions on the same wallet", func() {
		// Opening balance of 100
		_, err := store.Append(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("WalletCredited", dcb.NewTags("wallet_id", "w1"), toJSON(map[string]any{"amount": 100})),
		))
		Expect(err).NotTo(HaveOccurred())

		// Two writers each read balance 100 and try to debit 80 guarded on
		// "no further wallet activity past what I read"
		all, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("wallet_id", "w1")), nil)
		Expect(err).NotTo(HaveOccurred())
		readCursor := dcb.CursorFromEvent(all[len(all)-1])
		guard := dcb.NewQuery(dcb.NewTags("wallet_id", "w1"))

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer GinkgoRecover()
				debit := dcb.NewInputEvent("WalletDebited", dcb.NewTags("wallet_id", "w1"), toJSON(map[string]any{"amount": 80}))
				_, errs[i] = store.AppendIf(ctx, dcb.NewEventBatch(debit),
					dcb.NewAppendConditionAfter(guard, &readCursor))
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
			}
		}
		Expect(succeeded).To(Equal(1))

		debits, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("wallet_id", "w1"), "WalletDebited"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(debits).To(HaveLen(1))
	})

	It("retries the command cycle after losing a race", func() {
		executor := dcb.NewCommandExecutor(store)

		// Both commands race the same course; bounded retry means both land
		// as long as capacity allows
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, student := range []string{"s1", "s2"} {
			wg.Add(1)
			go func(i int, student string) {
				defer wg.Done()
				defer GinkgoRecover()
				cmd := dcb.NewCommand("EnrollStudent",
					toJSON(enrollPayload{CourseID: "c1", StudentID: student}), nil)
				_, _, errs[i] = executor.Execute(ctx, cmd, &enrollHandler{})
			}(i, student)
		}
		wg.Wait()

		Expect(errs[0]).NotTo(HaveOccurred())
		Expect(errs[1]).NotTo(HaveOccurred())

		events, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("course_id", "c1"), "StudentEnrolled"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
	})
})
