package dcb_test

import (
	"context"
	"encoding/json"
	"time"

	"tidemark/pkg/dcb"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("PeriodResolver", func() {
	BeforeEach(func() {
		Expect(truncateEventsTable(ctx, pool)).To(Succeed())
	})

	fixedClock := func(t time.Time) func() time.Time {
		return func() time.Time { return t }
	}

	january := time.Date(2025, time.January, 15, 12, 0, 0, 0, time.UTC)
	february := time.Date(2025, time.February, 3, 9, 0, 0, 0, time.UTC)

	It("opens the current period and closes the previous one", func() {
		resolver := dcb.NewPeriodResolverWithClock(store, fixedClock(february))

		periodID, err := resolver.ResolveActivePeriod(ctx, "wallet:w1", dcb.PeriodMonthly, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(periodID).To(Equal("wallet:w1:2025-02"))

		closed, err := store.Query(ctx,
			dcb.NewQuery(dcb.NewTags("period_id", "wallet:w1:2025-01"), dcb.EventTypePeriodClosed), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(closed).To(HaveLen(1))

		opened, err := store.Query(ctx,
			dcb.NewQuery(dcb.NewTags("period_id", "wallet:w1:2025-02"), dcb.EventTypePeriodOpened), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(opened).To(HaveLen(1))
	})

	It("is idempotent across repeated resolutions", func() {
		resolver := dcb.NewPeriodResolverWithClock(store, fixedClock(january))

		for i := 0; i < 3; i++ {
			periodID, err := resolver.ResolveActivePeriod(ctx, "wallet:w1", dcb.PeriodMonthly, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(periodID).To(Equal("wallet:w1:2025-01"))
		}

		opened, err := store.Query(ctx,
			dcb.NewQuery(dcb.NewTags("period_id", "wallet:w1:2025-01"), dcb.EventTypePeriodOpened), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(opened).To(HaveLen(1))
	})

	It("carries the closing balance into both boundary events", func() {
		resolver := dcb.NewPeriodResolverWithClock(store, fixedClock(february))

		balanceFn := func(ctx context.Context, s dcb.EventStore, periodID string) (any, error) {
			return map[string]int{"balance": 250}, nil
		}

		_, err := resolver.ResolveActivePeriod(ctx, "wallet:w1", dcb.PeriodMonthly, balanceFn)
		Expect(err).NotTo(HaveOccurred())

		for _, eventType := range []string{dcb.EventTypePeriodClosed, dcb.EventTypePeriodOpened} {
			events, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("period_key", "wallet:w1"), eventType), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))

			var payload struct {
				PeriodID string          `json:"period_id"`
				Balance  json.RawMessage `json:"balance"`
			}
			Expect(json.Unmarshal(events[0].Data, &payload)).To(Succeed())
			Expect(string(payload.Balance)).To(MatchJSON(`{"balance": 250}`))
		}
	})

	It("scopes periods per key", func() {
		resolver := dcb.NewPeriodResolverWithClock(store, fixedClock(january))

		p1, err := resolver.ResolveActivePeriod(ctx, "wallet:w1", dcb.PeriodMonthly, nil)
		Expect(err).NotTo(HaveOccurred())
		p2, err := resolver.ResolveActivePeriod(ctx, "wallet:w2", dcb.PeriodMonthly, nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(p1).To(Equal("wallet:w1:2025-01"))
		Expect(p2).To(Equal("wallet:w2:2025-01"))
	})

	It("rejects an empty key", func() {
		resolver := dcb.NewPeriodResolver(store)
		_, err := resolver.ResolveActivePeriod(ctx, "", dcb.PeriodMonthly, nil)
		Expect(err).To(HaveOccurred())
		Expect(dcb.IsValidationError(err)).To(BeTrue())
	})
})
