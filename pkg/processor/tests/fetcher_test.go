package processor_test

import (
	"tidemark/pkg/dcb"
	"tidemark/pkg/processor"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("EventFetcher", func() {
	BeforeEach(func() {
		Expect(resetTables(ctx, pool)).To(Succeed())

		_, err := store.Append(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("WalletDebited", dcb.NewTags("wallet_id", "w1", "region", "eu"), nil),
			dcb.NewInputEvent("WalletCredited", dcb.NewTags("wallet_id", "w1", "region", "us"), nil),
			dcb.NewInputEvent("WalletDebited", dcb.NewTags("wallet_id", "w2", "region", "eu"), nil),
			dcb.NewInputEvent("CourseDefined", dcb.NewTags("course_id", "c1"), nil),
		))
		Expect(err).NotTo(HaveOccurred())
	})

	newFetcher := func(id string, cfg processor.SubscriptionConfig) *processor.EventFetcher {
		return processor.NewEventFetcher(store, map[string]processor.Subscription{
			id: processor.NewSubscription(cfg),
		})
	}

	It("returns position-ordered events past the last position", func() {
		fetcher := newFetcher("debits", processor.SubscriptionConfig{EventTypes: "WalletDebited"})

		events, scanned, err := fetcher.FetchEvents(ctx, "debits", 0, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
		Expect(events[0].Position).To(Equal(int64(1)))
		Expect(events[1].Position).To(Equal(int64(3)))
		Expect(scanned).To(Equal(int64(3)))

		events, _, err = fetcher.FetchEvents(ctx, "debits", scanned, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(BeEmpty())
	})

	It("caps the batch size", func() {
		fetcher := newFetcher("all", processor.SubscriptionConfig{})

		events, scanned, err := fetcher.FetchEvents(ctx, "all", 0, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
		Expect(scanned).To(Equal(int64(2)))
	})

	It("advances the scanned position past post-filtered rows", func() {
		// region=ap matches nothing, so every fetched row is dropped but the
		// scan still moves forward
		fetcher := newFetcher("ap", processor.SubscriptionConfig{
			EventTypes: "WalletDebited",
			AnyOfTags:  "region=ap",
		})

		events, scanned, err := fetcher.FetchEvents(ctx, "ap", 0, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(BeEmpty())
		Expect(scanned).To(Equal(int64(3)))
	})

	It("applies required-tag key presence as a post-filter", func() {
		fetcher := newFetcher("wallets", processor.SubscriptionConfig{RequiredTags: "wallet_id"})

		events, _, err := fetcher.FetchEvents(ctx, "wallets", 0, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(3))
		for _, event := range events {
			Expect(event.Type).NotTo(Equal("CourseDefined"))
		}
	})

	It("rejects unknown processors", func() {
		fetcher := newFetcher("known", processor.SubscriptionConfig{})
		_, _, err := fetcher.FetchEvents(ctx, "unknown", 0, 10)
		Expect(err).To(HaveOccurred())
	})
})
