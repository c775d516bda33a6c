package dcb_test

import (
	"tidemark/pkg/dcb"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Append", func() {
	BeforeEach(func() {
		Expect(truncateEventsTable(ctx, pool)).To(Succeed())
	})

	Describe("unconditional append", func() {
		It("assigns gapless ascending positions in batch order", func() {
			batch := dcb.NewEventBatch(
				dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w1"), toJSON(map[string]any{"owner": "alice"})),
				dcb.NewInputEvent("WalletCredited", dcb.NewTags("wallet_id", "w1"), toJSON(map[string]any{"amount": 100})),
				dcb.NewInputEvent("WalletDebited", dcb.NewTags("wallet_id", "w1"), toJSON(map[string]any{"amount": 30})),
			)

			cursor, err := store.Append(ctx, batch)
			Expect(err).NotTo(HaveOccurred())
			Expect(cursor.Position).To(Equal(int64(3)))
			Expect(cursor.TransactionID).To(BeNumerically(">", 0))

			events, err := store.Query(ctx, dcb.NewQueryAll(), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(3))
			Expect(events[0].Type).To(Equal("WalletOpened"))
			Expect(events[1].Type).To(Equal("WalletCredited"))
			Expect(events[2].Type).To(Equal("WalletDebited"))
			for i := range events {
				Expect(events[i].Position).To(Equal(int64(i + 1)))
			}
		})

		It("restarts positions at 1 after a truncate with identity restart", func() {
			_, err := store.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w1"), nil),
				dcb.NewInputEvent("WalletCredited", dcb.NewTags("wallet_id", "w1"), nil),
			))
			Expect(err).NotTo(HaveOccurred())

			Expect(truncateEventsTable(ctx, pool)).To(Succeed())

			cursor, err := store.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w2"), nil),
			))
			Expect(err).NotTo(HaveOccurred())
			Expect(cursor.Position).To(Equal(int64(1)))
		})

		It("stamps all events of a batch with the same transaction id", func() {
			_, err := store.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("A", nil, nil),
				dcb.NewInputEvent("B", nil, nil),
			))
			Expect(err).NotTo(HaveOccurred())

			events, err := store.Query(ctx, dcb.NewQueryAll(), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(2))
			Expect(events[0].TransactionID).To(Equal(events[1].TransactionID))
		})

		It("preserves repeated tag keys", func() {
			_, err := store.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("ItemTagged", dcb.NewTags("category", "a", "category", "b"), nil),
			))
			Expect(err).NotTo(HaveOccurred())

			events, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("category", "a")), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
			Expect(dcb.TagsToArray(events[0].Tags)).To(ConsistOf("category=a", "category=b"))
		})

		It("rejects an empty batch", func() {
			_, err := store.Append(ctx, nil)
			Expect(err).To(HaveOccurred())
			Expect(dcb.IsValidationError(err)).To(BeTrue())
		})

		It("rejects events with an empty type", func() {
			_, err := store.Append(ctx, dcb.NewEventBatch(dcb.NewInputEvent("", nil, nil)))
			Expect(err).To(HaveOccurred())
			Expect(dcb.IsValidationError(err)).To(BeTrue())
		})
	})

	Describe("conditional append", func() {
		It("appends when no matching events exist", func() {
			guard := dcb.NewQuery(dcb.NewTags("wallet_id", "w1"), "WalletOpened")
			cursor, err := store.AppendIf(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w1"), nil),
			), dcb.NewAppendCondition(guard))
			Expect(err).NotTo(HaveOccurred())
			Expect(cursor.Position).To(Equal(int64(1)))
		})

		It("rejects when a matching event exists and persists nothing", func() {
			guard := dcb.NewQuery(dcb.NewTags("wallet_id", "w1"), "WalletOpened")
			event := dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w1"), nil)

			_, err := store.AppendIf(ctx, dcb.NewEventBatch(event), dcb.NewAppendCondition(guard))
			Expect(err).NotTo(HaveOccurred())

			_, err = store.AppendIf(ctx, dcb.NewEventBatch(event), dcb.NewAppendCondition(guard))
			Expect(err).To(HaveOccurred())
			Expect(dcb.IsConcurrencyError(err)).To(BeTrue())

			events, err := store.Query(ctx, dcb.NewQueryAll(), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
		})

		It("only inspects events past the condition cursor", func() {
			event := dcb.NewInputEvent("WalletDebited", dcb.NewTags("wallet_id", "w1"), nil)
			first, err := store.Append(ctx, dcb.NewEventBatch(event))
			Expect(err).NotTo(HaveOccurred())

			guard := dcb.NewQuery(dcb.NewTags("wallet_id", "w1"), "WalletDebited")

			// Guarding after the first event: the existing debit is invisible
			_, err = store.AppendIf(ctx, dcb.NewEventBatch(event),
				dcb.NewAppendConditionAfter(guard, &first))
			Expect(err).NotTo(HaveOccurred())

			// Guarding from the log start: both debits match
			_, err = store.AppendIf(ctx, dcb.NewEventBatch(event), dcb.NewAppendCondition(guard))
			Expect(err).To(HaveOccurred())
			Expect(dcb.IsConcurrencyError(err)).To(BeTrue())
		})

		It("treats an empty guard query as matching nothing", func() {
			_, err := store.Append(ctx, dcb.NewEventBatch(dcb.NewInputEvent("A", nil, nil)))
			Expect(err).NotTo(HaveOccurred())

			_, err = store.AppendIf(ctx, dcb.NewEventBatch(dcb.NewInputEvent("B", nil, nil)),
				dcb.NewAppendCondition(dcb.NewQueryEmpty()))
			Expect(err).NotTo(HaveOccurred())
		})

		It("carries the guard query and cursor in the concurrency error", func() {
			guard := dcb.NewQuery(dcb.NewTags("wallet_id", "w1"), "WalletOpened")
			event := dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w1"), nil)

			_, err := store.Append(ctx, dcb.NewEventBatch(event))
			Expect(err).NotTo(HaveOccurred())

			_, err = store.AppendIf(ctx, dcb.NewEventBatch(event), dcb.NewAppendCondition(guard))
			concurrencyErr, ok := dcb.GetConcurrencyError(err)
			Expect(ok).To(BeTrue())
			Expect(concurrencyErr.FailedQuery).NotTo(BeNil())
		})

		It("rejects a nil condition", func() {
			_, err := store.AppendIf(ctx, dcb.NewEventBatch(dcb.NewInputEvent("A", nil, nil)), nil)
			Expect(err).To(HaveOccurred())
			Expect(dcb.IsValidationError(err)).To(BeTrue())
		})
	})
})
