package dcb_test

import (
	"encoding/json"

	"tidemark/pkg/dcb"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func balanceProjector(walletID string) dcb.BatchProjector {
	return dcb.BatchProjector{
		ID: "balance",
		StateProjector: dcb.StateProjector{
			Query:        dcb.NewQuery(dcb.NewTags("wallet_id", walletID), "WalletCredited", "WalletDebited"),
			InitialState: 0,
			TransitionFn: func(state any, event dcb.Event) any {
				var payload struct {
					Amount int `json:"amount"`
				}
				if err := json.Unmarshal(event.Data, &payload); err != nil {
					return state
				}
				balance := state.(int)
				if event.Type == "WalletCredited" {
					return balance + payload.Amount
				}
				return balance - payload.Amount
			},
		},
	}
}

var _ = Describe("Project", func() {
	BeforeEach(func() {
		Expect(truncateEventsTable(ctx, pool)).To(Succeed())
	})

	It("folds matching events into the projector state", func() {
		_, err := store.Append(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("WalletCredited", dcb.NewTags("wallet_id", "w1"), toJSON(map[string]any{"amount": 100})),
			dcb.NewInputEvent("WalletDebited", dcb.NewTags("wallet_id", "w1"), toJSON(map[string]any{"amount": 30})),
			dcb.NewInputEvent("WalletCredited", dcb.NewTags("wallet_id", "w2"), toJSON(map[string]any{"amount": 999})),
		))
		Expect(err).NotTo(HaveOccurred())

		states, condition, err := store.Project(ctx, []dcb.BatchProjector{balanceProjector("w1")}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(states["balance"]).To(Equal(70))

		// The condition cursor points at the last event the projection read
		cursor := dcb.ConditionCursor(condition)
		Expect(cursor).NotTo(BeNil())
		Expect(cursor.Position).To(Equal(int64(3)))
	})

	It("runs multiple projectors over one combined read", func() {
		_, err := store.Append(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("WalletCredited", dcb.NewTags("wallet_id", "w1"), toJSON(map[string]any{"amount": 10})),
			dcb.NewInputEvent("WalletCredited", dcb.NewTags("wallet_id", "w1"), toJSON(map[string]any{"amount": 5})),
		))
		Expect(err).NotTo(HaveOccurred())

		count := dcb.BatchProjector{
			ID: "count",
			StateProjector: dcb.StateProjector{
				Query:        dcb.NewQuery(dcb.NewTags("wallet_id", "w1")),
				InitialState: 0,
				TransitionFn: func(state any, event dcb.Event) any {
					return state.(int) + 1
				},
			},
		}

		states, _, err := store.Project(ctx, []dcb.BatchProjector{balanceProjector("w1"), count}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(states["balance"]).To(Equal(15))
		Expect(states["count"]).To(Equal(2))
	})

	It("returns initial states and the caller's cursor on an empty stream", func() {
		after := &dcb.Cursor{Position: 0}
		states, condition, err := store.Project(ctx, []dcb.BatchProjector{balanceProjector("w1")}, after)
		Expect(err).NotTo(HaveOccurred())
		Expect(states["balance"]).To(Equal(0))
		Expect(dcb.ConditionCursor(condition)).To(Equal(after))
	})

	It("rejects a projector without a transition function", func() {
		bad := dcb.BatchProjector{
			ID: "bad",
			StateProjector: dcb.StateProjector{
				Query:        dcb.NewQueryAll(),
				InitialState: 0,
			},
		}
		_, _, err := store.Project(ctx, []dcb.BatchProjector{bad}, nil)
		Expect(err).To(HaveOccurred())
		Expect(dcb.IsValidationError(err)).To(BeTrue())
	})

	It("guards a subsequent append with the projection slice", func() {
		projector := dcb.BatchProjector{
			ID: "opened",
			StateProjector: dcb.StateProjector{
				Query:        dcb.NewQuery(dcb.NewTags("wallet_id", "w1"), "WalletOpened"),
				InitialState: false,
				TransitionFn: func(state any, event dcb.Event) any { return true },
			},
		}

		states, condition, err := store.Project(ctx, []dcb.BatchProjector{projector}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(states["opened"]).To(BeFalse())

		// First append under the guard succeeds
		_, err = store.AppendIf(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w1"), nil),
		), condition)
		Expect(err).NotTo(HaveOccurred())

		// Replaying the same decision against the stale condition fails
		_, err = store.AppendIf(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w1"), nil),
		), condition)
		Expect(err).To(HaveOccurred())
		Expect(dcb.IsConcurrencyError(err)).To(BeTrue())
	})
})
