package dcb_test

import (
	"tidemark/pkg/dcb"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Query", func() {
	BeforeEach(func() {
		Expect(truncateEventsTable(ctx, pool)).To(Succeed())

		_, err := store.Append(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("CourseDefined", dcb.NewTags("course_id", "c1"), toJSON(map[string]any{"capacity": 2})),
			dcb.NewInputEvent("StudentRegistered", dcb.NewTags("student_id", "s1"), nil),
			dcb.NewInputEvent("StudentEnrolled", dcb.NewTags("course_id", "c1", "student_id", "s1"), nil),
			dcb.NewInputEvent("StudentRegistered", dcb.NewTags("student_id", "s2"), nil),
		))
		Expect(err).NotTo(HaveOccurred())
	})

	It("filters by event type", func() {
		events, err := store.Query(ctx, dcb.NewQuery(nil, "StudentRegistered"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
	})

	It("filters by tags with AND semantics within an item", func() {
		events, err := store.Query(ctx,
			dcb.NewQuery(dcb.NewTags("course_id", "c1", "student_id", "s1")), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
		Expect(events[0].Type).To(Equal("StudentEnrolled"))
	})

	It("combines items with OR semantics", func() {
		q := dcb.NewQueryFromItems(
			dcb.NewQItemKV("CourseDefined", "course_id", "c1"),
			dcb.NewQItemKV("StudentRegistered", "student_id", "s1"),
		)
		events, err := store.Query(ctx, q, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
	})

	It("resumes exclusive of the cursor position", func() {
		all, err := store.Query(ctx, dcb.NewQueryAll(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(all).To(HaveLen(4))

		cursor := dcb.CursorFromEvent(all[1])
		rest, err := store.Query(ctx, dcb.NewQueryAll(), &cursor)
		Expect(err).NotTo(HaveOccurred())
		Expect(rest).To(HaveLen(2))
		Expect(rest[0].Position).To(Equal(all[2].Position))
	})

	It("caps results with QueryLimited", func() {
		events, err := store.QueryLimited(ctx, dcb.NewQueryAll(), nil, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
		Expect(events[0].Position).To(Equal(int64(1)))
	})

	It("streams events in position order", func() {
		ch, err := store.QueryStream(ctx, dcb.NewQueryAll(), nil)
		Expect(err).NotTo(HaveOccurred())

		var positions []int64
		for event := range ch {
			positions = append(positions, event.Position)
		}
		Expect(positions).To(Equal([]int64{1, 2, 3, 4}))
	})

	It("rejects a nil query", func() {
		_, err := store.Query(ctx, nil, nil)
		Expect(err).To(HaveOccurred())
		Expect(dcb.IsValidationError(err)).To(BeTrue())
	})
})
