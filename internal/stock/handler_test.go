package stock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniorder/omniorder/internal/directive"
	"github.com/omniorder/omniorder/internal/kernel"
	"github.com/omniorder/omniorder/internal/session"
	"github.com/omniorder/omniorder/internal/stock"
)

type writerCall struct {
	channelCode string
	sessionKey  string
	checkCode   string
	rev         int64
	result      session.CheckResult
	issues      []session.Issue
}

type mockWriter struct {
	applied bool
	err     error
	calls   []writerCall
}

func (m *mockWriter) ApplyCheckResult(_ context.Context, channelCode, sessionKey, checkCode string, rev int64,
	result session.CheckResult, issues []session.Issue) (bool, error) {
	m.calls = append(m.calls, writerCall{channelCode, sessionKey, checkCode, rev, result, issues})
	return m.applied, m.err
}

func holdDirective(t *testing.T, items []session.Item) *directive.Directive {
	t.Helper()
	d, err := directive.New("stock.hold", kernel.CheckPayload{
		SessionKey:  "SESS-TESTTESTTEST",
		ChannelCode: "web",
		Rev:         3,
		Items:       items,
	})
	require.NoError(t, err)
	return d
}

func TestHoldHandler_ReservesAndReports(t *testing.T) {
	backend := stock.NewMemoryBackend(map[string]int64{"TEA-001": 10})
	writer := &mockWriter{applied: true}
	h := stock.NewHoldHandler(backend, writer, 15*time.Minute)

	result := h.Handle(context.Background(), holdDirective(t, []session.Item{
		{LineID: "L-AAAAAAAA", SKU: "TEA-001", Qty: 4},
	}))
	assert.Equal(t, directive.OutcomeDone, result.Outcome)

	require.Len(t, writer.calls, 1)
	call := writer.calls[0]
	assert.Equal(t, "web", call.channelCode)
	assert.Equal(t, "stock", call.checkCode)
	assert.Equal(t, int64(3), call.rev)
	assert.True(t, call.result.OK)
	assert.Empty(t, call.issues)
	require.Len(t, call.result.Holds, 1)
	assert.Equal(t, int64(4), call.result.Holds[0].Qty)
	require.NotNil(t, call.result.HoldExpiresAt)

	// The reservation reduces availability for everyone else.
	avail, err := backend.Availability(context.Background(), []string{"TEA-001"})
	require.NoError(t, err)
	assert.Equal(t, int64(6), avail[0].Available)
}

func TestHoldHandler_AggregatesLinesOfSameSKU(t *testing.T) {
	backend := stock.NewMemoryBackend(map[string]int64{"TEA-001": 10})
	writer := &mockWriter{applied: true}
	h := stock.NewHoldHandler(backend, writer, 15*time.Minute)

	result := h.Handle(context.Background(), holdDirective(t, []session.Item{
		{LineID: "L-AAAAAAAA", SKU: "TEA-001", Qty: 2},
		{LineID: "L-BBBBBBBB", SKU: "TEA-001", Qty: 2},
	}))
	assert.Equal(t, directive.OutcomeDone, result.Outcome)

	// One hold covers both lines with their combined quantity.
	call := writer.calls[0]
	assert.True(t, call.result.OK)
	require.Len(t, call.result.Holds, 1)
	assert.Equal(t, int64(4), call.result.Holds[0].Qty)

	avail, err := backend.Availability(context.Background(), []string{"TEA-001"})
	require.NoError(t, err)
	assert.Equal(t, int64(6), avail[0].Available)
}

func TestHoldHandler_CombinedDemandExceedingStockFails(t *testing.T) {
	backend := stock.NewMemoryBackend(map[string]int64{"TEA-001": 3})
	writer := &mockWriter{applied: true}
	h := stock.NewHoldHandler(backend, writer, 15*time.Minute)

	// Each line fits on its own; together they want more than exists.
	result := h.Handle(context.Background(), holdDirective(t, []session.Item{
		{LineID: "L-AAAAAAAA", SKU: "TEA-001", Qty: 2},
		{LineID: "L-BBBBBBBB", SKU: "TEA-001", Qty: 2},
	}))
	assert.Equal(t, directive.OutcomeDone, result.Outcome)

	call := writer.calls[0]
	assert.False(t, call.result.OK)
	assert.Empty(t, call.result.Holds)
	require.Len(t, call.issues, 1)
	issue := call.issues[0]
	assert.Equal(t, "insufficient_stock", issue.Code)
	assert.Equal(t, []string{"L-AAAAAAAA", "L-BBBBBBBB"}, issue.Context["line_ids"])

	// The only suggested fix drops both lines; a per-line quantity cut
	// cannot be derived from a combined shortfall.
	require.Len(t, issue.Actions, 1)
	remove := issue.Actions[0]
	require.Len(t, remove.Ops, 2)
	assert.Equal(t, session.OpRemoveLine, remove.Ops[0].Op)
	assert.Equal(t, session.OpRemoveLine, remove.Ops[1].Op)

	// Nothing was reserved.
	avail, err := backend.Availability(context.Background(), []string{"TEA-001"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), avail[0].Available)
}

func TestHoldHandler_ShortageProducesActionableIssue(t *testing.T) {
	backend := stock.NewMemoryBackend(map[string]int64{"TEA-001": 2})
	writer := &mockWriter{applied: true}
	h := stock.NewHoldHandler(backend, writer, 15*time.Minute)

	result := h.Handle(context.Background(), holdDirective(t, []session.Item{
		{LineID: "L-AAAAAAAA", SKU: "TEA-001", Qty: 5},
	}))
	assert.Equal(t, directive.OutcomeDone, result.Outcome)

	call := writer.calls[0]
	assert.False(t, call.result.OK)
	require.Len(t, call.issues, 1)
	issue := call.issues[0]
	assert.Equal(t, "stock", issue.Source)
	assert.Equal(t, "insufficient_stock", issue.Code)
	assert.True(t, issue.Blocking)

	// Two suggested fixes, both pinned to the session rev: reduce to the
	// available quantity, or drop the line.
	require.Len(t, issue.Actions, 2)
	reduce := issue.Actions[0]
	assert.Equal(t, int64(3), reduce.Rev)
	require.Len(t, reduce.Ops, 1)
	assert.Equal(t, session.OpSetQty, reduce.Ops[0].Op)
	require.NotNil(t, reduce.Ops[0].Qty)
	assert.Equal(t, int64(2), *reduce.Ops[0].Qty)

	remove := issue.Actions[1]
	require.Len(t, remove.Ops, 1)
	assert.Equal(t, session.OpRemoveLine, remove.Ops[0].Op)
}

func TestHoldHandler_ZeroAvailableOffersOnlyRemoval(t *testing.T) {
	backend := stock.NewMemoryBackend(nil)
	writer := &mockWriter{applied: true}
	h := stock.NewHoldHandler(backend, writer, 15*time.Minute)

	h.Handle(context.Background(), holdDirective(t, []session.Item{
		{LineID: "L-AAAAAAAA", SKU: "TEA-001", Qty: 1},
	}))

	issue := writer.calls[0].issues[0]
	require.Len(t, issue.Actions, 1)
	assert.Equal(t, session.OpRemoveLine, issue.Actions[0].Ops[0].Op)
}

func TestHoldHandler_SupersededResultReleasesHolds(t *testing.T) {
	backend := stock.NewMemoryBackend(map[string]int64{"TEA-001": 10})
	writer := &mockWriter{applied: false}
	h := stock.NewHoldHandler(backend, writer, 15*time.Minute)

	result := h.Handle(context.Background(), holdDirective(t, []session.Item{
		{LineID: "L-AAAAAAAA", SKU: "TEA-001", Qty: 4},
	}))
	assert.Equal(t, directive.OutcomeDone, result.Outcome)

	// The stale result's reservation was freed.
	avail, err := backend.Availability(context.Background(), []string{"TEA-001"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), avail[0].Available)
}

func TestHoldHandler_MalformedPayload(t *testing.T) {
	h := stock.NewHoldHandler(stock.NewMemoryBackend(nil), &mockWriter{}, 0)
	result := h.Handle(context.Background(), &directive.Directive{Topic: "stock.hold", Payload: []byte("{not json")})
	assert.Equal(t, directive.OutcomeFail, result.Outcome)
}

func TestCommitHandler_FinalizesHolds(t *testing.T) {
	backend := stock.NewMemoryBackend(map[string]int64{"TEA-001": 10})
	r, err := backend.Hold(context.Background(), "web:SESS-TESTTESTTEST", "TEA-001", 4, 15*time.Minute)
	require.NoError(t, err)

	payload := kernel.PostCommitPayload{
		OrderRef:    "ORD-20260314-ABCDEFGH",
		ChannelCode: "web",
		SessionKey:  "SESS-TESTTESTTEST",
		Holds:       []session.Hold{{HoldID: r.HoldID, SKU: "TEA-001", Qty: 4}},
	}
	d, err := directive.New("stock.commit", payload)
	require.NoError(t, err)

	h := stock.NewCommitHandler(backend)
	result := h.Handle(context.Background(), d)
	assert.Equal(t, directive.OutcomeDone, result.Outcome)

	// On-hand stock dropped; no lingering hold.
	avail, err := backend.Availability(context.Background(), []string{"TEA-001"})
	require.NoError(t, err)
	assert.Equal(t, int64(6), avail[0].Available)
}

func TestReleaseHandler_FreesReference(t *testing.T) {
	backend := stock.NewMemoryBackend(map[string]int64{"TEA-001": 10})
	_, err := backend.Hold(context.Background(), "web:SESS-TESTTESTTEST", "TEA-001", 4, 15*time.Minute)
	require.NoError(t, err)

	d, err := directive.New("stock.release", kernel.PostCommitPayload{
		ChannelCode: "web",
		SessionKey:  "SESS-TESTTESTTEST",
	})
	require.NoError(t, err)

	h := stock.NewReleaseHandler(backend)
	result := h.Handle(context.Background(), d)
	assert.Equal(t, directive.OutcomeDone, result.Outcome)

	avail, err := backend.Availability(context.Background(), []string{"TEA-001"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), avail[0].Available)
}

func TestMemoryBackend_RepeatHoldSupersedes(t *testing.T) {
	backend := stock.NewMemoryBackend(map[string]int64{"TEA-001": 10})
	ctx := context.Background()

	_, err := backend.Hold(ctx, "web:SESS-A", "TEA-001", 4, 15*time.Minute)
	require.NoError(t, err)
	// Re-checking the same session must not stack reservations.
	_, err = backend.Hold(ctx, "web:SESS-A", "TEA-001", 6, 15*time.Minute)
	require.NoError(t, err)

	avail, err := backend.Availability(ctx, []string{"TEA-001"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), avail[0].Available)
}

func TestMemoryBackend_ExpiredHoldsFreeUp(t *testing.T) {
	backend := stock.NewMemoryBackend(map[string]int64{"TEA-001": 5})
	ctx := context.Background()

	_, err := backend.Hold(ctx, "web:SESS-A", "TEA-001", 5, -time.Second)
	require.NoError(t, err)

	avail, err := backend.Availability(ctx, []string{"TEA-001"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), avail[0].Available)
}
