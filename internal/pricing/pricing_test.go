package pricing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniorder/omniorder/internal/channel"
	"github.com/omniorder/omniorder/internal/errs"
	"github.com/omniorder/omniorder/internal/pricing"
	"github.com/omniorder/omniorder/internal/session"
)

func int64Ptr(v int64) *int64 { return &v }

func testSession(policy channel.PricingPolicy, items ...session.Item) *session.Session {
	return &session.Session{
		ChannelCode:   "web",
		SessionKey:    "SESS-TESTTESTTEST",
		PricingPolicy: policy,
		Items:         items,
	}
}

func TestItemModifier_PricesInternalLines(t *testing.T) {
	backend := pricing.NewStaticBackend(map[string]int64{"TEA-001": 450, "MUG-010": 1200})
	m := pricing.NewItemModifier(backend)

	s := testSession(channel.PricingInternal,
		session.Item{LineID: "L-AAAAAAAA", SKU: "TEA-001", Qty: 2},
		session.Item{LineID: "L-BBBBBBBB", SKU: "MUG-010", Qty: 1, UnitPriceQ: int64Ptr(99)},
	)

	err := m.Apply(context.Background(), &channel.Channel{}, s)
	require.NoError(t, err)

	// Internal pricing overwrites whatever the ops supplied.
	require.NotNil(t, s.Items[0].UnitPriceQ)
	assert.Equal(t, int64(450), *s.Items[0].UnitPriceQ)
	assert.Equal(t, int64(900), s.Items[0].LineTotalQ)
	assert.Equal(t, int64(1200), *s.Items[1].UnitPriceQ)
	assert.Equal(t, int64(1200), s.Items[1].LineTotalQ)
}

func TestItemModifier_ExternalChannelUntouched(t *testing.T) {
	m := pricing.NewItemModifier(pricing.NewStaticBackend(nil))

	s := testSession(channel.PricingExternal,
		session.Item{LineID: "L-AAAAAAAA", SKU: "TEA-001", Qty: 2, UnitPriceQ: int64Ptr(500), LineTotalQ: 1000},
	)

	err := m.Apply(context.Background(), &channel.Channel{}, s)
	require.NoError(t, err)
	assert.Equal(t, int64(500), *s.Items[0].UnitPriceQ)
	assert.Equal(t, int64(1000), s.Items[0].LineTotalQ)
}

func TestItemModifier_MixedKeepsSuppliedPrices(t *testing.T) {
	backend := pricing.NewStaticBackend(map[string]int64{"TEA-001": 450})
	m := pricing.NewItemModifier(backend)

	s := testSession(channel.PricingMixed,
		session.Item{LineID: "L-AAAAAAAA", SKU: "TEA-001", Qty: 2, UnitPriceQ: int64Ptr(400)},
		session.Item{LineID: "L-BBBBBBBB", SKU: "TEA-001", Qty: 1},
	)

	err := m.Apply(context.Background(), &channel.Channel{}, s)
	require.NoError(t, err)

	// The negotiated price survives; the unpriced line gets the catalog price.
	assert.Equal(t, int64(400), *s.Items[0].UnitPriceQ)
	assert.Equal(t, int64(800), s.Items[0].LineTotalQ)
	assert.Equal(t, int64(450), *s.Items[1].UnitPriceQ)
}

func TestItemModifier_UnknownSKU(t *testing.T) {
	m := pricing.NewItemModifier(pricing.NewStaticBackend(nil))

	s := testSession(channel.PricingInternal,
		session.Item{LineID: "L-AAAAAAAA", SKU: "GONE-404", Qty: 1},
	)

	err := m.Apply(context.Background(), &channel.Channel{}, s)
	require.Error(t, err)
	assert.Equal(t, "unknown_sku", errs.CodeOf(err))
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

type failingBackend struct{ err error }

func (b failingBackend) UnitPriceQ(context.Context, string) (int64, bool, error) {
	return 0, false, b.err
}

func TestItemModifier_BackendError(t *testing.T) {
	wantErr := errors.New("catalog timeout")
	m := pricing.NewItemModifier(failingBackend{err: wantErr})

	s := testSession(channel.PricingInternal,
		session.Item{LineID: "L-AAAAAAAA", SKU: "TEA-001", Qty: 1},
	)

	err := m.Apply(context.Background(), &channel.Channel{}, s)
	assert.ErrorIs(t, err, wantErr)
}

func TestTotalModifier_WritesTotal(t *testing.T) {
	m := pricing.NewTotalModifier()

	s := testSession(channel.PricingInternal,
		session.Item{LineID: "L-AAAAAAAA", SKU: "TEA-001", Qty: 2, UnitPriceQ: int64Ptr(450), LineTotalQ: 900},
		session.Item{LineID: "L-BBBBBBBB", SKU: "MUG-010", Qty: 1, UnitPriceQ: int64Ptr(1200), LineTotalQ: 1200},
	)

	err := m.Apply(context.Background(), &channel.Channel{}, s)
	require.NoError(t, err)
	assert.Equal(t, int64(2100), s.Data["total_q"])
}

func TestPricedLinesValidator(t *testing.T) {
	v := pricing.NewPricedLinesValidator()

	priced := testSession(channel.PricingMixed,
		session.Item{LineID: "L-AAAAAAAA", SKU: "TEA-001", Qty: 1, UnitPriceQ: int64Ptr(450)},
	)
	assert.NoError(t, v.Validate(context.Background(), &channel.Channel{}, priced))

	unpriced := testSession(channel.PricingMixed,
		session.Item{LineID: "L-AAAAAAAA", SKU: "TEA-001", Qty: 1},
	)
	err := v.Validate(context.Background(), &channel.Channel{}, unpriced)
	require.Error(t, err)
	assert.Equal(t, "unpriced_line", errs.CodeOf(err))
}

func TestNonNegativeTotalValidator(t *testing.T) {
	v := pricing.NewNonNegativeTotalValidator()

	ok := testSession(channel.PricingInternal,
		session.Item{LineID: "L-AAAAAAAA", SKU: "TEA-001", Qty: 1, LineTotalQ: 450},
	)
	assert.NoError(t, v.Validate(context.Background(), &channel.Channel{}, ok))

	negative := testSession(channel.PricingInternal,
		session.Item{LineID: "L-AAAAAAAA", SKU: "TEA-001", Qty: 1, LineTotalQ: -100},
	)
	err := v.Validate(context.Background(), &channel.Channel{}, negative)
	require.Error(t, err)
	assert.Equal(t, "negative_total", errs.CodeOf(err))
}

func TestModifierOrdering(t *testing.T) {
	// Items must be priced before the total is derived.
	assert.Less(t, pricing.NewItemModifier(nil).Priority(), pricing.NewTotalModifier().Priority())
}
