package ledger_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/thorgate/relay/internal/ledger"
	"github.com/thorgate/relay/internal/models"
	"github.com/thorgate/relay/internal/repository/memory"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type fixture struct {
	store   *memory.Store
	ledger  *ledger.Ledger
	account uuid.UUID
	key     uuid.UUID
	channel uuid.UUID
}

func newFixture(t *testing.T, credit int64, unlimited bool) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	acc := &models.Account{ID: uuid.New(), UserName: "user1", Email: "user1@example.com", ResidualCredit: credit}
	key := &models.AccessKey{ID: uuid.New(), AccountID: acc.ID, Name: "default", KeyHash: uuid.NewString(), UnlimitedQuota: unlimited, UnlimitedExpired: true}
	if err := st.CreateAccountWithKey(ctx, acc, key); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	ch := &models.Channel{ID: uuid.New(), Name: "primary", Provider: "openai", Enabled: true}
	if err := st.CreateChannel(ctx, ch); err != nil {
		t.Fatalf("seed channel: %v", err)
	}
	return &fixture{store: st, ledger: ledger.New(st, nil, nil), account: acc.ID, key: key.ID, channel: ch.ID}
}

func (f *fixture) params(cost, tokens int64) ledger.SettleParams {
	key := f.key
	return ledger.SettleParams{AccountID: f.account, KeyID: &key, ChannelID: f.channel, CreditCost: cost, TokenCount: tokens, Model: "gpt-4o"}
}

func (f *fixture) loadAccount(t *testing.T) *models.Account {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), f.account)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	return a
}

func (f *fixture) loadKey(t *testing.T) *models.AccessKey {
	t.Helper()
	keys, _ := f.store.ListKeys(context.Background(), f.account)
	for _, k := range keys {
		if k.ID == f.key {
			return k
		}
	}
	t.Fatalf("key %s not found", f.key)
	return nil
}

func (f *fixture) loadChannel(t *testing.T) *models.Channel {
	t.Helper()
	c, err := f.store.GetChannel(context.Background(), f.channel)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	return c
}

// ---------------------------------------------------------------------------
// Settle
// ---------------------------------------------------------------------------

func TestSettle_AppliesThreeWayUpdate(t *testing.T) {
	f := newFixture(t, 1000, false)

	ok, err := f.ledger.Settle(context.Background(), f.params(200, 1500))
	if err != nil || !ok {
		t.Fatalf("Settle = %v, %v; want true, nil", ok, err)
	}

	a := f.loadAccount(t)
	if a.ResidualCredit != 800 || a.RequestCount != 1 || a.ConsumeToken != 1500 {
		t.Errorf("account = credit %d, requests %d, tokens %d", a.ResidualCredit, a.RequestCount, a.ConsumeToken)
	}
	k := f.loadKey(t)
	if k.RemainQuota != -200 || k.UsedQuota != 200 || k.AccessedAt == nil {
		t.Errorf("key = remain %d, used %d, accessed %v", k.RemainQuota, k.UsedQuota, k.AccessedAt)
	}
	if c := f.loadChannel(t); c.Quota != 200 {
		t.Errorf("channel quota = %d, want 200", c.Quota)
	}
	if usage := f.store.Usage(); len(usage) != 1 || usage[0].CreditCost != 200 {
		t.Errorf("usage records = %+v", usage)
	}
}

func TestSettle_RefusedLeavesEverythingUnchanged(t *testing.T) {
	f := newFixture(t, 1000, false)
	ctx := context.Background()

	if ok, err := f.ledger.Settle(ctx, f.params(200, 10)); !ok || err != nil {
		t.Fatalf("first settle = %v, %v", ok, err)
	}
	ok, err := f.ledger.Settle(ctx, f.params(900, 10))
	if err != nil {
		t.Fatalf("refusal must not be an error: %v", err)
	}
	if ok {
		t.Fatal("expected refusal: 800 < 900")
	}

	a := f.loadAccount(t)
	if a.ResidualCredit != 800 || a.RequestCount != 1 || a.ConsumeToken != 10 {
		t.Errorf("account mutated by refused settle: %+v", a)
	}
	if k := f.loadKey(t); k.UsedQuota != 200 {
		t.Errorf("key used quota = %d, want 200", k.UsedQuota)
	}
	if c := f.loadChannel(t); c.Quota != 200 {
		t.Errorf("channel quota = %d, want 200", c.Quota)
	}
	if n := len(f.store.Usage()); n != 1 {
		t.Errorf("usage records = %d, want 1", n)
	}
}

func TestSettle_ExactBalanceAllowed(t *testing.T) {
	f := newFixture(t, 300, false)
	ok, err := f.ledger.Settle(context.Background(), f.params(300, 1))
	if err != nil || !ok {
		t.Fatalf("Settle = %v, %v", ok, err)
	}
	if a := f.loadAccount(t); a.ResidualCredit != 0 {
		t.Errorf("credit = %d, want 0", a.ResidualCredit)
	}
}

func TestSettle_NotIdempotent(t *testing.T) {
	f := newFixture(t, 1000, false)
	ctx := context.Background()
	p := f.params(100, 5)
	for i := 0; i < 2; i++ {
		if ok, err := f.ledger.Settle(ctx, p); !ok || err != nil {
			t.Fatalf("settle %d = %v, %v", i, ok, err)
		}
	}
	a := f.loadAccount(t)
	if a.ResidualCredit != 800 || a.RequestCount != 2 {
		t.Errorf("two identical settles should debit twice: credit %d, requests %d", a.ResidualCredit, a.RequestCount)
	}
}

func TestSettle_UnlimitedKeyStillDecremented(t *testing.T) {
	f := newFixture(t, 1000, true)
	if ok, err := f.ledger.Settle(context.Background(), f.params(250, 1)); !ok || err != nil {
		t.Fatalf("Settle = %v, %v", ok, err)
	}
	k := f.loadKey(t)
	if !k.UnlimitedQuota {
		t.Fatal("fixture key should be unlimited")
	}
	if k.RemainQuota != -250 || k.UsedQuota != 250 {
		t.Errorf("unlimited key = remain %d, used %d; want -250, 250", k.RemainQuota, k.UsedQuota)
	}
}

func TestSettle_WithoutKey(t *testing.T) {
	f := newFixture(t, 1000, false)
	p := f.params(50, 1)
	p.KeyID = nil
	if ok, err := f.ledger.Settle(context.Background(), p); !ok || err != nil {
		t.Fatalf("Settle = %v, %v", ok, err)
	}
	if k := f.loadKey(t); k.UsedQuota != 0 {
		t.Errorf("key touched without key id: used %d", k.UsedQuota)
	}
	if c := f.loadChannel(t); c.Quota != 50 {
		t.Errorf("channel quota = %d", c.Quota)
	}
}

func TestSettle_NegativeCostRejected(t *testing.T) {
	f := newFixture(t, 1000, false)
	_, err := f.ledger.Settle(context.Background(), f.params(-5, 1))
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if a := f.loadAccount(t); a.ResidualCredit != 1000 || a.RequestCount != 0 {
		t.Errorf("account mutated: %+v", a)
	}
}

func TestSettle_ZeroCostCountsRequest(t *testing.T) {
	f := newFixture(t, 0, false)
	if ok, err := f.ledger.Settle(context.Background(), f.params(0, 0)); !ok || err != nil {
		t.Fatalf("Settle = %v, %v", ok, err)
	}
	if a := f.loadAccount(t); a.RequestCount != 1 {
		t.Errorf("request count = %d, want 1", a.RequestCount)
	}
}

func TestSettle_Scenario(t *testing.T) {
	f := newFixture(t, 1000, false)
	ctx := context.Background()

	if ok, _ := f.ledger.Settle(ctx, f.params(200, 1)); !ok {
		t.Fatal("200 against 1000 must apply")
	}
	if ok, _ := f.ledger.Settle(ctx, f.params(900, 1)); ok {
		t.Fatal("900 against 800 must be refused")
	}
	if a := f.loadAccount(t); a.ResidualCredit != 800 {
		t.Errorf("credit = %d, want 800", a.ResidualCredit)
	}
	if k := f.loadKey(t); k.UsedQuota != 200 {
		t.Errorf("used quota = %d, want 200", k.UsedQuota)
	}
	if c := f.loadChannel(t); c.Quota != 200 {
		t.Errorf("channel quota = %d, want 200", c.Quota)
	}
}

func TestSettle_DeletedChannelFails(t *testing.T) {
	f := newFixture(t, 1000, false)
	ctx := context.Background()
	if err := f.store.DeleteChannel(ctx, f.channel); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}

	ok, err := f.ledger.Settle(ctx, f.params(200, 1))
	if ok || !errors.Is(err, models.ErrUnknownChannel) {
		t.Fatalf("Settle = %v, %v; want false, ErrUnknownChannel", ok, err)
	}
	if a := f.loadAccount(t); a.ResidualCredit != 1000 || a.RequestCount != 0 {
		t.Errorf("account mutated: credit %d, requests %d", a.ResidualCredit, a.RequestCount)
	}
	if k := f.loadKey(t); k.UsedQuota != 0 {
		t.Errorf("key used quota = %d, want 0", k.UsedQuota)
	}
	if n := len(f.store.Usage()); n != 0 {
		t.Errorf("usage records = %d, want 0", n)
	}
}

func TestSettle_StoreFailure(t *testing.T) {
	l := ledger.New(failingStore{}, nil, nil)
	ok, err := l.Settle(context.Background(), ledger.SettleParams{AccountID: uuid.New(), CreditCost: 1})
	if ok || err == nil {
		t.Fatalf("expected store error, got %v, %v", ok, err)
	}
}

type failingStore struct{}

func (failingStore) ApplySettlement(context.Context, ledger.SettleParams) (bool, error) {
	return false, errors.New("connection lost")
}

func (failingStore) AdjustCredit(context.Context, uuid.UUID, int64) (int64, error) {
	return 0, errors.New("connection lost")
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestSettle_ConcurrentNeverOverdraws(t *testing.T) {
	const (
		credit  = 1000
		cost    = 70
		callers = 50
	)
	f := newFixture(t, credit, false)

	var applied atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.ledger.Settle(context.Background(), f.params(cost, 3))
			if err != nil {
				t.Errorf("Settle: %v", err)
				return
			}
			if ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	want := int64(credit / cost)
	if applied.Load() != want {
		t.Errorf("applied = %d, want %d", applied.Load(), want)
	}
	a := f.loadAccount(t)
	if a.ResidualCredit != credit-want*cost {
		t.Errorf("credit = %d, want %d", a.ResidualCredit, credit-want*cost)
	}
	if a.ResidualCredit < 0 {
		t.Errorf("credit went negative: %d", a.ResidualCredit)
	}
	if c := f.loadChannel(t); c.Quota != want*cost {
		t.Errorf("channel quota = %d, want %d", c.Quota, want*cost)
	}
	if a.RequestCount != want {
		t.Errorf("request count = %d, want %d", a.RequestCount, want)
	}
}

func TestSettle_ChannelUsageEqualsSumOfAppliedCosts(t *testing.T) {
	f := newFixture(t, 500, false)
	ctx := context.Background()
	var sum int64
	for _, cost := range []int64{10, 200, 300, 45, 1, 90} {
		ok, err := f.ledger.Settle(ctx, f.params(cost, 1))
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			sum += cost
		}
	}
	if c := f.loadChannel(t); c.Quota != sum {
		t.Errorf("channel quota = %d, want %d", c.Quota, sum)
	}
	if a := f.loadAccount(t); a.ResidualCredit != 500-sum {
		t.Errorf("credit = %d, want %d", a.ResidualCredit, 500-sum)
	}
}

// ---------------------------------------------------------------------------
// Adjust
// ---------------------------------------------------------------------------

func TestAdjust(t *testing.T) {
	f := newFixture(t, 100, false)
	ctx := context.Background()

	bal, err := f.ledger.Adjust(ctx, f.account, 50)
	if err != nil || bal != 150 {
		t.Fatalf("credit +50 = %d, %v", bal, err)
	}
	bal, err = f.ledger.Adjust(ctx, f.account, -150)
	if err != nil || bal != 0 {
		t.Fatalf("debit -150 = %d, %v", bal, err)
	}
	if _, err := f.ledger.Adjust(ctx, f.account, -1); !errors.Is(err, models.ErrInsufficientCredit) {
		t.Errorf("overdraw: expected ErrInsufficientCredit, got %v", err)
	}
	if _, err := f.ledger.Adjust(ctx, uuid.New(), 10); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("unknown account: expected ErrNotFound, got %v", err)
	}
	if _, err := f.ledger.Adjust(ctx, f.account, 0); !errors.Is(err, models.ErrValidation) {
		t.Errorf("zero delta: expected ErrValidation, got %v", err)
	}
}
