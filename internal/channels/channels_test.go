package channels_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thorgate/relay/internal/channels"
	"github.com/thorgate/relay/internal/events"
	"github.com/thorgate/relay/internal/ledger"
	"github.com/thorgate/relay/internal/models"
	"github.com/thorgate/relay/internal/repository/memory"
)

type providerSet map[string]bool

func (p providerSet) Has(name string) bool { return p[name] }

// fakeTester records the channels it was asked to check and answers with a
// fixed latency and error.
type fakeTester struct {
	latency time.Duration
	err     error
	tested  []uuid.UUID
}

func (f *fakeTester) TestChannel(_ context.Context, ch *models.Channel) (time.Duration, error) {
	f.tested = append(f.tested, ch.ID)
	return f.latency, f.err
}

func newService() (*channels.Service, *memory.Store, *events.Collector) {
	svc, st, col, _ := newServiceWithTester()
	return svc, st, col
}

func newServiceWithTester() (*channels.Service, *memory.Store, *events.Collector, *fakeTester) {
	st := memory.New()
	col := &events.Collector{}
	tester := &fakeTester{latency: 42 * time.Millisecond}
	return channels.New(st, providerSet{"openai": true, "ollama": true}, tester, col, nil), st, col, tester
}

func validInput() channels.Input {
	return channels.Input{
		Name:       "primary",
		Provider:   " OpenAI ",
		Address:    "https://api.example.com/v1/",
		Credential: "sk-test",
		Models:     []string{"gpt-4o", " ", "gpt-4o-mini"},
		Enabled:    true,
	}
}

func TestCreate(t *testing.T) {
	svc, _, col := newService()
	ctx := context.Background()

	c, err := svc.Create(ctx, validInput())
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Provider)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, c.Models)
	assert.Zero(t, c.Quota)
	assert.Equal(t, []string{models.EventChannelChanged}, col.Kinds())

	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", got.Credential)
}

func TestCreate_Rejects(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()

	in := validInput()
	in.Provider = "mystery"
	_, err := svc.Create(ctx, in)
	assert.ErrorIs(t, err, models.ErrUnknownProvider)

	in = validInput()
	in.Name = "  "
	_, err = svc.Create(ctx, in)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestUpdate_KeepsQuotaAndCredential(t *testing.T) {
	svc, st, _ := newService()
	ctx := context.Background()

	c, err := svc.Create(ctx, validInput())
	require.NoError(t, err)

	// Route some usage through the channel.
	acc := &models.Account{ID: uuid.New(), UserName: "user1", Email: "u@x.io", ResidualCredit: 100}
	require.NoError(t, st.CreateAccountWithKey(ctx, acc, nil))
	ok, err := ledger.New(st, nil, nil).Settle(ctx, ledger.SettleParams{AccountID: acc.ID, ChannelID: c.ID, CreditCost: 40, Model: "gpt-4o"})
	require.NoError(t, err)
	require.True(t, ok)

	in := validInput()
	in.Name = "renamed"
	in.Provider = "ollama"
	in.Credential = ""
	updated, err := svc.Update(ctx, c.ID, in)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "ollama", updated.Provider)
	assert.Equal(t, "sk-test", updated.Credential)
	assert.EqualValues(t, 40, updated.Quota)

	_, err = svc.Update(ctx, uuid.New(), validInput())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestToggles(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()
	c, err := svc.Create(ctx, validInput())
	require.NoError(t, err)

	enabled, err := svc.ToggleEnabled(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, enabled)

	auto, err := svc.ToggleAutomatic(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, auto)

	require.NoError(t, svc.SetOrder(ctx, c.ID, 7))
	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Order)
	assert.False(t, got.Enabled)
	assert.True(t, got.ControlAutomatically)

	_, err = svc.ToggleEnabled(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestListAndRemove(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()

	var ids []uuid.UUID
	for _, name := range []string{"a", "b", "c"} {
		in := validInput()
		in.Name = name
		c, err := svc.Create(ctx, in)
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}

	total, list, err := svc.List(ctx, 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].Name)

	require.NoError(t, svc.Remove(ctx, ids[0]))
	assert.ErrorIs(t, svc.Remove(ctx, ids[0]), models.ErrNotFound)

	total, _, err = svc.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
}

func TestTest_ReportsLatency(t *testing.T) {
	svc, _, _, tester := newServiceWithTester()
	ctx := context.Background()
	c, err := svc.Create(ctx, validInput())
	require.NoError(t, err)

	res, err := svc.Test(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.EqualValues(t, 42, res.LatencyMS)
	assert.Empty(t, res.Error)
	assert.Equal(t, []uuid.UUID{c.ID}, tester.tested)
}

func TestTest_FailureIsReportedNotReturned(t *testing.T) {
	svc, _, _, tester := newServiceWithTester()
	ctx := context.Background()
	c, err := svc.Create(ctx, validInput())
	require.NoError(t, err)
	tester.err = errors.New("provider unavailable: connection refused")

	res, err := svc.Test(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "connection refused")
	assert.True(t, res.Enabled)
}

func TestTest_ReenablesAutomaticChannel(t *testing.T) {
	svc, _, col, _ := newServiceWithTester()
	ctx := context.Background()
	in := validInput()
	in.Enabled = false
	in.ControlAutomatically = true
	auto, err := svc.Create(ctx, in)
	require.NoError(t, err)
	in.Name = "manual"
	in.ControlAutomatically = false
	manual, err := svc.Create(ctx, in)
	require.NoError(t, err)

	res, err := svc.Test(ctx, auto.ID)
	require.NoError(t, err)
	assert.True(t, res.Enabled)
	got, err := svc.Get(ctx, auto.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Len(t, col.Kinds(), 3)

	res, err = svc.Test(ctx, manual.ID)
	require.NoError(t, err)
	assert.False(t, res.Enabled)
	got, err = svc.Get(ctx, manual.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestTest_Rejects(t *testing.T) {
	svc, st, _, tester := newServiceWithTester()
	ctx := context.Background()

	_, err := svc.Test(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)

	orphan := &models.Channel{ID: uuid.New(), Name: "orphan", Provider: "nobody", Enabled: true}
	require.NoError(t, st.CreateChannel(ctx, orphan))
	_, err = svc.Test(ctx, orphan.ID)
	assert.ErrorIs(t, err, models.ErrUnknownProvider)
	assert.Empty(t, tester.tested)
}
