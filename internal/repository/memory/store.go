// Package memory is an in-process Store used by tests and local runs without
// postgres. One mutex guards the whole state, so every ledger operation is a
// single serialized unit of work.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thorgate/relay/internal/ledger"
	"github.com/thorgate/relay/internal/models"
)

type Store struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*models.Account
	keys     map[uuid.UUID]*models.AccessKey
	channels map[uuid.UUID]*models.Channel
	usage    []models.UsageRecord
	now      func() time.Time
	last     time.Time
}

func New() *Store {
	return &Store{
		accounts: make(map[uuid.UUID]*models.Account),
		keys:     make(map[uuid.UUID]*models.AccessKey),
		channels: make(map[uuid.UUID]*models.Channel),
		now:      time.Now,
	}
}

var _ ledger.Store = (*Store)(nil)

// tick returns a strictly increasing timestamp so newest-first ordering is
// stable. Callers hold mu.
func (s *Store) tick() time.Time {
	t := s.now()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (s *Store) CreateAccountWithKey(_ context.Context, a *models.Account, k *models.AccessKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if existing.UserName == a.UserName {
			return fmt.Errorf("%w: user name", models.ErrConflict)
		}
		if existing.Email == a.Email {
			return fmt.Errorf("%w: email", models.ErrConflict)
		}
	}
	if k != nil {
		if err := s.checkKeyHash(k.KeyHash); err != nil {
			return err
		}
	}
	now := s.tick()
	a.CreatedAt, a.UpdatedAt = now, now
	cp := *a
	s.accounts[a.ID] = &cp
	if k != nil {
		k.CreatedAt = now
		kc := *k
		s.keys[k.ID] = &kc
	}
	return nil
}

func (s *Store) GetAccount(_ context.Context, id uuid.UUID) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListAccounts(_ context.Context, page models.Page) (int64, []*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kw := strings.ToLower(page.Keyword)
	var matched []*models.Account
	for _, a := range s.accounts {
		if kw != "" && !strings.Contains(strings.ToLower(a.UserName), kw) && !strings.Contains(strings.ToLower(a.Email), kw) {
			continue
		}
		cp := *a
		matched = append(matched, &cp)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	return int64(len(matched)), window(matched, page), nil
}

func (s *Store) DeleteAccount(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return models.ErrNotFound
	}
	delete(s.accounts, id)
	for kid, k := range s.keys {
		if k.AccountID == id {
			delete(s.keys, kid)
		}
	}
	return nil
}

func (s *Store) UpdateProfile(_ context.Context, id uuid.UUID, email, avatar string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return models.ErrNotFound
	}
	for _, other := range s.accounts {
		if other.ID != id && other.Email == email {
			return fmt.Errorf("%w: email", models.ErrConflict)
		}
	}
	a.Email, a.Avatar, a.UpdatedAt = email, avatar, s.now()
	return nil
}

func (s *Store) UpdatePassword(_ context.Context, id uuid.UUID, hash, salt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return models.ErrNotFound
	}
	a.PasswordHash, a.PasswordSalt, a.UpdatedAt = hash, salt, s.now()
	return nil
}

func (s *Store) ToggleAccountDisabled(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return false, models.ErrNotFound
	}
	a.IsDisabled = !a.IsDisabled
	return a.IsDisabled, nil
}

// ---------------------------------------------------------------------------
// Access keys
// ---------------------------------------------------------------------------

func (s *Store) checkKeyHash(hash string) error {
	for _, k := range s.keys {
		if k.KeyHash == hash {
			return fmt.Errorf("%w: key hash", models.ErrConflict)
		}
	}
	return nil
}

func (s *Store) CreateKey(_ context.Context, k *models.AccessKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[k.AccountID]; !ok {
		return models.ErrNotFound
	}
	if err := s.checkKeyHash(k.KeyHash); err != nil {
		return err
	}
	k.CreatedAt = s.tick()
	cp := *k
	s.keys[k.ID] = &cp
	return nil
}

func (s *Store) ListKeys(_ context.Context, accountID uuid.UUID) ([]*models.AccessKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := []*models.AccessKey{}
	for _, k := range s.keys {
		if k.AccountID == accountID {
			cp := *k
			list = append(list, &cp)
		}
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

func (s *Store) RevokeKey(_ context.Context, accountID, keyID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok || k.AccountID != accountID {
		return models.ErrNotFound
	}
	k.IsDisabled = true
	return nil
}

func (s *Store) FindKeyByHash(_ context.Context, hash string) (*models.AccessKey, *models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.KeyHash != hash {
			continue
		}
		a, ok := s.accounts[k.AccountID]
		if !ok {
			return nil, nil, models.ErrNotFound
		}
		kc, ac := *k, *a
		return &kc, &ac, nil
	}
	return nil, nil, models.ErrNotFound
}

func (s *Store) TouchKey(_ context.Context, keyID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[keyID]; ok {
		k.AccessedAt = &at
	}
	return nil
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

func (s *Store) CreateChannel(_ context.Context, c *models.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.CreatedAt = s.tick()
	c.Quota = 0
	s.channels[c.ID] = cloneChannel(c)
	return nil
}

func (s *Store) GetChannel(_ context.Context, id uuid.UUID) (*models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneChannel(c), nil
}

func (s *Store) ListChannels(_ context.Context, page models.Page) (int64, []*models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*models.Channel, 0, len(s.channels))
	for _, c := range s.channels {
		list = append(list, cloneChannel(c))
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return int64(len(list)), window(list, page), nil
}

func (s *Store) ListEnabledChannels(_ context.Context, model string) ([]*models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := []*models.Channel{}
	for _, c := range s.channels {
		if c.Enabled && c.Serves(model) {
			list = append(list, cloneChannel(c))
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Order != list[j].Order {
			return list[i].Order < list[j].Order
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list, nil
}

func (s *Store) UpdateChannel(_ context.Context, c *models.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.channels[c.ID]
	if !ok {
		return models.ErrNotFound
	}
	next := cloneChannel(c)
	next.Quota, next.CreatedAt = cur.Quota, cur.CreatedAt
	s.channels[c.ID] = next
	return nil
}

func (s *Store) DeleteChannel(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[id]; !ok {
		return models.ErrNotFound
	}
	delete(s.channels, id)
	return nil
}

func (s *Store) ToggleChannelEnabled(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	if !ok {
		return false, models.ErrNotFound
	}
	c.Enabled = !c.Enabled
	return c.Enabled, nil
}

func (s *Store) SetChannelEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	if !ok {
		return models.ErrNotFound
	}
	c.Enabled = enabled
	return nil
}

func (s *Store) ToggleChannelAutomatic(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	if !ok {
		return false, models.ErrNotFound
	}
	c.ControlAutomatically = !c.ControlAutomatically
	return c.ControlAutomatically, nil
}

func (s *Store) SetChannelOrder(_ context.Context, id uuid.UUID, order int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	if !ok {
		return models.ErrNotFound
	}
	c.Order = order
	return nil
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

func (s *Store) ApplySettlement(_ context.Context, p ledger.SettleParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[p.AccountID]
	if !ok || a.ResidualCredit < p.CreditCost {
		return false, nil
	}
	c, ok := s.channels[p.ChannelID]
	if !ok {
		return false, fmt.Errorf("%w: %s", models.ErrUnknownChannel, p.ChannelID)
	}
	now := s.now()
	a.ResidualCredit -= p.CreditCost
	a.RequestCount++
	a.ConsumeToken += p.TokenCount
	a.UpdatedAt = now
	if p.KeyID != nil {
		if k, ok := s.keys[*p.KeyID]; ok {
			k.RemainQuota -= p.CreditCost
			k.UsedQuota += p.CreditCost
			k.AccessedAt = &now
		}
	}
	c.Quota += p.CreditCost
	s.usage = append(s.usage, models.UsageRecord{
		ID:               uuid.New(),
		AccountID:        p.AccountID,
		AccessKeyID:      p.KeyID,
		ChannelID:        p.ChannelID,
		Model:            p.Model,
		PromptTokens:     p.PromptTokens,
		CompletionTokens: p.CompletionTokens,
		CreditCost:       p.CreditCost,
		CreatedAt:        now,
	})
	return true, nil
}

func (s *Store) AdjustCredit(_ context.Context, accountID uuid.UUID, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return 0, models.ErrNotFound
	}
	if a.ResidualCredit+delta < 0 {
		return 0, models.ErrInsufficientCredit
	}
	a.ResidualCredit += delta
	a.UpdatedAt = s.now()
	return a.ResidualCredit, nil
}

// Usage returns a copy of the recorded settlements.
func (s *Store) Usage() []models.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.usage)
}

func cloneChannel(c *models.Channel) *models.Channel {
	cp := *c
	cp.Models = slices.Clone(c.Models)
	if cp.Models == nil {
		cp.Models = []string{}
	}
	return &cp
}

func window[T any](items []T, page models.Page) []T {
	if page.Offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}
	return items[page.Offset:end]
}
