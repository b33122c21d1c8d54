package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gridpulse/metering-plane/pkg/models"
)

type bucketKey struct {
	granularity models.Granularity
	periodStart time.Time
}

type memoryAccount struct {
	mu      sync.Mutex
	account models.MeterAccount
	buckets map[bucketKey]models.UsageBucket
}

// MemoryStore is an in-process Store. Per-meter serialization is a
// plain mutex per account; commit semantics come from running the
// callback against copies and writing them back only on success.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*memoryAccount
	tables   map[string]models.RateTable
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*memoryAccount),
		tables:   make(map[string]models.RateTable),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) get(meterID string) (*memoryAccount, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[meterID]
	return acct, ok
}

// WithAccount implements Store.
func (s *MemoryStore) WithAccount(ctx context.Context, meterID string, fn AccountUpdate) error {
	acct, ok := s.get(meterID)
	if !ok {
		return ErrMeterNotFound
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	txn := &memoryTxn{
		account: acct.account,
		base:    acct.buckets,
		dirty:   make(map[bucketKey]models.UsageBucket),
	}
	if err := fn(ctx, txn); err != nil {
		return err
	}

	txn.account.UpdatedAt = time.Now().UTC()
	acct.account = txn.account
	for k, b := range txn.dirty {
		acct.buckets[k] = b
	}
	return nil
}

type memoryTxn struct {
	account models.MeterAccount
	base    map[bucketKey]models.UsageBucket
	dirty   map[bucketKey]models.UsageBucket
}

func (t *memoryTxn) Account() *models.MeterAccount { return &t.account }

func (t *memoryTxn) UpsertBucket(_ context.Context, g models.Granularity, periodStart time.Time, deltaKWh float64, sampleAt time.Time) error {
	key := bucketKey{granularity: g, periodStart: periodStart.UTC()}
	b, ok := t.dirty[key]
	if !ok {
		b, ok = t.base[key]
		if !ok {
			b = models.UsageBucket{
				MeterID:     t.account.MeterID,
				Granularity: g,
				PeriodStart: key.periodStart,
			}
		}
	}
	b.KWh += deltaKWh
	b.LastSampleAt = sampleAt.UTC()
	t.dirty[key] = b
	return nil
}

func (t *memoryTxn) BucketKWh(_ context.Context, g models.Granularity, periodStart time.Time) (float64, error) {
	key := bucketKey{granularity: g, periodStart: periodStart.UTC()}
	if b, ok := t.dirty[key]; ok {
		return b.KWh, nil
	}
	if b, ok := t.base[key]; ok {
		return b.KWh, nil
	}
	return 0, nil
}

// GetAccount implements Store.
func (s *MemoryStore) GetAccount(_ context.Context, meterID string) (*models.MeterAccount, error) {
	acct, ok := s.get(meterID)
	if !ok {
		return nil, ErrMeterNotFound
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	out := acct.account
	return &out, nil
}

// CreateAccount implements Store.
func (s *MemoryStore) CreateAccount(_ context.Context, account *models.MeterAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.MeterID]; ok {
		return ErrMeterExists
	}
	now := time.Now().UTC()
	a := *account
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.accounts[account.MeterID] = &memoryAccount{
		account: a,
		buckets: make(map[bucketKey]models.UsageBucket),
	}
	return nil
}

// DeleteAccount implements Store.
func (s *MemoryStore) DeleteAccount(_ context.Context, meterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[meterID]; !ok {
		return ErrMeterNotFound
	}
	delete(s.accounts, meterID)
	return nil
}

// ListMeterIDs implements Store.
func (s *MemoryStore) ListMeterIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetRateTable implements Store.
func (s *MemoryStore) GetRateTable(_ context.Context, region string) (*models.RateTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	table, ok := s.tables[region]
	if !ok {
		return nil, ErrRateTableNotFound
	}
	out := table
	out.Tiers = append([]models.RateTier(nil), table.Tiers...)
	return &out, nil
}

// PutRateTable implements Store.
func (s *MemoryStore) PutRateTable(_ context.Context, table *models.RateTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := *table
	t.Tiers = append([]models.RateTier(nil), table.Tiers...)
	s.tables[table.Region] = t
	return nil
}

// ListRateTables implements Store.
func (s *MemoryStore) ListRateTables(_ context.Context) ([]models.RateTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	regions := make([]string, 0, len(s.tables))
	for region := range s.tables {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	out := make([]models.RateTable, 0, len(regions))
	for _, region := range regions {
		t := s.tables[region]
		t.Tiers = append([]models.RateTier(nil), s.tables[region].Tiers...)
		out = append(out, t)
	}
	return out, nil
}

// ListBuckets implements Store.
func (s *MemoryStore) ListBuckets(_ context.Context, meterID string, g models.Granularity, from, to time.Time) ([]models.UsageBucket, error) {
	acct, ok := s.get(meterID)
	if !ok {
		return nil, ErrMeterNotFound
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()

	from, to = from.UTC(), to.UTC()
	out := make([]models.UsageBucket, 0)
	for key, b := range acct.buckets {
		if key.granularity != g {
			continue
		}
		if key.periodStart.Before(from) || !key.periodStart.Before(to) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	return out, nil
}
