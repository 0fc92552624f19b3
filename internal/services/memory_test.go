package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/propledger/backend/internal/apperrors"
	"github.com/propledger/backend/internal/models"
	"github.com/propledger/backend/internal/outbox"
	"github.com/propledger/backend/internal/tenancy"
)

// nopTx accepts the context injection statement and nothing else.
type nopTx struct{}

func (nopTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return driver.RowsAffected(1), nil
}

func (nopTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, errors.New("nopTx: queries not supported")
}

func (nopTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return nil
}

type memState struct {
	aggregates map[string]models.Aggregate
	entries    []models.LedgerEntry
	outbox     []models.OutboxRecord
}

func (s memState) clone() memState {
	cp := memState{
		aggregates: make(map[string]models.Aggregate, len(s.aggregates)),
		entries:    append([]models.LedgerEntry(nil), s.entries...),
		outbox:     append([]models.OutboxRecord(nil), s.outbox...),
	}
	for k, v := range s.aggregates {
		cp.aggregates[k] = v
	}
	return cp
}

// memoryDB is a single-lock stand-in for Postgres: the runner holds mu for
// a whole transaction and restores a snapshot when the transaction fails.
// Every read and write filters by the scope's tenant, as RLS does.
type memoryDB struct {
	mu          sync.Mutex
	state       memState
	policies    map[string]models.TemporalPolicy
	memberships map[string]map[string]models.Membership
	publisher   *outbox.Publisher
	now         func() time.Time

	failEnqueue   error
	transientLeft int
}

func newMemoryDB() *memoryDB {
	return &memoryDB{
		state:       memState{aggregates: map[string]models.Aggregate{}},
		policies:    map[string]models.TemporalPolicy{},
		memberships: map[string]map[string]models.Membership{},
		publisher:   outbox.NewPublisher("ledger-test"),
		now:         func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func (m *memoryDB) addPolicy(p models.TemporalPolicy) {
	m.policies[p.TenantID] = p
}

func (m *memoryDB) addMember(tenantID, actorID string, role models.Role, status models.MembershipStatus) {
	if m.memberships[tenantID] == nil {
		m.memberships[tenantID] = map[string]models.Membership{}
	}
	m.memberships[tenantID][actorID] = models.Membership{TenantID: tenantID, ActorID: actorID, Role: string(role), Status: status}
}

func aggKey(tenantID, subjectID string) string {
	return tenantID + "|" + subjectID
}

// snapshot returns a copy of the committed state.
func (m *memoryDB) snapshot() memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

func (m *memoryDB) InTx(ctx context.Context, id tenancy.Identity, fn func(ctx context.Context, scope *tenancy.Scope) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.state.clone()
	scope, err := tenancy.Inject(ctx, nopTx{}, id)
	if err != nil {
		return err
	}
	defer scope.Close()

	if err := fn(ctx, scope); err != nil {
		m.state = before
		return err
	}
	return nil
}

func (m *memoryDB) InReadTx(ctx context.Context, id tenancy.Identity, fn func(ctx context.Context, scope *tenancy.Scope) error) error {
	return m.InTx(ctx, id, fn)
}

func (m *memoryDB) LoadTemporalPolicy(ctx context.Context, scope *tenancy.Scope) (models.TemporalPolicy, error) {
	tenantID, err := scope.TenantID()
	if err != nil {
		return models.TemporalPolicy{}, err
	}
	p, ok := m.policies[tenantID]
	if !ok {
		return models.TemporalPolicy{}, ErrPolicyMissing.WithDetail("tenant_id", tenantID)
	}
	return p, nil
}

func (m *memoryDB) LockAggregate(ctx context.Context, scope *tenancy.Scope, subjectID string) (models.Aggregate, error) {
	tenantID, err := scope.TenantID()
	if err != nil {
		return models.Aggregate{}, err
	}
	if m.transientLeft > 0 {
		m.transientLeft--
		return models.Aggregate{}, apperrors.Transient(apperrors.CodeLockTimeout, "lock wait timed out", nil)
	}
	key := aggKey(tenantID, subjectID)
	agg, ok := m.state.aggregates[key]
	if !ok {
		agg = models.Aggregate{TenantID: tenantID, SubjectID: subjectID, UpdatedAt: m.now()}
		m.state.aggregates[key] = agg
	}
	return agg, nil
}

func (m *memoryDB) FindEntryByKey(ctx context.Context, scope *tenancy.Scope, idempotencyKey string) (*models.LedgerEntry, error) {
	tenantID, err := scope.TenantID()
	if err != nil {
		return nil, err
	}
	for _, e := range m.state.entries {
		if e.TenantID == tenantID && e.IdempotencyKey != nil && *e.IdempotencyKey == idempotencyKey {
			found := e
			return &found, nil
		}
	}
	return nil, nil
}

func (m *memoryDB) InsertEntry(ctx context.Context, scope *tenancy.Scope, entry models.LedgerEntry) (bool, error) {
	tenantID, err := scope.TenantID()
	if err != nil {
		return false, err
	}
	if entry.TenantID != tenantID {
		return false, tenancy.ErrContextNotSet
	}
	if entry.IdempotencyKey != nil {
		if existing, _ := m.FindEntryByKey(ctx, scope, *entry.IdempotencyKey); existing != nil {
			return false, nil
		}
	}
	m.state.entries = append(m.state.entries, entry)
	return true, nil
}

func (m *memoryDB) UpdateAggregate(ctx context.Context, scope *tenancy.Scope, agg models.Aggregate, newValue int64) error {
	tenantID, err := scope.TenantID()
	if err != nil {
		return err
	}
	key := aggKey(tenantID, agg.SubjectID)
	current, ok := m.state.aggregates[key]
	if !ok || current.Version != agg.Version {
		return apperrors.Transient(apperrors.CodeUnavailable, "optimistic lock failed", nil)
	}
	current.CurrentValue = newValue
	current.Version++
	current.UpdatedAt = m.now()
	m.state.aggregates[key] = current
	return nil
}

func (m *memoryDB) GetAggregate(ctx context.Context, scope *tenancy.Scope, subjectID string) (*models.Aggregate, error) {
	tenantID, err := scope.TenantID()
	if err != nil {
		return nil, err
	}
	agg, ok := m.state.aggregates[aggKey(tenantID, subjectID)]
	if !ok {
		return nil, nil
	}
	return &agg, nil
}

func (m *memoryDB) ListEntries(ctx context.Context, scope *tenancy.Scope, filter models.HistoryFilter) ([]models.LedgerEntry, error) {
	tenantID, err := scope.TenantID()
	if err != nil {
		return nil, err
	}
	var out []models.LedgerEntry
	for i := len(m.state.entries) - 1; i >= 0; i-- {
		e := m.state.entries[i]
		if e.TenantID != tenantID || e.SubjectID != filter.SubjectID {
			continue
		}
		if filter.FromDay != "" && e.GamingDay < filter.FromDay {
			continue
		}
		if filter.ToDay != "" && e.GamingDay > filter.ToDay {
			continue
		}
		if filter.ReasonCode != "" && e.ReasonCode != filter.ReasonCode {
			continue
		}
		out = append(out, e)
		if len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *memoryDB) Enqueue(ctx context.Context, scope *tenancy.Scope, entry models.LedgerEntry) (models.OutboxRecord, error) {
	if m.failEnqueue != nil {
		return models.OutboxRecord{}, m.failEnqueue
	}
	tenantID, err := scope.TenantID()
	if err != nil {
		return models.OutboxRecord{}, err
	}
	if entry.TenantID != tenantID {
		return models.OutboxRecord{}, tenancy.ErrContextNotSet
	}
	rec, err := m.publisher.BuildRecord(entry)
	if err != nil {
		return models.OutboxRecord{}, err
	}
	m.state.outbox = append(m.state.outbox, rec)
	return rec, nil
}

func (m *memoryDB) FindMembership(ctx context.Context, scope *tenancy.Scope, actorID string) (*models.Membership, error) {
	tenantID, err := scope.TenantID()
	if err != nil {
		return nil, err
	}
	ms, ok := m.memberships[tenantID][actorID]
	if !ok {
		return nil, nil
	}
	return &ms, nil
}

func (m *memoryDB) ListDeadLetters(ctx context.Context, scope *tenancy.Scope, limit int) ([]models.OutboxRecord, error) {
	tenantID, err := scope.TenantID()
	if err != nil {
		return nil, err
	}
	var out []models.OutboxRecord
	for _, rec := range m.state.outbox {
		if rec.TenantID == tenantID && rec.Status == models.OutboxDeadLetter {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryDB) RequeueDeadLetter(ctx context.Context, scope *tenancy.Scope, recordID string, now time.Time) (models.OutboxRecord, error) {
	tenantID, err := scope.TenantID()
	if err != nil {
		return models.OutboxRecord{}, err
	}
	for i, rec := range m.state.outbox {
		if rec.TenantID != tenantID || rec.ID != recordID {
			continue
		}
		next, err := outbox.Requeue(rec, now)
		if err != nil {
			return models.OutboxRecord{}, err
		}
		m.state.outbox[i] = next
		return next, nil
	}
	return models.OutboxRecord{}, outbox.ErrRecordNotFound.WithDetail("record_id", recordID)
}

// deadLetterAll marks every record dead, bypassing the worker.
func (m *memoryDB) deadLetterAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.state.outbox {
		m.state.outbox[i].Status = models.OutboxDeadLetter
		m.state.outbox[i].AttemptCount = 8
		m.state.outbox[i].LastError = "sink unavailable"
	}
}
