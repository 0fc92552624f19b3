package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/propledger/backend/internal/models"
)

// memoryStore mirrors PostgresStore's claim and compare-and-set semantics.
type memoryStore struct {
	mu      sync.Mutex
	records map[string]models.OutboxRecord
}

func newMemoryStore(records ...models.OutboxRecord) *memoryStore {
	s := &memoryStore{records: make(map[string]models.OutboxRecord)}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s
}

func (s *memoryStore) get(id string) models.OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func (s *memoryStore) Claim(ctx context.Context, workerID string, now time.Time, lease time.Duration, limit int) ([]models.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]models.OutboxRecord, 0, len(s.records))
	for _, r := range s.records {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	heads := make(map[[2]string]bool)
	var out []models.OutboxRecord
	for _, r := range all {
		if r.Status != models.OutboxPending && r.Status != models.OutboxClaimed {
			continue
		}
		key := [2]string{r.TenantID, r.SubjectID}
		if heads[key] {
			continue
		}
		heads[key] = true
		if len(out) >= limit || !Claimable(r, now) {
			continue
		}
		claimed, err := Claim(r, workerID, now, lease)
		if err != nil {
			return nil, err
		}
		s.records[r.ID] = claimed
		out = append(out, claimed)
	}
	return out, nil
}

func (s *memoryStore) Apply(ctx context.Context, prev, next models.OutboxRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[prev.ID]
	if !ok || cur.Status != prev.Status || cur.ClaimedBy != prev.ClaimedBy {
		return false, nil
	}
	s.records[prev.ID] = next
	return true, nil
}
