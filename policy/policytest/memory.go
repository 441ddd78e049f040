// Package policytest provides an in-memory policy.Repository for tests.
package policytest

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"commissionflow/db/dbtest"
	"commissionflow/policy"
)

type Repository struct {
	mu       sync.Mutex
	policies map[string]policy.Policy

	ListActiveCalls  int
	InvalidateCalls  int
	ListActiveErr    error
	IncrementErr     error
	staleActiveUsage bool
}

func NewRepository(seed ...policy.Policy) *Repository {
	r := &Repository{policies: map[string]policy.Policy{}}
	for _, p := range seed {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		r.policies[p.ID] = p
	}
	return r
}

// ServeStaleUsage makes ListActive report every usage counter as zero, the way
// a cached catalog lags behind the live counters.
func (r *Repository) ServeStaleUsage() {
	r.mu.Lock()
	r.staleActiveUsage = true
	r.mu.Unlock()
}

func (r *Repository) ListActive(context.Context) ([]policy.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ListActiveCalls++
	if r.ListActiveErr != nil {
		return nil, r.ListActiveErr
	}

	out := []policy.Policy{}
	for _, p := range r.policies {
		if p.Status != policy.StatusActive {
			continue
		}
		if r.staleActiveUsage {
			p.UsageCount = 0
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyCode < out[j].PolicyCode })
	return out, nil
}

func (r *Repository) GetByID(_ context.Context, id string) (policy.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[id]
	if !ok {
		return policy.Policy{}, policy.ErrNotFound
	}
	return p, nil
}

func (r *Repository) List(_ context.Context, filters policy.Filters) ([]policy.Policy, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := []policy.Policy{}
	for _, p := range r.policies {
		if filters.Status != "" && p.Status != filters.Status {
			continue
		}
		if filters.PolicyType != "" && p.PolicyType != filters.PolicyType {
			continue
		}
		if filters.PartnerID != "" && (p.Constraints.PartnerID == nil || *p.Constraints.PartnerID != filters.PartnerID) {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].PolicyCode < matched[j].PolicyCode
	})

	start := (filters.Page - 1) * filters.PageSize
	if start > len(matched) {
		start = len(matched)
	}
	end := start + filters.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], len(matched), nil
}

func (r *Repository) Upsert(_ context.Context, p policy.Policy) (policy.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, existing := range r.policies {
		if existing.PolicyCode == p.PolicyCode {
			p.ID = id
			if p.Status == "" {
				p.Status = existing.Status
			}
			p.UsageCount = existing.UsageCount
			p.CreatedAt = existing.CreatedAt
			r.policies[id] = p
			return p, nil
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = policy.StatusActive
	}
	p.CreatedAt = p.UpdatedAt
	r.policies[p.ID] = p
	return p, nil
}

func (r *Repository) IncrementUsage(_ context.Context, tx pgx.Tx, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.IncrementErr != nil {
		return r.IncrementErr
	}

	p, ok := r.policies[id]
	if !ok {
		return policy.ErrNotFound
	}
	if p.UsageLimit != nil && p.UsageCount >= *p.UsageLimit {
		return policy.ErrUsageLimitReached
	}
	p.UsageCount++
	r.policies[id] = p

	dbtest.Track(tx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		q := r.policies[id]
		q.UsageCount--
		r.policies[id] = q
	})
	return nil
}

func (r *Repository) Invalidate(context.Context) error {
	r.mu.Lock()
	r.InvalidateCalls++
	r.mu.Unlock()
	return nil
}

// Usage returns the live usage counter for id.
func (r *Repository) Usage(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policies[id].UsageCount
}
