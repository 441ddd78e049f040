package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type invalidator interface {
	Invalidate(ctx context.Context) error
}

// Service is the policy catalog: administrative writes, paginated reads and the
// active set consumed by the matcher.
type Service struct {
	repo        Repository
	validate    *validator.Validate
	idGenerator func() string
	now         func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{
		repo:        repo,
		validate:    validator.New(),
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Upsert(ctx context.Context, params UpsertParams) (Policy, error) {
	params.PolicyCode = strings.TrimSpace(params.PolicyCode)
	params.Name = strings.TrimSpace(params.Name)

	if err := s.validate.Struct(params); err != nil {
		return Policy{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if err := checkRanges(params); err != nil {
		return Policy{}, err
	}

	p := Policy{
		ID:             s.idGenerator(),
		PolicyCode:     params.PolicyCode,
		Name:           params.Name,
		Description:    params.Description,
		PolicyType:     params.PolicyType,
		Status:         params.Status,
		Priority:       params.Priority,
		CommissionType: params.CommissionType,
		Constraints:    params.Constraints,
		ValidFrom:      params.ValidFrom,
		ValidUntil:     params.ValidUntil,
		UsageLimit:     params.UsageLimit,
		UpdatedAt:      s.now().UTC(),

		CanStackWithOtherPolicies: params.CanStackWithOtherPolicies,
	}
	switch params.CommissionType {
	case CommissionPercentage:
		p.CommissionRate = params.CommissionRate
	case CommissionFixed:
		p.FixedAmount = params.FixedAmount
	}

	saved, err := s.repo.Upsert(ctx, p)
	if err != nil {
		return Policy{}, err
	}
	return saved, nil
}

func checkRanges(params UpsertParams) error {
	if params.ValidFrom != nil && params.ValidUntil != nil && !params.ValidFrom.Before(*params.ValidUntil) {
		return fmt.Errorf("%w: validFrom must be before validUntil", ErrInvalidPolicy)
	}
	c := params.Constraints
	if c.MinOrderAmount != nil && c.MaxOrderAmount != nil && *c.MinOrderAmount > *c.MaxOrderAmount {
		return fmt.Errorf("%w: minOrderAmount exceeds maxOrderAmount", ErrInvalidPolicy)
	}
	if c.MinOrderAmount != nil && *c.MinOrderAmount < 0 {
		return fmt.Errorf("%w: minOrderAmount is negative", ErrInvalidPolicy)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (Policy, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Active(ctx context.Context) ([]Policy, error) {
	return s.repo.ListActive(ctx)
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	filters = normalizeFilters(filters)

	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{
		Items:     items,
		Total:     total,
		Page:      filters.Page,
		PageCount: pageCount(total, filters.PageSize),
	}, nil
}

// Invalidate drops any cached view of the active catalog. It is a no-op when
// the repository is not cached.
func (s *Service) Invalidate(ctx context.Context) error {
	if inv, ok := s.repo.(invalidator); ok {
		return inv.Invalidate(ctx)
	}
	return nil
}

func pageCount(total, pageSize int) int {
	if total == 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}
