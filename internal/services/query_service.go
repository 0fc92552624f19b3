package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/propledger/backend/internal/apperrors"
	"github.com/propledger/backend/internal/authz"
	"github.com/propledger/backend/internal/metrics"
	"github.com/propledger/backend/internal/models"
	"github.com/propledger/backend/internal/temporal"
	"github.com/propledger/backend/internal/tenancy"
)

const maxHistoryLimit = 500

type BalanceResponse struct {
	SubjectID string    `json:"subjectId"`
	Balance   int64     `json:"balance"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

type HistoryRequest struct {
	SubjectID  string
	FromDay    string
	ToDay      string
	ReasonCode string
	Limit      int
}

// HistoryResponse carries the instant bounds of the requested gaming days
// when a day filter was given.
type HistoryResponse struct {
	SubjectID   string               `json:"subjectId"`
	WindowStart *time.Time           `json:"windowStart,omitempty"`
	WindowEnd   *time.Time           `json:"windowEnd,omitempty"`
	Entries     []models.LedgerEntry `json:"entries"`
}

// QueryService serves reads under the same scope discipline as mutations.
type QueryService struct {
	runner       tenancy.Runner
	validator    *authz.Validator
	repo         LedgerRepository
	cache        *BalanceCache
	metrics      *metrics.Metrics
	defaultLimit int
	logger       *zap.Logger
}

func NewQueryService(runner tenancy.Runner, validator *authz.Validator, repo LedgerRepository, cache *BalanceCache, m *metrics.Metrics, defaultLimit int, logger *zap.Logger) *QueryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultLimit <= 0 || defaultLimit > maxHistoryLimit {
		defaultLimit = 100
	}
	return &QueryService{
		runner:       runner,
		validator:    validator,
		repo:         repo,
		cache:        cache,
		metrics:      m,
		defaultLimit: defaultLimit,
		logger:       logger,
	}
}

func identityOf(session authz.Session, correlationID string) tenancy.Identity {
	return tenancy.Identity{
		ActorID:       session.ActorID,
		TenantID:      session.TenantID,
		Role:          session.Role,
		CorrelationID: correlationID,
	}
}

// Balance returns the subject's current value. The cache is consulted only
// after the actor was validated inside the scoped transaction.
func (s *QueryService) Balance(ctx context.Context, session authz.Session, correlationID, subjectID string) (BalanceResponse, error) {
	if subjectID == "" {
		return BalanceResponse{}, apperrors.Validation(apperrors.CodeInvalidRequest, "subject id is required")
	}

	var resp BalanceResponse
	err := s.runner.InReadTx(ctx, identityOf(session, correlationID), func(ctx context.Context, scope *tenancy.Scope) error {
		actor, err := s.validator.Validate(ctx, scope, session, authz.CapLedgerRead)
		if err != nil {
			return err
		}

		if cached := s.cache.Get(ctx, actor.TenantID, subjectID); cached != nil {
			s.metrics.RecordCache(true)
			resp = balanceOf(*cached)
			return nil
		}
		s.metrics.RecordCache(false)

		agg, err := s.repo.GetAggregate(ctx, scope, subjectID)
		if err != nil {
			return err
		}
		if agg == nil {
			resp = BalanceResponse{SubjectID: subjectID}
			return nil
		}
		if err := s.cache.Set(ctx, *agg); err != nil {
			s.logger.Warn("failed to populate balance cache", zap.String("subject_id", subjectID), zap.Error(err))
		}
		resp = balanceOf(*agg)
		return nil
	})
	return resp, err
}

func balanceOf(agg models.Aggregate) BalanceResponse {
	return BalanceResponse{
		SubjectID: agg.SubjectID,
		Balance:   agg.CurrentValue,
		Version:   agg.Version,
		UpdatedAt: agg.UpdatedAt,
	}
}

// History lists a subject's entries, newest first.
func (s *QueryService) History(ctx context.Context, session authz.Session, correlationID string, req HistoryRequest) (HistoryResponse, error) {
	filter, err := s.filterOf(req)
	if err != nil {
		return HistoryResponse{}, err
	}

	resp := HistoryResponse{SubjectID: req.SubjectID, Entries: []models.LedgerEntry{}}
	err = s.runner.InReadTx(ctx, identityOf(session, correlationID), func(ctx context.Context, scope *tenancy.Scope) error {
		if _, err := s.validator.Validate(ctx, scope, session, authz.CapLedgerRead); err != nil {
			return err
		}
		if err := s.resolveWindow(ctx, scope, filter, &resp); err != nil {
			return err
		}
		entries, err := s.repo.ListEntries(ctx, scope, filter)
		if err != nil {
			return err
		}
		if entries != nil {
			resp.Entries = entries
		}
		return nil
	})
	return resp, err
}

func (s *QueryService) resolveWindow(ctx context.Context, scope *tenancy.Scope, filter models.HistoryFilter, resp *HistoryResponse) error {
	if filter.FromDay == "" && filter.ToDay == "" {
		return nil
	}
	policy, err := s.repo.LoadTemporalPolicy(ctx, scope)
	if err != nil {
		return err
	}
	if filter.FromDay != "" {
		day, err := temporal.Parse(filter.FromDay)
		if err != nil {
			return err
		}
		start, _, err := temporal.Window(day, policy)
		if err != nil {
			return err
		}
		resp.WindowStart = &start
	}
	if filter.ToDay != "" {
		day, err := temporal.Parse(filter.ToDay)
		if err != nil {
			return err
		}
		_, end, err := temporal.Window(day, policy)
		if err != nil {
			return err
		}
		resp.WindowEnd = &end
	}
	return nil
}

func (s *QueryService) filterOf(req HistoryRequest) (models.HistoryFilter, error) {
	if req.SubjectID == "" {
		return models.HistoryFilter{}, apperrors.Validation(apperrors.CodeInvalidRequest, "subject id is required")
	}
	filter := models.HistoryFilter{SubjectID: req.SubjectID, Limit: req.Limit}

	if req.FromDay != "" {
		from, err := temporal.Parse(req.FromDay)
		if err != nil {
			return models.HistoryFilter{}, err
		}
		filter.FromDay = temporal.Format(from)
	}
	if req.ToDay != "" {
		to, err := temporal.Parse(req.ToDay)
		if err != nil {
			return models.HistoryFilter{}, err
		}
		filter.ToDay = temporal.Format(to)
	}
	if filter.FromDay != "" && filter.ToDay != "" && filter.ToDay < filter.FromDay {
		return models.HistoryFilter{}, apperrors.Validation(apperrors.CodeInvalidRequest, "toDay precedes fromDay")
	}

	if req.ReasonCode != "" {
		reason, ok := models.ParseReasonCode(req.ReasonCode)
		if !ok {
			return models.HistoryFilter{}, apperrors.Validation(apperrors.CodeInvalidReason, "unknown reason code").
				WithDetail("reason_code", req.ReasonCode)
		}
		filter.ReasonCode = string(reason)
	}

	switch {
	case filter.Limit < 0:
		return models.HistoryFilter{}, apperrors.Validation(apperrors.CodeInvalidRequest, "limit must not be negative")
	case filter.Limit == 0:
		filter.Limit = s.defaultLimit
	case filter.Limit > maxHistoryLimit:
		filter.Limit = maxHistoryLimit
	}
	return filter, nil
}
