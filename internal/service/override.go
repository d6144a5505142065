package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aman-churiwal/rate-guard/internal/models"
	"github.com/aman-churiwal/rate-guard/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Actor recorded on entries created by automatic escalation
const SystemActor = "system"

type OverrideService struct {
	repo   *repository.OverrideRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewOverrideService(repo *repository.OverrideRepository, logger *zap.Logger) *OverrideService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OverrideService{
		repo:   repo,
		logger: logger.With(zap.String("component", "overrides")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Identity facets checked by the gate, in deny/allow precedence order
type Identity struct {
	IP         string
	UserID     string
	MerchantID string
}

func (i Identity) scopes() []repository.ScopeRef {
	return []repository.ScopeRef{
		{Type: models.ScopeIP, Value: i.IP},
		{Type: models.ScopeUser, Value: i.UserID},
		{Type: models.ScopeMerchant, Value: i.MerchantID},
	}
}

// Verdict holds the first matching deny and allow entries for an identity.
// Denied wins over Allowed.
type Verdict struct {
	Denied  *models.OverrideEntry
	Allowed *models.OverrideEntry
}

// Evaluate looks up deny and allow entries for every facet of an identity in
// one query. Expired entries are deactivated and ignored.
func (s *OverrideService) Evaluate(ctx context.Context, id Identity) (Verdict, error) {
	var verdict Verdict

	entries, err := s.repo.FindActiveByScopes(ctx, id.scopes())
	if err != nil {
		return verdict, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	live := make([]*models.OverrideEntry, 0, len(entries))
	for i := range entries {
		if e := s.liveOrExpire(ctx, &entries[i]); e != nil {
			live = append(live, e)
		}
	}

	for _, scope := range id.scopes() {
		if scope.Value == "" {
			continue
		}
		for _, e := range live {
			if e.ScopeType != scope.Type || e.ScopeValue != scope.Value {
				continue
			}
			if e.Kind == models.OverrideDeny && verdict.Denied == nil {
				verdict.Denied = e
			}
			if e.Kind == models.OverrideAllow && verdict.Allowed == nil {
				verdict.Allowed = e
			}
		}
	}

	return verdict, nil
}

func (s *OverrideService) IsAllowed(ctx context.Context, scope models.ScopeType, value string) (bool, error) {
	entry, err := s.Lookup(ctx, models.OverrideAllow, scope, value)
	return entry != nil, err
}

func (s *OverrideService) IsDenied(ctx context.Context, scope models.ScopeType, value string) (bool, error) {
	entry, err := s.Lookup(ctx, models.OverrideDeny, scope, value)
	return entry != nil, err
}

// Lookup returns the live entry for an exact match, or nil. An expired entry
// is flipped inactive on the way out and reported as absent.
func (s *OverrideService) Lookup(ctx context.Context, kind models.OverrideKind, scope models.ScopeType, value string) (*models.OverrideEntry, error) {
	entry, err := s.repo.FindActive(ctx, kind, scope, value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if entry == nil {
		return nil, nil
	}
	return s.liveOrExpire(ctx, entry), nil
}

func (s *OverrideService) liveOrExpire(ctx context.Context, entry *models.OverrideEntry) *models.OverrideEntry {
	if !entry.Expired(s.now()) {
		return entry
	}

	if _, err := s.repo.Deactivate(ctx, entry.ID.String()); err != nil {
		// Still absent for this read; the next read tries again
		s.logger.Warn("failed to deactivate expired override",
			zap.String("id", entry.ID.String()),
			zap.Error(err),
		)
	} else {
		s.logger.Info("override expired",
			zap.String("kind", string(entry.Kind)),
			zap.String("scope_type", string(entry.ScopeType)),
			zap.String("scope_value", entry.ScopeValue),
		)
	}
	return nil
}

func (s *OverrideService) AddAllow(ctx context.Context, scope models.ScopeType, value, reason, actor string, expiresAt *time.Time) (*models.OverrideEntry, error) {
	return s.add(ctx, models.OverrideAllow, scope, value, reason, "", actor, expiresAt)
}

func (s *OverrideService) AddDeny(ctx context.Context, scope models.ScopeType, value, reason, actor string, expiresAt *time.Time) (*models.OverrideEntry, error) {
	return s.add(ctx, models.OverrideDeny, scope, value, reason, "", actor, expiresAt)
}

// Input for administrative creation, which may carry free-text detail
type OverrideInput struct {
	ScopeType  models.ScopeType `json:"scope_type"`
	ScopeValue string           `json:"scope_value"`
	Reason     string           `json:"reason"`
	Detail     string           `json:"detail"`
	AddedBy    string           `json:"added_by"`
	ExpiresAt  *time.Time       `json:"expires_at"`
}

func (s *OverrideService) Add(ctx context.Context, kind models.OverrideKind, in OverrideInput) (*models.OverrideEntry, error) {
	return s.add(ctx, kind, in.ScopeType, in.ScopeValue, in.Reason, in.Detail, in.AddedBy, in.ExpiresAt)
}

// Creates or re-activates the entry for (kind, scope, value)
func (s *OverrideService) add(ctx context.Context, kind models.OverrideKind, scope models.ScopeType, value, reason, detail, actor string, expiresAt *time.Time) (*models.OverrideEntry, error) {
	value = strings.TrimSpace(value)

	switch {
	case kind != models.OverrideAllow && kind != models.OverrideDeny:
		return nil, invalid("kind", "must be allow or deny")
	case !scope.Valid():
		return nil, invalid("scope_type", "must be one of ip, user, merchant")
	case value == "":
		return nil, invalid("scope_value", "is required")
	case strings.TrimSpace(reason) == "":
		return nil, invalid("reason", "is required")
	case strings.TrimSpace(actor) == "":
		return nil, invalid("added_by", "is required")
	}

	if expiresAt != nil {
		utc := expiresAt.UTC()
		if !utc.After(s.now()) {
			return nil, invalid("expires_at", "must be in the future")
		}
		expiresAt = &utc
	}

	entry := &models.OverrideEntry{
		Kind:       kind,
		ScopeType:  scope,
		ScopeValue: value,
		Reason:     reason,
		Detail:     detail,
		AddedBy:    actor,
		ExpiresAt:  expiresAt,
		IsActive:   true,
	}

	if err := s.repo.Upsert(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to save %s entry: %w", kind, err)
	}

	s.logger.Info("override saved",
		zap.String("id", entry.ID.String()),
		zap.String("kind", string(kind)),
		zap.String("scope_type", string(scope)),
		zap.String("scope_value", value),
		zap.String("reason", reason),
		zap.String("added_by", actor),
	)
	return entry, nil
}

// Remove deactivates an entry. It reports false when no active entry had
// that id.
func (s *OverrideService) Remove(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, invalid("id", "must be a UUID")
	}

	removed, err := s.repo.Deactivate(ctx, id)
	if err != nil {
		return false, err
	}
	if removed {
		s.logger.Info("override removed", zap.String("id", id))
	}
	return removed, nil
}

func (s *OverrideService) Get(ctx context.Context, id string) (*models.OverrideEntry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, invalid("id", "must be a UUID")
	}
	return s.repo.FindByID(ctx, id)
}

func (s *OverrideService) List(ctx context.Context, kind models.OverrideKind, activeOnly bool) ([]models.OverrideEntry, error) {
	if kind != "" && kind != models.OverrideAllow && kind != models.OverrideDeny {
		return nil, invalid("kind", "must be allow or deny")
	}
	return s.repo.List(ctx, kind, activeOnly)
}

// Effective status of one scope value, as the gate would see it
type CheckResult struct {
	ScopeType models.ScopeType      `json:"scope_type"`
	Value     string                `json:"value"`
	Effective string                `json:"effective"` // "deny", "allow" or "none"
	Denied    *models.OverrideEntry `json:"denied,omitempty"`
	Allowed   *models.OverrideEntry `json:"allowed,omitempty"`
}

func (s *OverrideService) Check(ctx context.Context, scope models.ScopeType, value string) (*CheckResult, error) {
	if !scope.Valid() {
		return nil, invalid("scope_type", "must be one of ip, user, merchant")
	}
	if value == "" {
		return nil, invalid("value", "is required")
	}

	denied, err := s.Lookup(ctx, models.OverrideDeny, scope, value)
	if err != nil {
		return nil, err
	}
	allowed, err := s.Lookup(ctx, models.OverrideAllow, scope, value)
	if err != nil {
		return nil, err
	}

	result := &CheckResult{ScopeType: scope, Value: value, Effective: "none", Denied: denied, Allowed: allowed}
	switch {
	case denied != nil:
		result.Effective = "deny"
	case allowed != nil:
		result.Effective = "allow"
	}
	return result, nil
}

// SweepExpired deactivates every entry past its expiry. Reads already expire
// entries lazily; the sweep keeps listings tidy.
func (s *OverrideService) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeactivateExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired overrides deactivated", zap.Int64("count", n))
	}
	return n, nil
}
