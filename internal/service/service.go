package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"merchantstock/backend/internal/domain"
	"merchantstock/backend/internal/events"
	"merchantstock/backend/internal/invoice"
	"merchantstock/backend/internal/ledger"
	"merchantstock/backend/internal/registry"
	"merchantstock/backend/internal/scope"
	"merchantstock/backend/internal/store"
	"merchantstock/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

var systemActor = domain.Actor{Username: "system", Role: domain.RoleSystem}

// RetryPolicy bounds how often a ledger transaction that lost a write race is
// re-run. The delay doubles after every attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond}
}

type Service struct {
	repo      store.Repository
	merchants *registry.Directory
	ledger    *ledger.Ledger
	invoices  *invoice.Generator
	events    events.Publisher
	logger    *zap.Logger
	retry     RetryPolicy
	validate  *validator.Validate
	now       func() time.Time
}

func New(repo store.Repository, merchants *registry.Directory, publisher events.Publisher, logger *zap.Logger, retry RetryPolicy) *Service {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry.MaxAttempts < 1 {
		retry = DefaultRetryPolicy()
	}

	return &Service{
		repo:      repo,
		merchants: merchants,
		ledger:    ledger.New(),
		invoices:  invoice.NewGenerator(),
		events:    publisher,
		logger:    logger,
		retry:     retry,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// inTx runs fn in a store transaction and re-runs it with exponential backoff
// when the store reports a concurrent modification. fn must not leak state
// between attempts.
func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	delay := s.retry.BaseDelay
	for attempt := 1; ; attempt++ {
		err := s.repo.InTx(ctx, fn)
		if err == nil || !errors.Is(err, store.ErrConcurrentModification) {
			return err
		}
		if attempt >= s.retry.MaxAttempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		s.logger.Warn("ledger write conflict, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}

func (s *Service) ValidateRequest(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
	}
	return nil
}

func actorFrom(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return systemActor
	}
	return actor
}

// scopeFor resolves the calling actor and the data they may see.
func (s *Service) scopeFor(ctx context.Context) (domain.Actor, scope.Scope) {
	actor := actorFrom(ctx)
	if actor.Role == domain.RoleAdmin || actor.Role == domain.RoleSystem {
		return actor, scope.All()
	}

	var merchant *domain.Merchant
	if actor.MerchantID != "" {
		m, err := s.merchants.Merchant(ctx, actor.MerchantID)
		if err != nil {
			s.logger.Warn("actor merchant lookup failed",
				zap.String("username", actor.Username),
				zap.String("merchant_id", actor.MerchantID),
				zap.Error(err),
			)
		} else {
			merchant = &m
		}
	}
	return actor, scope.ForActor(actor, merchant)
}

func (s *Service) logAudit(ctx context.Context, merchant domain.Merchant, action string, entityType string, entityID string, detail string) {
	actor := actorFrom(ctx)
	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		MerchantID:    merchant.ID,
		StoreGroupID:  merchant.StoreGroupID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	}
}

func (s *Service) publish(ctx context.Context, eventType string, t domain.TransferRequest) {
	ev := events.NewTransferEvent(eventType, t, actorFrom(ctx).Username)
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("failed to publish transfer event",
			zap.String("event_type", eventType),
			zap.String("transfer_id", t.ID),
			zap.Error(err),
		)
	}
}

func (s *Service) reportWarnings(ctx context.Context, merchant domain.Merchant, transferID string, warnings []invoice.Warning) {
	for _, w := range warnings {
		s.logger.Warn("transfer data quality warning",
			zap.String("transfer_id", transferID),
			zap.String("code", w.Code),
			zap.String("detail", w.Detail),
		)
		s.logAudit(ctx, merchant, "data_quality_warning", "transfer", transferID, w.Code+": "+w.Detail)
	}
}
