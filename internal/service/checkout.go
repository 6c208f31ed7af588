package service

import (
	"context"
	"fmt"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/internal/integration/stripe"
	"github.com/Dhoini/premium-gate/internal/repository"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

// CheckoutProvider платежная система, создающая счет на подписку
type CheckoutProvider interface {
	CreateCheckout(ctx context.Context, id domain.UserID, customerRef string) (stripe.CheckoutSession, error)
}

// CheckoutLock не дает запустить два оформления покупки для одного пользователя
type CheckoutLock interface {
	Acquire(ctx context.Context, id domain.UserID) (bool, error)
	Release(ctx context.Context, id domain.UserID) error
}

// CheckoutResult ссылка на оплату
type CheckoutResult struct {
	SessionID      string `json:"session_id"`
	URL            string `json:"url"`
	AlreadyPremium bool   `json:"already_premium"`
}

// CheckoutService оформление покупки премиума
type CheckoutService interface {
	Buy(ctx context.Context, id domain.UserID) (CheckoutResult, error)
}

type checkoutService struct {
	ledger   repository.Ledger
	provider CheckoutProvider
	lock     CheckoutLock
	log      *logger.Logger
}

// NewCheckoutService создает сервис покупки; lock может быть nil
func NewCheckoutService(ledger repository.Ledger, provider CheckoutProvider, lock CheckoutLock, log *logger.Logger) CheckoutService {
	return &checkoutService{
		ledger:   ledger,
		provider: provider,
		lock:     lock,
		log:      log,
	}
}

// Buy создает счет и записывает его как единственный ожидающий оплаты.
// Новый счет перезаписывает предыдущий: оплата старого уже не сопоставится по счету.
func (s *checkoutService) Buy(ctx context.Context, id domain.UserID) (CheckoutResult, error) {
	if err := s.ledger.Ensure(ctx, id); err != nil {
		return CheckoutResult{}, err
	}
	user, err := s.ledger.Read(ctx, id)
	if err != nil {
		return CheckoutResult{}, err
	}
	if user.IsPremium {
		return CheckoutResult{AlreadyPremium: true}, nil
	}

	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx, id)
		if err != nil {
			// без Redis покупка все равно возможна
			s.log.Warnw("Checkout lock unavailable, continuing without it", "userID", id, "error", err)
		} else if !ok {
			return CheckoutResult{}, domain.ErrCheckoutInProgress
		} else {
			defer func() {
				if err := s.lock.Release(context.WithoutCancel(ctx), id); err != nil {
					s.log.Warnw("Failed to release checkout lock", "userID", id, "error", err)
				}
			}()
		}
	}

	sess, err := s.provider.CreateCheckout(ctx, id, domain.Deref(user.PaymentCustomerRef))
	if err != nil {
		return CheckoutResult{}, err
	}

	if err := s.ledger.SetPendingInvoice(ctx, id, sess.ID); err != nil {
		return CheckoutResult{}, fmt.Errorf("failed to save pending invoice: %w", err)
	}

	s.log.Infow("Checkout started", "userID", id, "sessionID", sess.ID)
	return CheckoutResult{SessionID: sess.ID, URL: sess.URL}, nil
}
