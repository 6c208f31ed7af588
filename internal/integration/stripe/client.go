package stripe

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

// MetadataUserKey ключ метаданных сессии с ID пользователя мессенджера
const MetadataUserKey = "telegram_user_id"

// Config конфигурация для клиента Stripe
type Config struct {
	APIKey        string
	WebhookSecret string
	PriceID       string
	SuccessURL    string
	CancelURL     string
}

// SessionCreator часть API Stripe, создающая сессии оплаты
type SessionCreator interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// CheckoutSession созданная сессия оплаты
type CheckoutSession struct {
	ID  string
	URL string
}

// Client создает сессии оплаты подписки в Stripe
type Client struct {
	sessions SessionCreator
	cfg      Config
	log      *logger.Logger
}

// NewClient создает клиент поверх client.API
func NewClient(cfg Config, log *logger.Logger) *Client {
	sc := &client.API{}
	sc.Init(cfg.APIKey, nil)
	return NewClientWithSessions(sc.CheckoutSessions, cfg, log)
}

// NewClientWithSessions создает клиент с заданной реализацией API сессий
func NewClientWithSessions(sessions SessionCreator, cfg Config, log *logger.Logger) *Client {
	return &Client{sessions: sessions, cfg: cfg, log: log}
}

// CreateCheckout создает сессию оплаты подписки для пользователя.
// customerRef переиспользует клиента Stripe, если он уже известен.
func (c *Client) CreateCheckout(ctx context.Context, id domain.UserID, customerRef string) (CheckoutSession, error) {
	uid := strconv.FormatInt(int64(id), 10)
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(c.cfg.SuccessURL),
		CancelURL:         stripe.String(c.cfg.CancelURL),
		ClientReferenceID: stripe.String(uid),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(c.cfg.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{MetadataUserKey: uid},
		},
	}
	params.AddMetadata(MetadataUserKey, uid)
	params.Context = ctx
	if customerRef != "" {
		params.Customer = stripe.String(customerRef)
	}

	sess, err := c.sessions.New(params)
	if err != nil {
		c.log.Errorw("Failed to create Stripe checkout session", "userID", id, "error", err)
		return CheckoutSession{}, wrapStripeError(err)
	}

	c.log.Infow("Stripe checkout session created", "userID", id, "sessionID", sess.ID)
	return CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

func wrapStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return domain.NewExternalServiceError("stripe", string(stripeErr.Code), stripeErr.Msg, stripeErr.HTTPStatusCode, err)
	}
	return domain.NewExternalServiceError("stripe", "request_failed", fmt.Sprintf("stripe request failed: %v", err), 0, err)
}
