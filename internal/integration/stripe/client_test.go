package stripe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"

	"github.com/Dhoini/premium-gate/internal/domain"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

type fakeSessions struct {
	params *stripe.CheckoutSessionParams
	err    error
}

func (f *fakeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1"}, nil
}

func testConfig() Config {
	return Config{
		PriceID:    "price_premium",
		SuccessURL: "https://t.me/bot?start=paid",
		CancelURL:  "https://t.me/bot",
	}
}

func TestClient_CreateCheckout(t *testing.T) {
	sessions := &fakeSessions{}
	c := NewClientWithSessions(sessions, testConfig(), logger.NewNop())

	sess, err := c.CreateCheckout(context.Background(), 42, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", sess.ID)
	assert.NotEmpty(t, sess.URL)

	p := sessions.params
	require.NotNil(t, p)
	assert.Equal(t, "42", *p.ClientReferenceID)
	assert.Equal(t, "cus_1", *p.Customer)
	assert.Equal(t, string(stripe.CheckoutSessionModeSubscription), *p.Mode)
	require.Len(t, p.LineItems, 1)
	assert.Equal(t, "price_premium", *p.LineItems[0].Price)
	assert.Equal(t, "42", p.Metadata[MetadataUserKey])
	assert.Equal(t, "42", p.SubscriptionData.Metadata[MetadataUserKey])
}

func TestClient_CreateCheckoutNewCustomer(t *testing.T) {
	sessions := &fakeSessions{}
	c := NewClientWithSessions(sessions, testConfig(), logger.NewNop())

	_, err := c.CreateCheckout(context.Background(), 7, "")
	require.NoError(t, err)
	assert.Nil(t, sessions.params.Customer)
}

func TestClient_CreateCheckoutFailure(t *testing.T) {
	sessions := &fakeSessions{err: &stripe.Error{Code: stripe.ErrorCodeResourceMissing, Msg: "No such price", HTTPStatusCode: 400}}
	c := NewClientWithSessions(sessions, testConfig(), logger.NewNop())

	_, err := c.CreateCheckout(context.Background(), 42, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExternalProvider)

	var extErr *domain.ExternalServiceError
	require.True(t, errors.As(err, &extErr))
	assert.Equal(t, 400, extErr.StatusCode)
	assert.Equal(t, "stripe", extErr.Service)
}
