package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"checkoutengine/backend/internal/domain"
	"checkoutengine/backend/internal/store"
	"checkoutengine/backend/internal/store/memory"
)

type recordingPublisher struct {
	mu      sync.Mutex
	fail    bool
	topics  []string
	headers []map[string]string
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, _ string, _ []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.topics = append(p.topics, topic)
	p.headers = append(p.headers, headers)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func seedCompletedOrder(t *testing.T, repo *memory.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	checkout, err := repo.CreateCheckout(ctx, domain.Checkout{ShopID: "main-shop", Status: domain.CheckoutProcessing, CreatedAt: now})
	require.NoError(t, err)
	_, err = repo.CompleteCheckout(ctx, store.OrderCompletion{
		Order: domain.ShopOrder{ID: "ord_1", ShopID: "main-shop", CheckoutID: checkout.ID, Total: decimal.NewFromInt(10)},
		Event: domain.OutboxEvent{
			ID: "evt_1", AggregateType: "order", AggregateID: "ord_1", EventType: domain.EventOrderCompleted,
			Payload: []byte(`{"order_id":"ord_1"}`), Status: domain.OutboxPending, CreatedAt: now,
		},
		At: now,
	})
	require.NoError(t, err)
}

func TestOutboxRelayPublishesOnce(t *testing.T) {
	repo := memory.NewSeeded()
	seedCompletedOrder(t, repo)
	pub := &recordingPublisher{}
	relay := NewOutboxRelay(repo, pub, "orders", zap.NewNop(), nil, time.Second)

	sent, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"orders"}, pub.topics)
	assert.Equal(t, "evt_1", pub.headers[0]["event_id"])

	sent, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestOutboxRelayKeepsEventOnFailure(t *testing.T) {
	repo := memory.NewSeeded()
	seedCompletedOrder(t, repo)
	pub := &recordingPublisher{fail: true}
	relay := NewOutboxRelay(repo, pub, "", zap.NewNop(), nil, time.Second)

	sent, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)

	pending, err := repo.FetchPendingOutbox(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "broker down", pending[0].LastError)

	pub.fail = false
	sent, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{domain.EventOrderCompleted}, pub.topics)
}

type fakeExpirer struct {
	mu      sync.Mutex
	expired []string
}

func (e *fakeExpirer) ExpireCheckout(_ context.Context, checkoutID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expired = append(e.expired, checkoutID)
	return nil
}

type countingPurger struct{ calls int }

func (p *countingPurger) PurgeExpired(context.Context) (int, error) {
	p.calls++
	return 0, nil
}

func TestExpirySweeperCancelsOnlyStaleCheckouts(t *testing.T) {
	repo := memory.NewSeeded()
	ctx := context.Background()
	now := time.Now().UTC()

	old := now.Add(-45 * time.Minute)
	recent := now.Add(-5 * time.Minute)
	stale, err := repo.CreateCheckout(ctx, domain.Checkout{ShopID: "main-shop", Status: domain.CheckoutProcessing, ProcessedAt: &old, CreatedAt: old})
	require.NoError(t, err)
	_, err = repo.CreateCheckout(ctx, domain.Checkout{ShopID: "main-shop", Status: domain.CheckoutProcessing, ProcessedAt: &recent, CreatedAt: recent})
	require.NoError(t, err)

	expirer := &fakeExpirer{}
	purger := &countingPurger{}
	sweeper := NewExpirySweeper(repo, repo, expirer, purger, zap.NewNop(), time.Minute)
	sweeper.now = func() time.Time { return now }

	n, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{stale.ID}, expirer.expired)
	assert.Equal(t, 1, purger.calls)
}
