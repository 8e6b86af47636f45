package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recipe-engagement/internal/domain"
	"recipe-engagement/internal/infra/metrics"
)

type published struct {
	topic   string
	payload []byte
}

type fakeBroadcaster struct {
	sent []published
	err  error
}

func (f *fakeBroadcaster) Publish(_ context.Context, topic string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{topic: topic, payload: payload})
	return nil
}

func TestPublishSendsSnapshot(t *testing.T) {
	b := &fakeBroadcaster{}
	svc := NewService(b, "", zerolog.Nop())
	recipe := domain.RecipeAggregate{ID: uuid.New(), Slug: "borscht", ViewCount: 3, RatingCount: 2, RatingSum: 9}

	svc.Publish(context.Background(), recipe)

	require.Len(t, b.sent, 1)
	assert.Equal(t, domain.TopicRecipeUpdated, b.sent[0].topic)

	var msg domain.RecipeUpdatedMessage
	require.NoError(t, json.Unmarshal(b.sent[0].payload, &msg))
	assert.Equal(t, domain.TopicRecipeUpdated, msg.Type)
	assert.Equal(t, recipe.ID, msg.Recipe.ID)
	assert.Equal(t, int64(3), msg.Recipe.ViewCount)
	assert.InDelta(t, 4.5, msg.AverageRating, 1e-9)
}

func TestPublishUsesConfiguredTopic(t *testing.T) {
	b := &fakeBroadcaster{}
	svc := NewService(b, "recipes.custom", zerolog.Nop())

	svc.Publish(context.Background(), domain.RecipeAggregate{ID: uuid.New()})

	require.Len(t, b.sent, 1)
	assert.Equal(t, "recipes.custom", b.sent[0].topic)
}

func TestPublishSwallowsFailure(t *testing.T) {
	before := testutil.ToFloat64(metrics.NotifyFailures)
	svc := NewService(&fakeBroadcaster{err: errors.New("broker down")}, "", zerolog.Nop())

	assert.NotPanics(t, func() {
		svc.Publish(context.Background(), domain.RecipeAggregate{ID: uuid.New()})
	})
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.NotifyFailures))
}
