package saga

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestNormalizeDocument(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	doc := bson.M{
		"customer_id": "c-1",
		"count":       int32(3),
		"create-quote": bson.D{
			{Key: "quote_id", Value: "q-1"},
			{Key: "lines", Value: bson.A{
				bson.D{{Key: "sku", Value: "A-1"}, {Key: "qty", Value: int32(2)}},
			}},
		},
		"at": bson.NewDateTimeFromTime(now),
	}

	got := normalizeDocument(doc)

	assert.Equal(t, map[string]any{
		"customer_id": "c-1",
		"count":       int64(3),
		"create-quote": map[string]any{
			"quote_id": "q-1",
			"lines": []any{
				map[string]any{"sku": "A-1", "qty": int64(2)},
			},
		},
		"at": now,
	}, got)

	quoteID, ok := Lookup[string](Context(got), "create-quote", "quote_id")
	assert.True(t, ok)
	assert.Equal(t, "q-1", quoteID)

	assert.Nil(t, normalizeDocument(nil))
}

func TestMongoInstanceRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	inst := &Instance{
		ID:          "inst-1",
		TenantID:    testTenant,
		SagaName:    testSaga,
		Status:      StatusRunning,
		CurrentStep: 2,
		Context:     Context{"a": map[string]any{"id": "a-1"}},
		StartedAt:   now,
		UpdatedAt:   now,
		Version:     4,
	}

	doc := FromInstance(inst)
	assert.Equal(t, "inst-1", doc.ID)
	assert.Equal(t, int64(4), doc.Version)

	back := doc.ToInstance()
	assert.Equal(t, inst.Context, back.Context)
	assert.Equal(t, inst.CurrentStep, back.CurrentStep)

	// The document owns its context.
	doc.Context["a"] = "changed"
	assert.Equal(t, map[string]any{"id": "a-1"}, inst.Context["a"])
}
