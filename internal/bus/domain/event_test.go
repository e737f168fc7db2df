package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewEvent_Defaults(t *testing.T) {
	evt, err := NewEvent("tenant-1", "lead.created", "crm", map[string]interface{}{"lead_id": "lead-42"}, NewEventParams{})
	assert.NoError(t, err)
	assert.NotEqual(t, "", evt.ID.String())
	assert.Equal(t, 1, evt.EventVersion)
	assert.Equal(t, PriorityNormal, evt.Priority)
	assert.Equal(t, CategoryBusiness, evt.Category)
	assert.Equal(t, StatusPending, evt.Status)
	assert.Equal(t, DefaultMaxRetries, evt.MaxRetries)
	assert.False(t, evt.OccurredAt.IsZero())
}

func TestNewEvent_RequiresTenant(t *testing.T) {
	_, err := NewEvent("", "lead.created", "crm", nil, NewEventParams{})
	assert.ErrorIs(t, err, ErrTenantRequired)
}

func TestNewEvent_RequiresType(t *testing.T) {
	_, err := NewEvent("tenant-1", "", "crm", nil, NewEventParams{})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestEvent_MarkPublished_Idempotent(t *testing.T) {
	evt, _ := NewEvent("tenant-1", "lead.created", "crm", nil, NewEventParams{})

	first := time.Now().UTC()
	evt.MarkPublished(first)
	evt.MarkPublished(first.Add(time.Hour)) // segunda llamada no cambia nada

	assert.Equal(t, StatusPublished, evt.Status)
	assert.Equal(t, first, *evt.PublishedAt)
}

func TestEvent_RegisterFailure_BoundedRetries(t *testing.T) {
	evt, _ := NewEvent("tenant-1", "lead.created", "crm", nil, NewEventParams{MaxRetries: 3})

	evt.RegisterFailure()
	assert.Equal(t, StatusRetrying, evt.Status)
	assert.True(t, evt.CanRetry())

	evt.RegisterFailure()
	evt.RegisterFailure()
	assert.Equal(t, StatusFailed, evt.Status)
	assert.False(t, evt.CanRetry())
	assert.Equal(t, 3, evt.RetryCount)
}

func TestEvent_IsTargetedAt(t *testing.T) {
	broadcast, _ := NewEvent("tenant-1", "lead.created", "crm", nil, NewEventParams{})
	assert.True(t, broadcast.IsTargetedAt("ai-agents"))

	targeted, _ := NewEvent("tenant-1", "lead.created", "crm", nil, NewEventParams{
		TargetServices: []string{"billing"},
	})
	assert.True(t, targeted.IsTargetedAt("billing"))
	assert.False(t, targeted.IsTargetedAt("ai-agents"))
}

func TestEvent_EncodeDecode(t *testing.T) {
	evt, _ := NewEvent("tenant-1", "lead.created", "crm", map[string]interface{}{"lead_id": "lead-42"}, NewEventParams{
		AggregateID:   "lead-42",
		AggregateType: "lead",
		CorrelationID: "wf-1",
	})

	raw, err := evt.Encode()
	assert.NoError(t, err)

	decoded, err := DecodeEvent(raw)
	assert.NoError(t, err)
	assert.Equal(t, evt.ID, decoded.ID)
	assert.Equal(t, evt.TenantID, decoded.TenantID)
	assert.Equal(t, "lead-42", decoded.Data["lead_id"])
}

func TestDecodeEvent_RejectsMissingTenant(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"event_id":"9e2e7b2a-0000-0000-0000-000000000000","event_type":"x"}`))
	assert.ErrorIs(t, err, ErrTenantRequired)
}

func TestStreamKeys(t *testing.T) {
	evt, _ := NewEvent("tenant-1", "lead.created", "crm", nil, NewEventParams{})
	assert.Equal(t, "events:tenant-1", evt.StreamKey("events"))
	assert.Equal(t, "events:all", FirehoseKey("events"))
	assert.Equal(t, "events:dlq", DeadLetterKey("events"))
}
