package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func mustEvent(t *testing.T, tenantID, eventType string, data map[string]interface{}) *Event {
	t.Helper()
	evt, err := NewEvent(tenantID, eventType, "crm", data, NewEventParams{})
	assert.NoError(t, err)
	return evt
}

func TestMatchEventType(t *testing.T) {
	assert.True(t, MatchEventType("lead.created", "lead.created"))
	assert.True(t, MatchEventType("lead.*", "lead.created"))
	assert.True(t, MatchEventType("lead.*", "lead.converted"))
	assert.True(t, MatchEventType("*", "anything.at.all"))
	assert.False(t, MatchEventType("lead.*", "order.created"))
	assert.False(t, MatchEventType("lead.created", "lead.updated"))
}

func TestSubscription_Matches_TenantScoping(t *testing.T) {
	sub, err := NewSubscription("lead.created", "crm", "tenant-A", nil, "")
	assert.NoError(t, err)

	assert.True(t, sub.Matches(mustEvent(t, "tenant-A", "lead.created", nil)))
	// Un tenant nunca observa eventos de otro
	assert.False(t, sub.Matches(mustEvent(t, "tenant-B", "lead.created", nil)))
}

func TestSubscription_Matches_Global(t *testing.T) {
	global, _ := NewSubscription("lead.*", "analytics", "", nil, "")
	assert.True(t, global.IsGlobal())
	assert.True(t, global.Matches(mustEvent(t, "tenant-A", "lead.created", nil)))
	assert.True(t, global.Matches(mustEvent(t, "tenant-B", "lead.converted", nil)))
}

func TestSubscription_Matches_TargetServices(t *testing.T) {
	sub, _ := NewSubscription("lead.created", "crm", "tenant-A", nil, "")

	evt := mustEvent(t, "tenant-A", "lead.created", nil)
	evt.TargetServices = []string{"billing"}

	assert.False(t, sub.Matches(evt))
}

func TestFilter_Matches(t *testing.T) {
	evt := mustEvent(t, "tenant-A", "lead.created", map[string]interface{}{
		"status": "qualified",
		"score":  float64(80),
		"source": map[string]interface{}{"channel": "web"},
	})
	evt.Metadata = map[string]interface{}{"actor": "user-7"}

	assert.True(t, Filter{Field: "data.status", Op: FilterEq, Value: "qualified"}.Matches(evt))
	assert.False(t, Filter{Field: "data.status", Op: FilterEq, Value: "new"}.Matches(evt))
	assert.True(t, Filter{Field: "data.score", Op: FilterEq, Value: 80}.Matches(evt))
	assert.True(t, Filter{Field: "data.source.channel", Op: FilterEq, Value: "web"}.Matches(evt))
	assert.True(t, Filter{Field: "metadata.actor", Op: FilterPrefix, Value: "user-"}.Matches(evt))
	assert.True(t, Filter{Field: "data.status", Op: FilterIn, Value: []interface{}{"new", "qualified"}}.Matches(evt))
	assert.False(t, Filter{Field: "data.status", Op: FilterIn, Value: []interface{}{"new"}}.Matches(evt))
	assert.True(t, Filter{Field: "data.missing", Op: FilterNe, Value: "x"}.Matches(evt))
	assert.False(t, Filter{Field: "data.missing", Op: FilterEq, Value: "x"}.Matches(evt))
}

func TestFilter_Matches_CompositeValues(t *testing.T) {
	evt := mustEvent(t, "tenant-A", "lead.created", map[string]interface{}{
		"tags":   []interface{}{"vip"},
		"labels": map[string]interface{}{"tier": "gold"},
	})

	// Valores slice/map a ambos lados: se comparan en profundidad, sin panic
	assert.NotPanics(t, func() {
		assert.True(t, Filter{Field: "data.tags", Op: FilterEq, Value: []interface{}{"vip"}}.Matches(evt))
		assert.False(t, Filter{Field: "data.tags", Op: FilterEq, Value: []interface{}{"basic"}}.Matches(evt))
		assert.True(t, Filter{Field: "data.labels", Op: FilterEq, Value: map[string]interface{}{"tier": "gold"}}.Matches(evt))
		assert.True(t, Filter{Field: "data.tags", Op: FilterNe, Value: "vip"}.Matches(evt))
		assert.False(t, Filter{Field: "data.tags", Op: FilterIn, Value: []interface{}{"vip"}}.Matches(evt))
	})

	sub, _ := NewSubscription("lead.*", "crm", "tenant-A", []Filter{
		{Field: "data.tags", Op: FilterEq, Value: []interface{}{"vip"}},
	}, "")
	assert.NotPanics(t, func() {
		assert.True(t, sub.Matches(evt))
	})
}

func TestSubscription_Matches_WithFilters(t *testing.T) {
	sub, _ := NewSubscription("lead.*", "crm", "tenant-A", []Filter{
		{Field: "data.status", Op: FilterEq, Value: "qualified"},
	}, "")

	match := mustEvent(t, "tenant-A", "lead.created", map[string]interface{}{"status": "qualified"})
	noMatch := mustEvent(t, "tenant-A", "lead.created", map[string]interface{}{"status": "new"})

	assert.True(t, sub.Matches(match))
	assert.False(t, sub.Matches(noMatch))
}

func TestNewSubscription_Validation(t *testing.T) {
	_, err := NewSubscription("", "crm", "", nil, "")
	assert.ErrorIs(t, err, ErrInvalidSubscription)

	_, err = NewSubscription("lead.created", "", "", nil, "")
	assert.ErrorIs(t, err, ErrInvalidSubscription)
}
