package mode

import (
	"testing"

	"github.com/skalibog/mtabot/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestEvaluateTransitions(t *testing.T) {
	c := NewController(10)
	assert.Equal(t, models.ModeFullTrading, c.Mode())

	tests := []struct {
		balance float64
		mode    models.Mode
		changed bool
	}{
		{50, models.ModeFullTrading, true},
		{10, models.ModeFullTrading, false},
		{9.99, models.ModeManagementOnly, true},
		{5, models.ModeManagementOnly, false},
		{12, models.ModeFullTrading, true},
	}
	for _, tt := range tests {
		mode, changed := c.Evaluate(tt.balance)
		assert.Equal(t, tt.mode, mode, "balance %v", tt.balance)
		assert.Equal(t, tt.changed, changed, "balance %v", tt.balance)
	}
	assert.Equal(t, 12.0, c.Balance())
}

func TestSubscriptionsFollowMode(t *testing.T) {
	c := NewController(0)
	watched := []string{"BTCUSDT", "ETHUSDT"}
	open := []string{"ETHUSDT"}

	c.Evaluate(100)
	assert.True(t, c.CanEnter())
	assert.Equal(t, watched, c.Subscriptions(watched, open))

	c.Evaluate(1)
	assert.False(t, c.CanEnter())
	assert.Equal(t, open, c.Subscriptions(watched, open))

	c.Evaluate(100)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, c.Subscriptions(watched, []string{"SOLUSDT", "BTCUSDT"}))
}
