package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"fleet/v1/state/r1", "fleet/v1/state/r1", true},
		{"fleet/v1/state/+", "fleet/v1/state/r1", true},
		{"fleet/v1/state/+", "fleet/v1/state/r1/x", false},
		{"fleet/v1/#", "fleet/v1/task/ack/r1", true},
		{"fleet/v1/task/ack/+", "fleet/v1/state/r1", false},
		{"fleet/v1/+/r1", "fleet/v1/estop/r1", true},
		{"$share/orchestrators/fleet/v1/state/+", "fleet/v1/state/r2", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.filter, tt.topic), "%s vs %s", tt.filter, tt.topic)
	}
}

func TestStripShare(t *testing.T) {
	assert.Equal(t, "fleet/v1/state/+", StripShare("$share/orchestrator/fleet/v1/state/+"))
	assert.Equal(t, "fleet/v1/state/+", StripShare("fleet/v1/state/+"))
	assert.Equal(t, "$share/broken", StripShare("$share/broken"))
}

func TestValidateFilter(t *testing.T) {
	assert.NoError(t, ValidateFilter("fleet/v1/state/+"))
	assert.NoError(t, ValidateFilter("fleet/v1/#"))
	assert.NoError(t, ValidateFilter(NewBuilder("fleet/v1").BuildWildcard("task/ack")))
	assert.Error(t, ValidateFilter(""))
	assert.Error(t, ValidateFilter("fleet/#/state"))
	assert.Error(t, ValidateFilter("fleet/v1/state+"))
}
