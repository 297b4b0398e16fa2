package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuilder(t *testing.T) {
	b := NewBuilder("/fleet/v1/")

	assert.Equal(t, "fleet/v1/command/r1", b.Build("command", "r1"))
	assert.Equal(t, "fleet/v1/state/+", b.BuildWildcard("state"))
	assert.Equal(t, "fleet/v1/task/ack/+", b.BuildWildcard("task/ack"))
	assert.Equal(t, "fleet/v1", b.Root())
}

func TestBuilderID(t *testing.T) {
	b := NewBuilder("fleet/v1")

	tests := []struct {
		name    string
		segment string
		topic   string
		want    string
		ok      bool
	}{
		{"plain", "state", "fleet/v1/state/r1", "r1", true},
		{"nested segment", "task/ack", "fleet/v1/task/ack/r7", "r7", true},
		{"other segment", "state", "fleet/v1/register/r1", "", false},
		{"too deep", "state", "fleet/v1/state/r1/extra", "", false},
		{"missing id", "state", "fleet/v1/state/", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := b.ID(tt.segment, tt.topic)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
