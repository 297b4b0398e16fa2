package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ping struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

func TestJSONHandler(t *testing.T) {
	var got *ping
	var gotTopic string
	h := JSONHandler(func(_ context.Context, topic string, msg *ping) error {
		got, gotTopic = msg, topic
		return nil
	})

	require.NoError(t, h(context.Background(), "fleet/v1/state/r1", []byte(`{"id":"a","count":2,"extra":true}`)))
	assert.Equal(t, &ping{ID: "a", Count: 2}, got)
	assert.Equal(t, "fleet/v1/state/r1", gotTopic)

	err := h(context.Background(), "fleet/v1/state/r1", []byte(`{"id":`))
	assert.ErrorContains(t, err, "json unmarshal failed")
}
