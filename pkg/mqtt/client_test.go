package mqtt

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/robopeer/pkg/log"
)

func newTestClient(t *testing.T) *pahoClient {
	t.Helper()
	c, err := NewClient(&ClientConfig{BrokerURL: "tcp://localhost:1883", ClientID: "rpeer-test", Logger: log.NewNopLogger()})
	require.NoError(t, err)
	return c.(*pahoClient)
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(nil)
	require.Error(t, err)

	_, err = NewClient(&ClientConfig{BrokerURL: "localhost"})
	require.Error(t, err)

	_, err = NewClient(&ClientConfig{BrokerURL: "tcp://localhost:1883", WillTopic: "fleet/v1/state/+"})
	require.Error(t, err)

	_, err = NewClient(&ClientConfig{BrokerURL: "tcp://localhost:1883", WillQoS: 3})
	require.Error(t, err)

	c := newTestClient(t)
	assert.False(t, c.IsConnected())
	assert.Equal(t, 3*time.Second, c.cfg.ReconnectDelay)
	assert.EqualValues(t, 60, c.cfg.KeepAlive)
}

func TestDefaultClientID(t *testing.T) {
	c, err := NewClient(&ClientConfig{BrokerURL: "tcp://localhost:1883", ClientIDPrefix: "robot-sim", Logger: log.NewNopLogger()})
	require.NoError(t, err)
	id := c.(*pahoClient).cfg.ClientID
	assert.True(t, strings.HasPrefix(id, "robot-sim-"), id)
	assert.NotEqual(t, id, defaultClientID("robot-sim"))
	assert.True(t, strings.HasPrefix(defaultClientID(""), "rpeer-"))
}

func TestOperationsBeforeStart(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	assert.ErrorIs(t, c.Publish(ctx, "fleet/v1/command/r1", AtLeastOnce, false, nil), ErrNotStarted)
	assert.ErrorIs(t, c.Subscribe(ctx, "fleet/v1/state/+", AtLeastOnce, nil), ErrNotStarted)
	assert.ErrorIs(t, c.Unsubscribe(ctx, "fleet/v1/state/+"), ErrNotStarted)
	assert.ErrorIs(t, c.AwaitConnection(ctx), ErrNotStarted)
	c.Disconnect(ctx)
}

func TestDispatchMatchesFilters(t *testing.T) {
	c := newTestClient(t)

	got := make(chan string, 4)
	record := func(ctx context.Context, topic string, _ []byte) {
		assert.NotNil(t, log.FromContext(ctx))
		got <- topic
	}
	c.subs["fleet/v1/state/+"] = subscription{filter: "fleet/v1/state/+", qos: AtMostOnce, handler: record}
	c.subs["fleet/v1/#"] = subscription{filter: "fleet/v1/#", qos: AtLeastOnce, handler: record}
	c.subs["fleet/v1/task/ack/+"] = subscription{
		filter:  "fleet/v1/task/ack/+",
		handler: func(context.Context, string, []byte) { panic("bad payload") },
	}

	assert.Equal(t, 2, c.dispatch("fleet/v1/state/r1", []byte("{}")))
	for i := 0; i < 2; i++ {
		select {
		case topic := <-got:
			assert.Equal(t, "fleet/v1/state/r1", topic)
		case <-time.After(time.Second):
			t.Fatal("handler not invoked")
		}
	}

	// A panicking handler is recovered.
	assert.Equal(t, 2, c.dispatch("fleet/v1/task/ack/r1", nil))
	assert.Equal(t, 0, c.dispatch("other/topic", nil))
}

func TestValidQoS(t *testing.T) {
	assert.True(t, ValidQoS(AtMostOnce))
	assert.True(t, ValidQoS(ExactlyOnce))
	assert.False(t, ValidQoS(-1))
	assert.False(t, ValidQoS(3))
}
