package push

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buzzworker/internal/errors"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestMQTTMessageBecomesPush(t *testing.T) {
	scope := &fakeScope{}
	ch := NewMQTTChannel(MQTTConfig{Broker: "tcp://localhost:1883", Topic: "buzz/push", ClientID: "test"},
		NewRouter(scope, RouterConfig{}, nil, nil), nil)
	defer ch.Close()

	ch.handleMessage(nil, fakeMessage{topic: "buzz/push", payload: []byte(`{"title":"Deploy finished","body":"prod is green"}`)})

	require.Eventually(t, func() bool { return len(scope.Shown()) == 1 }, 5*time.Second, 10*time.Millisecond)
	got := scope.Shown()[0]
	assert.Equal(t, "Deploy finished", got.Title)
	assert.Equal(t, "prod is green", got.Options.Body)
}

type fakeToken struct {
	done    chan struct{}
	err     error
	settled bool
}

func newFakeToken(settled bool, err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err, settled: settled}
	if settled {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool                     { return t.settled }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return t.settled }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

func TestTokenResult(t *testing.T) {
	assert.NoError(t, tokenResult(newFakeToken(true, nil), time.Second))
	assert.EqualError(t, tokenResult(newFakeToken(true, errors.New("not authorized")), time.Second), "not authorized")
	assert.Error(t, tokenResult(newFakeToken(false, nil), time.Second), "a wait that runs out is not a subscription")
}

func TestMQTTStartWithBrokerDown(t *testing.T) {
	ch := NewMQTTChannel(MQTTConfig{Broker: "tcp://127.0.0.1:1", Topic: "buzz/push", ClientID: "test"},
		NewRouter(&fakeScope{}, RouterConfig{}, nil, nil), nil)
	ch.firstConnectWait = 50 * time.Millisecond
	ch.retryEvery = 20 * time.Millisecond

	start := time.Now()
	require.NoError(t, ch.Start(context.Background()), "an unreachable broker is retried, not fatal")
	assert.Less(t, time.Since(start), 5*time.Second)
	ch.Close()
}
