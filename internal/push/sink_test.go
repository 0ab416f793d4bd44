package push

import (
	"context"
	"testing"

	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buzzworker/internal/errors"
)

type recordingSender struct {
	messages []string
	params   []types.Params
	errs     []error
}

func (s *recordingSender) Send(message string, params *types.Params) []error {
	s.messages = append(s.messages, message)
	s.params = append(s.params, *params)
	return s.errs
}

func TestShoutrrrSinkDeliver(t *testing.T) {
	rs := &recordingSender{errs: []error{nil}}
	sink := &ShoutrrrSink{sender: rs}

	n := Notification{Title: "Job done", Options: NotificationOptions{Body: "Build #42 passed", Data: map[string]any{"url": "https://ci.example/jobs/42"}}}
	require.NoError(t, sink.Deliver(context.Background(), n))

	assert.Equal(t, []string{"Build #42 passed\nhttps://ci.example/jobs/42"}, rs.messages)
	assert.Equal(t, "Job done", rs.params[0]["title"])
}

func TestShoutrrrSinkErrors(t *testing.T) {
	rs := &recordingSender{errs: []error{nil, errors.New("ntfy: 403")}}
	sink := &ShoutrrrSink{sender: rs}
	err := sink.Deliver(context.Background(), Notification{Title: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ntfy: 403")
}

func TestSinkMessageFallsBackToTitle(t *testing.T) {
	assert.Equal(t, "Buzzthing", sinkMessage(Notification{Title: "Buzzthing"}))
}

func TestNewShoutrrrSinkNeedsURL(t *testing.T) {
	_, err := NewShoutrrrSink()
	assert.Error(t, err)
	_, err = NewShoutrrrSink("definitely-not-a-service://x")
	assert.Error(t, err)
}
