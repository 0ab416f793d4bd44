package push

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buzzworker/internal/errors"
)

func TestResolveNotification(t *testing.T) {
	const title, icon = "Buzzthing", "/icon-192x192.png"

	tests := []struct {
		name     string
		payload  string
		title    string
		opts     NotificationOptions
		parseErr bool
	}{
		{
			name:    "full object",
			payload: `{"title":"Job done","body":"Build #42 passed","icon":"/ok.png","data":{"url":"/jobs/42"}}`,
			title:   "Job done",
			opts:    NotificationOptions{Body: "Build #42 passed", Icon: "/ok.png", Data: map[string]any{"url": "/jobs/42"}},
		},
		{
			name:    "defaults for missing fields",
			payload: `{"body":"hi"}`,
			title:   title,
			opts:    NotificationOptions{Body: "hi", Icon: icon},
		},
		{
			name:     "plain text",
			payload:  "Your job finished",
			title:    title,
			opts:     NotificationOptions{Body: "Your job finished", Icon: icon},
			parseErr: true,
		},
		{
			name:     "json array is not an object",
			payload:  `["a"]`,
			title:    title,
			opts:     NotificationOptions{Body: `["a"]`, Icon: icon},
			parseErr: true,
		},
		{
			name:     "json null",
			payload:  `null`,
			title:    title,
			opts:     NotificationOptions{Body: "null", Icon: icon},
			parseErr: true,
		},
		{
			name:  "no payload",
			title: title,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var data []byte
			if tt.payload != "" {
				data = []byte(tt.payload)
			}
			gotTitle, gotOpts, err := ResolveNotification(data, title, icon)
			assert.Equal(t, tt.title, gotTitle)
			assert.Equal(t, tt.opts, gotOpts)
			if tt.parseErr {
				assert.True(t, errors.Is(err, errors.ErrPayloadParse))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDispatchPushShowsNotification(t *testing.T) {
	scope := &fakeScope{}
	r := NewRouter(scope, RouterConfig{}, nil, NewMetrics(nil))

	require.NoError(t, r.DispatchPush(context.Background(), []byte("plain text")))
	require.NoError(t, r.DispatchPush(context.Background(), nil))

	got := scope.Shown()
	require.Len(t, got, 2)
	assert.Equal(t, shown{"Buzzthing", NotificationOptions{Body: "plain text", Icon: "/icon-192x192.png"}}, got[0])
	assert.Equal(t, shown{"Buzzthing", NotificationOptions{}}, got[1])
}

func TestDispatchPushSurvivesPanics(t *testing.T) {
	scope := &fakeScope{onShow: func() { panic("renderer crashed") }}
	r := NewRouter(scope, RouterConfig{}, nil, nil)

	err := r.DispatchPush(context.Background(), []byte(`{"title":"x"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "renderer crashed")
}

func TestNotificationClickFocusesExistingWindow(t *testing.T) {
	first, second := &fakeClient{id: "a"}, &fakeClient{id: "b"}
	scope := &fakeScope{clients: []Client{first, second}}
	r := NewRouter(scope, RouterConfig{}, nil, nil)

	n := Notification{ID: "n1", Title: "Job done", Options: NotificationOptions{Data: map[string]any{"url": "/jobs/42"}}}
	require.NoError(t, r.DispatchClick(context.Background(), n))

	assert.Equal(t, []string{"n1"}, scope.closed)
	assert.Equal(t, 1, first.focused)
	assert.Equal(t, []string{"/jobs/42"}, first.navigated)
	assert.Zero(t, second.focused, "only the first window is used")
	assert.Empty(t, scope.opened)
}

func TestNotificationClickOpensWindow(t *testing.T) {
	scope := &fakeScope{}
	r := NewRouter(scope, RouterConfig{}, nil, nil)

	require.NoError(t, r.DispatchClick(context.Background(), Notification{ID: "n2"}))
	assert.Equal(t, []string{"n2"}, scope.closed)
	assert.Equal(t, []string{"/"}, scope.opened, "no data.url targets the app root")
}

func TestTargetURL(t *testing.T) {
	assert.Equal(t, "/", Notification{}.TargetURL())
	assert.Equal(t, "/", Notification{Options: NotificationOptions{Data: map[string]any{"url": 42}}}.TargetURL())
	assert.Equal(t, "/x", Notification{Options: NotificationOptions{Data: map[string]any{"url": "/x"}}}.TargetURL())
}
