package push

import (
	"context"
	"sync"
)

type shown struct {
	Title   string
	Options NotificationOptions
}

type fakeClient struct {
	id string

	mu        sync.Mutex
	focused   int
	navigated []string
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Focus(context.Context) error {
	c.mu.Lock()
	c.focused++
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Navigate(_ context.Context, url string) error {
	c.mu.Lock()
	c.navigated = append(c.navigated, url)
	c.mu.Unlock()
	return nil
}

type fakeScope struct {
	mu      sync.Mutex
	shown   []shown
	closed  []string
	opened  []string
	clients []Client
	showErr error
	onShow  func()
}

func (s *fakeScope) ShowNotification(_ context.Context, title string, opts NotificationOptions) error {
	if s.onShow != nil {
		s.onShow()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shown = append(s.shown, shown{title, opts})
	return s.showErr
}

func (s *fakeScope) CloseNotification(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, id)
	return nil
}

func (s *fakeScope) MatchClients(_ context.Context, t ClientType) ([]Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients, nil
}

func (s *fakeScope) OpenWindow(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, url)
	return nil
}

func (s *fakeScope) Shown() []shown {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]shown(nil), s.shown...)
}
