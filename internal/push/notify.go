package push

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"buzzworker/internal/errors"
	"buzzworker/internal/logger"
)

// NotificationOptions mirrors the options bag handed to showNotification.
type NotificationOptions struct {
	Body string         `json:"body,omitempty"`
	Icon string         `json:"icon,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Notification is one displayed notification.
type Notification struct {
	ID      string              `json:"id"`
	Title   string              `json:"title"`
	Options NotificationOptions `json:"options"`
}

// TargetURL is where a click on n should lead: data.url when it is a
// non-empty string, the app root otherwise.
func (n Notification) TargetURL() string {
	if u, ok := n.Options.Data["url"].(string); ok && u != "" {
		return u
	}
	return "/"
}

type ClientType string

const ClientWindow ClientType = "window"

// Client is a page controlled by the worker.
type Client interface {
	ID() string
	Focus(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
}

// Scope is what notification handlers can reach from inside the worker.
type Scope interface {
	ShowNotification(ctx context.Context, title string, opts NotificationOptions) error
	CloseNotification(ctx context.Context, id string) error
	MatchClients(ctx context.Context, t ClientType) ([]Client, error)
	OpenWindow(ctx context.Context, url string) error
}

type RouterConfig struct {
	DefaultTitle string
	DefaultIcon  string
}

// Router turns push and notificationclick events into scope calls.
type Router struct {
	scope   Scope
	cfg     RouterConfig
	log     *zap.SugaredLogger
	metrics *Metrics
}

func NewRouter(scope Scope, cfg RouterConfig, log *zap.SugaredLogger, metrics *Metrics) *Router {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.DefaultTitle == "" {
		cfg.DefaultTitle = "Buzzthing"
	}
	if cfg.DefaultIcon == "" {
		cfg.DefaultIcon = "/icon-192x192.png"
	}
	return &Router{scope: scope, cfg: cfg, log: log, metrics: metrics}
}

type payload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Icon  string         `json:"icon"`
	Data  map[string]any `json:"data"`
}

// ResolveNotification builds title and options for a push payload. An empty
// payload gives the default title and no options. A payload that is not a
// JSON object becomes the body text under the default icon; the returned
// error is then marked ErrPayloadParse and the notification is still usable.
func ResolveNotification(data []byte, defaultTitle, defaultIcon string) (string, NotificationOptions, error) {
	if len(data) == 0 {
		return defaultTitle, NotificationOptions{}, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		if err == nil {
			err = errors.New("payload is not a JSON object")
		}
		return defaultTitle, NotificationOptions{Body: string(data), Icon: defaultIcon},
			errors.Mark(errors.Wrap(err, "parse push payload"), errors.ErrPayloadParse)
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		// Object with mistyped fields: keep what the text says.
		return defaultTitle, NotificationOptions{Body: string(data), Icon: defaultIcon},
			errors.Mark(errors.Wrap(err, "parse push payload"), errors.ErrPayloadParse)
	}
	title := p.Title
	if title == "" {
		title = defaultTitle
	}
	icon := p.Icon
	if icon == "" {
		icon = defaultIcon
	}
	return title, NotificationOptions{Body: p.Body, Icon: icon, Data: p.Data}, nil
}

// OnPush registers display of the payload's notification with ev.
func (r *Router) OnPush(ev *Event, data []byte) {
	title, opts, err := ResolveNotification(data, r.cfg.DefaultTitle, r.cfg.DefaultIcon)
	if err != nil {
		r.log.Debugw("push payload is not JSON, showing as text", logger.FieldError, err)
	}
	ev.WaitUntil(func(ctx context.Context) error {
		return r.scope.ShowNotification(ctx, title, opts)
	})
}

// OnNotificationClick closes n, then focuses the first window client and
// navigates it to the target, or opens a new window when none exists.
func (r *Router) OnNotificationClick(ev *Event, n Notification) {
	if err := r.scope.CloseNotification(ev.Context(), n.ID); err != nil {
		r.log.Debugw("close notification failed", logger.FieldNotificationID, n.ID, logger.FieldError, err)
	}
	target := n.TargetURL()
	ev.WaitUntil(func(ctx context.Context) error {
		clients, err := r.scope.MatchClients(ctx, ClientWindow)
		if err != nil {
			return errors.Wrap(err, "match window clients")
		}
		if len(clients) == 0 {
			return r.scope.OpenWindow(ctx, target)
		}
		c := clients[0]
		return errors.Join(c.Focus(ctx), c.Navigate(ctx, target))
	})
}

// DispatchPush runs a push event to completion.
func (r *Router) DispatchPush(ctx context.Context, data []byte) error {
	ev := NewEvent(ctx)
	r.OnPush(ev, data)
	return r.settle(ev, "push")
}

// DispatchClick runs a notificationclick event to completion.
func (r *Router) DispatchClick(ctx context.Context, n Notification) error {
	ev := NewEvent(ctx)
	r.OnNotificationClick(ev, n)
	return r.settle(ev, "notificationclick")
}

func (r *Router) settle(ev *Event, kind string) error {
	start := time.Now()
	err := ev.Wait()
	r.metrics.observe(kind, err)
	if err != nil {
		r.log.Warnw("event settled with error", logger.FieldEvent, kind, logger.FieldError, err)
		return err
	}
	r.log.Debugw("event settled", logger.FieldEvent, kind, logger.FieldDurationMS, time.Since(start).Milliseconds())
	return nil
}
