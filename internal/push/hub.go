package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"buzzworker/internal/errors"
	"buzzworker/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 32
)

// Messages exchanged with window clients.
const (
	msgNotification      = "notification"
	msgClose             = "close"
	msgFocus             = "focus"
	msgNavigate          = "navigate"
	msgNotificationClick = "notificationclick"
	msgNotificationClose = "notificationclose"
	msgSkipWaiting       = "skip-waiting"
	msgNeedRefresh       = "need-refresh"
)

type hubMessage struct {
	Type         string        `json:"type"`
	ID           string        `json:"id,omitempty"`
	URL          string        `json:"url,omitempty"`
	Version      string        `json:"version,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

type HubConfig struct {
	// BaseURL resolves relative notification targets for the opener.
	BaseURL string
	// OpenCommand is run with the target URL appended when no window
	// client is connected, e.g. ["xdg-open"].
	OpenCommand []string
	Sinks       []Sink
}

// Hub is the worker's scope on the host: connected WebSocket pages are its
// window clients, notifications are broadcast to them and to sinks.
type Hub struct {
	cfg      HubConfig
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients []*wsClient // connection order
	shown   map[string]Notification
	// pendingUpdate is replayed to pages that connect while a new worker
	// version waits.
	pendingUpdate []byte

	clickMu       sync.RWMutex
	onClick       func(ctx context.Context, n Notification) error
	onSkipWaiting func(ctx context.Context) error

	wg sync.WaitGroup
}

func NewHub(cfg HubConfig, log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		cfg:      cfg,
		log:      log,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		shown:    map[string]Notification{},
	}
}

// OnClick sets the handler for notificationclick messages from clients.
func (h *Hub) OnClick(fn func(ctx context.Context, n Notification) error) {
	h.clickMu.Lock()
	h.onClick = fn
	h.clickMu.Unlock()
}

// OnSkipWaiting sets the handler for skip-waiting messages from clients.
func (h *Hub) OnSkipWaiting(fn func(ctx context.Context) error) {
	h.clickMu.Lock()
	h.onSkipWaiting = fn
	h.clickMu.Unlock()
}

// BroadcastUpdate tells every page about a worker lifecycle event such as
// offline-ready or need-refresh.
func (h *Hub) BroadcastUpdate(event, version string) {
	msg := hubMessage{Type: event, Version: version}
	b, err := json.Marshal(msg)
	if err != nil {
		h.log.Warnw("encode client message", logger.FieldError, err)
		return
	}
	h.mu.Lock()
	if event == msgNeedRefresh {
		h.pendingUpdate = b
	} else {
		h.pendingUpdate = nil
	}
	h.mu.Unlock()
	h.broadcast(msg)
}

func (h *Hub) ShowNotification(ctx context.Context, title string, opts NotificationOptions) error {
	n := Notification{ID: uuid.NewString(), Title: title, Options: opts}
	h.mu.Lock()
	h.shown[n.ID] = n
	h.mu.Unlock()

	h.broadcast(hubMessage{Type: msgNotification, Notification: &n})

	var errs []error
	for _, s := range h.cfg.Sinks {
		if err := s.Deliver(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return errors.Wrapf(err, "deliver notification %s", n.ID)
	}
	h.log.Debugw("notification shown", logger.FieldNotificationID, n.ID, logger.FieldTitle, title)
	return nil
}

func (h *Hub) CloseNotification(_ context.Context, id string) error {
	h.mu.Lock()
	_, ok := h.shown[id]
	delete(h.shown, id)
	h.mu.Unlock()
	if ok {
		h.broadcast(hubMessage{Type: msgClose, ID: id})
	}
	return nil
}

// Shown returns the notification with id if it is still displayed.
func (h *Hub) Shown(id string) (Notification, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.shown[id]
	return n, ok
}

// MatchClients lists connected pages in connection order. Every page is a
// window client.
func (h *Hub) MatchClients(_ context.Context, t ClientType) ([]Client, error) {
	if t != ClientWindow {
		return nil, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out, nil
}

func (h *Hub) OpenWindow(ctx context.Context, target string) error {
	if len(h.cfg.OpenCommand) == 0 {
		return errors.Newf("no window opener configured for %s", target)
	}
	abs, err := h.resolve(target)
	if err != nil {
		return err
	}
	args := append(append([]string{}, h.cfg.OpenCommand[1:]...), abs)
	cmd := exec.CommandContext(context.WithoutCancel(ctx), h.cfg.OpenCommand[0], args...)
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "open window %s", abs)
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := cmd.Wait(); err != nil {
			h.log.Warnw("window opener exited", logger.FieldURL, abs, logger.FieldError, err)
		}
	}()
	h.log.Infow("opened window", logger.FieldURL, abs)
	return nil
}

func (h *Hub) resolve(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", errors.Wrapf(err, "parse target %q", target)
	}
	if u.IsAbs() || h.cfg.BaseURL == "" {
		return u.String(), nil
	}
	base, err := url.Parse(h.cfg.BaseURL)
	if err != nil {
		return "", errors.Wrapf(err, "parse base url %q", h.cfg.BaseURL)
	}
	return base.ResolveReference(u).String(), nil
}

// ServeHTTP upgrades a page to a window client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugw("websocket upgrade failed", logger.FieldError, err)
		return
	}
	c := &wsClient{id: uuid.NewString(), hub: h, conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	h.mu.Lock()
	h.clients = append(h.clients, c)
	if h.pendingUpdate != nil {
		c.trySend(h.pendingUpdate)
	}
	h.mu.Unlock()
	h.log.Debugw("client connected", logger.FieldClientID, c.id)

	h.wg.Add(2)
	go func() { defer h.wg.Done(); c.writePump() }()
	go func() { defer h.wg.Done(); c.readPump() }()
}

// Close disconnects every client and waits for their pumps and openers.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = nil
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	h.wg.Wait()
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, x := range h.clients {
		if x == c {
			h.clients = append(h.clients[:i], h.clients[i+1:]...)
			break
		}
	}
}

func (h *Hub) broadcast(msg hubMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		h.log.Warnw("encode client message", logger.FieldError, err)
		return
	}
	h.mu.Lock()
	clients := append([]*wsClient(nil), h.clients...)
	h.mu.Unlock()
	for _, c := range clients {
		if !c.trySend(b) {
			h.log.Warnw("client send buffer full, dropping message", logger.FieldClientID, c.id, logger.FieldType, msg.Type)
		}
	}
}

func (h *Hub) handleClientMessage(c *wsClient, msg hubMessage) {
	switch msg.Type {
	case msgNotificationClick:
		n, ok := h.Shown(msg.ID)
		if !ok {
			h.log.Debugw("click on unknown notification", logger.FieldClientID, c.id, logger.FieldNotificationID, msg.ID)
			return
		}
		h.clickMu.RLock()
		fn := h.onClick
		h.clickMu.RUnlock()
		if fn == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := fn(ctx, n); err != nil {
			h.log.Warnw("notification click failed", logger.FieldNotificationID, n.ID, logger.FieldError, err)
		}
	case msgNotificationClose:
		_ = h.CloseNotification(context.Background(), msg.ID)
	case msgSkipWaiting:
		h.clickMu.RLock()
		fn := h.onSkipWaiting
		h.clickMu.RUnlock()
		if fn == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := fn(ctx); err != nil {
			h.log.Warnw("skip waiting failed", logger.FieldClientID, c.id, logger.FieldError, err)
		}
	default:
		h.log.Debugw("unknown client message", logger.FieldClientID, c.id, logger.FieldType, msg.Type)
	}
}

type wsClient struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Focus(ctx context.Context) error {
	return c.deliver(ctx, hubMessage{Type: msgFocus})
}

func (c *wsClient) Navigate(ctx context.Context, target string) error {
	return c.deliver(ctx, hubMessage{Type: msgNavigate, URL: target})
}

func (c *wsClient) deliver(ctx context.Context, msg hubMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return errors.Newf("client %s disconnected", c.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsClient) trySend(b []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.close()
		c.hub.log.Debugw("client disconnected", logger.FieldClientID, c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.hub.log.Warnw("websocket read error", logger.FieldClientID, c.id, logger.FieldError, err)
			}
			return
		}
		var msg hubMessage
		if err := json.Unmarshal(b, &msg); err != nil {
			c.hub.log.Debugw("bad client message", logger.FieldClientID, c.id, logger.FieldError, err)
			continue
		}
		c.hub.handleClientMessage(c, msg)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
