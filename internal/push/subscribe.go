package push

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"buzzworker/internal/errors"
	"buzzworker/internal/logger"
)

type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

type ScriptType string

const (
	ScriptClassic ScriptType = "classic"
	ScriptModule  ScriptType = "module"
)

type SubscribeOptions struct {
	UserVisibleOnly      bool
	ApplicationServerKey []byte
}

type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is the serialized form of a push subscription.
type Subscription struct {
	Endpoint       string           `json:"endpoint"`
	ExpirationTime *int64           `json:"expirationTime"`
	Keys           SubscriptionKeys `json:"keys"`
}

type PushManager interface {
	Subscribe(ctx context.Context, opts SubscribeOptions) (Subscription, error)
}

// Registrar is the page's view of worker registration.
type Registrar interface {
	// Controlled reports whether an active worker already controls the page.
	Controlled(ctx context.Context) bool
	Register(ctx context.Context, scriptURL string, t ScriptType) error
	// Ready waits for an active worker and returns its push manager.
	Ready(ctx context.Context) (PushManager, error)
}

type PermissionRequester interface {
	RequestPermission(ctx context.Context) (Permission, error)
}

// ServerAck is the subscription API's response body, passed through as is.
type ServerAck = json.RawMessage

type ManagerConfig struct {
	APIBase    string
	ScriptURL  string
	ScriptType ScriptType
}

// Manager runs the subscribe flow: ensure a worker, ask for permission,
// subscribe, then report the subscription to the API.
type Manager struct {
	cfg        ManagerConfig
	registrar  Registrar
	permission PermissionRequester
	client     *http.Client
	log        *zap.SugaredLogger
}

func NewManager(cfg ManagerConfig, registrar Registrar, permission PermissionRequester, client *http.Client, log *zap.SugaredLogger) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	return &Manager{cfg: cfg, registrar: registrar, permission: permission, client: client, log: log}
}

type subscribeRequest struct {
	JobID        string       `json:"jobId"`
	UserID       string       `json:"userId"`
	Subscription Subscription `json:"subscription"`
}

// Subscribe is not idempotent: every call creates and posts a new
// subscription.
func (m *Manager) Subscribe(ctx context.Context, jobID, userID, vapidPublicKey string) (ServerAck, error) {
	pm, err := m.ensureWorker(ctx)
	if err != nil {
		return nil, err
	}

	perm, err := m.permission.RequestPermission(ctx)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "request notification permission"), errors.ErrPermissionDenied)
	}
	if perm != PermissionGranted {
		return nil, errors.WithDetailf(errors.ErrPermissionDenied, "permission is %q", perm)
	}

	key, err := DecodeApplicationServerKey(vapidPublicKey)
	if err != nil {
		return nil, err
	}
	sub, err := pm.Subscribe(ctx, SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: key})
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to push")
	}

	ack, err := m.post(ctx, subscribeRequest{JobID: jobID, UserID: userID, Subscription: sub})
	if err != nil {
		return nil, err
	}
	m.log.Infow("push subscription registered", logger.FieldJobID, jobID, logger.FieldUserID, userID, logger.FieldURL, sub.Endpoint)
	return ack, nil
}

func (m *Manager) ensureWorker(ctx context.Context) (PushManager, error) {
	if !m.registrar.Controlled(ctx) {
		m.log.Debugw("registering worker", logger.FieldURL, m.cfg.ScriptURL, logger.FieldType, m.cfg.ScriptType)
		if err := m.registrar.Register(ctx, m.cfg.ScriptURL, m.cfg.ScriptType); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "register %s", m.cfg.ScriptURL), errors.ErrRegistrationFailed)
		}
	}
	pm, err := m.registrar.Ready(ctx)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "wait for active worker"), errors.ErrRegistrationFailed)
	}
	return pm, nil
}

func (m *Manager) post(ctx context.Context, body subscribeRequest) (ServerAck, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "encode subscription")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.APIBase+"/subscription/subscribe", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "post subscription")
	}
	defer resp.Body.Close()

	rb, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read subscription response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.ServerRejected(resp.StatusCode, string(rb))
	}
	if len(bytes.TrimSpace(rb)) == 0 {
		return ServerAck("null"), nil
	}
	if !json.Valid(rb) {
		return nil, errors.Newf("subscription response is not JSON (status %d)", resp.StatusCode)
	}
	return ServerAck(rb), nil
}
