package push

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"buzzworker/internal/errors"
)

// WorkerState is the body of GET /__buzz/state.
type WorkerState struct {
	State       string         `json:"state"`
	Version     string         `json:"version,omitempty"`
	Controlling bool           `json:"controlling"`
	Waiting     bool           `json:"waiting,omitempty"`
	Partitions  map[string]int `json:"partitions,omitempty"`
}

// RegisterRequest is the body of POST /__buzz/register.
type RegisterRequest struct {
	Script string     `json:"script"`
	Type   ScriptType `json:"type"`
}

// WorkerRegistrar registers a running buzzworker through its control API.
// A non-empty token is sent as a bearer token.
type WorkerRegistrar struct {
	base        string
	token       string
	client      *http.Client
	pollEvery   time.Duration
	pushManager PushManager
}

func NewWorkerRegistrar(base, token string, client *http.Client, pm PushManager) *WorkerRegistrar {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WorkerRegistrar{
		base:        strings.TrimRight(base, "/"),
		token:       token,
		client:      client,
		pollEvery:   250 * time.Millisecond,
		pushManager: pm,
	}
}

func (w *WorkerRegistrar) Controlled(ctx context.Context) bool {
	st, err := w.state(ctx)
	return err == nil && st.Controlling
}

func (w *WorkerRegistrar) Register(ctx context.Context, scriptURL string, t ScriptType) error {
	b, err := json.Marshal(RegisterRequest{Script: scriptURL, Type: t})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.base+"/__buzz/register", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.ServerRejected(resp.StatusCode, string(msg))
	}
	return nil
}

// Ready polls the worker state until the worker controls pages: activated,
// or installed behind an earlier version that still does. A redundant worker
// never becomes ready.
func (w *WorkerRegistrar) Ready(ctx context.Context) (PushManager, error) {
	t := time.NewTicker(w.pollEvery)
	defer t.Stop()
	for {
		st, err := w.state(ctx)
		if err == nil {
			switch {
			case st.State == "activated", st.Waiting && st.Controlling:
				return w.pushManager, nil
			case st.State == "redundant":
				if st.Controlling {
					// The new version failed; the earlier one still serves.
					return w.pushManager, nil
				}
				return nil, errors.New("worker is redundant")
			}
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return nil, errors.Wrapf(ctx.Err(), "last state poll: %v", err)
			}
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (w *WorkerRegistrar) state(ctx context.Context) (WorkerState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.base+"/__buzz/state", nil)
	if err != nil {
		return WorkerState{}, err
	}
	resp, err := w.do(req)
	if err != nil {
		return WorkerState{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return WorkerState{}, errors.Newf("worker state: status %d", resp.StatusCode)
	}
	var st WorkerState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return WorkerState{}, errors.Wrap(err, "decode worker state")
	}
	return st, nil
}

func (w *WorkerRegistrar) do(req *http.Request) (*http.Response, error) {
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	return w.client.Do(req)
}

// PromptPermission asks on the terminal. AssumeYes grants without asking.
type PromptPermission struct {
	AssumeYes bool
	Text      string
}

func (p PromptPermission) RequestPermission(ctx context.Context) (Permission, error) {
	if p.AssumeYes {
		return PermissionGranted, nil
	}
	if err := ctx.Err(); err != nil {
		return PermissionDefault, err
	}
	text := p.Text
	if text == "" {
		text = "Allow buzzworker to show notifications?"
	}
	ok, err := pterm.DefaultInteractiveConfirm.WithDefaultValue(false).Show(text)
	if err != nil {
		return PermissionDefault, err
	}
	if !ok {
		return PermissionDenied, nil
	}
	return PermissionGranted, nil
}

// LocalPushManager mints subscriptions the way a browser push service does:
// a fresh P-256 key pair, a 16 byte auth secret and a unique endpoint under
// EndpointBase. The private key is not kept; payloads reach buzzworker in
// clear through its own push channels. Endpoints minted with Secret are
// accepted by a worker sharing that control token.
type LocalPushManager struct {
	EndpointBase string
	Secret       string
}

func (m LocalPushManager) Subscribe(_ context.Context, opts SubscribeOptions) (Subscription, error) {
	if !opts.UserVisibleOnly {
		return Subscription{}, errors.New("push subscriptions must be user visible")
	}
	if _, err := ecdh.P256().NewPublicKey(opts.ApplicationServerKey); err != nil {
		return Subscription{}, errors.Wrap(err, "invalid applicationServerKey")
	}
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return Subscription{}, errors.Wrap(err, "generate subscription key")
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		return Subscription{}, errors.Wrap(err, "generate auth secret")
	}
	return Subscription{
		Endpoint: strings.TrimRight(m.EndpointBase, "/") + "/" + MintEndpointID(m.Secret),
		Keys: SubscriptionKeys{
			P256dh: base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}, nil
}
