package push

import (
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buzzworker/internal/errors"
)

func TestLocalPushManagerSubscribe(t *testing.T) {
	key, err := DecodeApplicationServerKey(testVAPID)
	require.NoError(t, err)
	pm := LocalPushManager{EndpointBase: "http://localhost:8080/__buzz/push/"}

	a, err := pm.Subscribe(context.Background(), SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: key})
	require.NoError(t, err)
	b, err := pm.Subscribe(context.Background(), SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: key})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a.Endpoint, "http://localhost:8080/__buzz/push/"))
	assert.NotEqual(t, a.Endpoint, b.Endpoint)
	assert.Nil(t, a.ExpirationTime)

	pub, err := base64.RawURLEncoding.DecodeString(a.Keys.P256dh)
	require.NoError(t, err)
	_, err = ecdh.P256().NewPublicKey(pub)
	assert.NoError(t, err, "p256dh is an uncompressed P-256 point")

	auth, err := base64.RawURLEncoding.DecodeString(a.Keys.Auth)
	require.NoError(t, err)
	assert.Len(t, auth, 16)
}

func TestLocalPushManagerRejects(t *testing.T) {
	key, err := DecodeApplicationServerKey(testVAPID)
	require.NoError(t, err)
	pm := LocalPushManager{EndpointBase: "http://localhost"}

	_, err = pm.Subscribe(context.Background(), SubscribeOptions{ApplicationServerKey: key})
	assert.Error(t, err, "silent pushes are not allowed")

	_, err = pm.Subscribe(context.Background(), SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: []byte{1, 2, 3}})
	assert.Error(t, err)
}

func TestWorkerRegistrar(t *testing.T) {
	var registered atomic.Bool
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/__buzz/register":
			var req RegisterRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Script != "/sw.js" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			registered.Store(true)
			w.WriteHeader(http.StatusAccepted)
		case "/__buzz/state":
			st := WorkerState{State: "parsed"}
			if registered.Load() {
				// Activation completes after a couple of polls.
				if polls.Add(1) >= 3 {
					st = WorkerState{State: "activated", Controlling: true}
				} else {
					st.State = "installing"
				}
			}
			_ = json.NewEncoder(w).Encode(st)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	pm := LocalPushManager{EndpointBase: srv.URL}
	reg := NewWorkerRegistrar(srv.URL+"/", "", srv.Client(), pm)
	reg.pollEvery = 5 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.False(t, reg.Controlled(ctx))
	assert.Error(t, reg.Register(ctx, "/other.js", ScriptClassic))
	require.NoError(t, reg.Register(ctx, "/sw.js", ScriptClassic))

	got, err := reg.Ready(ctx)
	require.NoError(t, err)
	assert.Equal(t, pm, got)
	assert.True(t, reg.Controlled(ctx))
}

func TestWorkerRegistrarRedundant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(WorkerState{State: "redundant"})
	}))
	defer srv.Close()

	reg := NewWorkerRegistrar(srv.URL, "", srv.Client(), LocalPushManager{})
	_, err := reg.Ready(context.Background())
	assert.Error(t, err)
}

func TestPromptPermissionAssumeYes(t *testing.T) {
	perm, err := PromptPermission{AssumeYes: true}.RequestPermission(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PermissionGranted, perm)
}

func TestWorkerRegistrarSendsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		// A new version waits while the earlier one keeps control.
		_ = json.NewEncoder(w).Encode(WorkerState{State: "installed", Waiting: true, Controlling: true})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	anon := NewWorkerRegistrar(srv.URL, "", srv.Client(), LocalPushManager{})
	assert.False(t, anon.Controlled(ctx))
	assert.True(t, errors.Is(anon.Register(ctx, "/sw.js", ScriptClassic), errors.ErrServerRejected))

	reg := NewWorkerRegistrar(srv.URL, "s3cret", srv.Client(), LocalPushManager{})
	assert.True(t, reg.Controlled(ctx))
	_, err := reg.Ready(ctx)
	assert.NoError(t, err)
}

func TestEndpointIDs(t *testing.T) {
	signed := MintEndpointID("s3cret")
	assert.True(t, VerifyEndpointID("s3cret", signed))
	assert.False(t, VerifyEndpointID("other", signed))
	assert.NotEqual(t, signed, MintEndpointID("s3cret"))

	nonce, _, _ := strings.Cut(signed, ".")
	assert.False(t, VerifyEndpointID("s3cret", nonce+".forged"))
	assert.False(t, VerifyEndpointID("s3cret", MintEndpointID("")), "unsigned ids carry no proof")
	assert.False(t, VerifyEndpointID("", signed))

	key, err := DecodeApplicationServerKey(testVAPID)
	require.NoError(t, err)
	sub, err := LocalPushManager{EndpointBase: "http://localhost:8080/__buzz/push", Secret: "s3cret"}.
		Subscribe(context.Background(), SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: key})
	require.NoError(t, err)
	assert.True(t, VerifyEndpointID("s3cret", strings.TrimPrefix(sub.Endpoint, "http://localhost:8080/__buzz/push/")))
}
