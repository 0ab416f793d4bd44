// Package api is the worker's control surface and the front door for page
// traffic: control routes live under /__buzz, everything else is handed to
// the worker's fetch handler.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"buzzworker/internal/buzzworker"
	"buzzworker/internal/errors"
	"buzzworker/internal/logger"
	"buzzworker/internal/push"
)

const maxPushPayload = 4 << 10

// Controller wires the worker, the client hub and the notification router
// to HTTP. New also connects the worker's update events to the hub and the
// hub's skip-waiting messages to the worker.
type Controller struct {
	Echo *echo.Echo

	svc      *buzzworker.Service
	hub      *push.Hub
	router   *push.Router
	gatherer prometheus.Gatherer
	log      *zap.SugaredLogger
}

func New(svc *buzzworker.Service, hub *push.Hub, router *push.Router, gatherer prometheus.Gatherer, log *zap.SugaredLogger) *Controller {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	c := &Controller{Echo: e, svc: svc, hub: hub, router: router, gatherer: gatherer, log: log}
	svc.OnUpdate(func(ev buzzworker.UpdateEvent, version string) {
		hub.BroadcastUpdate(string(ev), version)
	})
	hub.OnSkipWaiting(svc.SkipWaiting)
	c.routes()
	return c
}

func (c *Controller) routes() {
	g := c.Echo.Group("/__buzz")
	// Minted push endpoints carry their own proof.
	g.POST("/push/:endpoint", c.Push, c.endpointAuth)

	protected := g.Group("", c.authMiddleware)
	protected.GET("/state", c.GetState)
	protected.POST("/register", c.Register)
	protected.POST("/skip-waiting", c.SkipWaiting)
	protected.POST("/push", c.Push)
	protected.GET("/clients", echo.WrapHandler(c.hub))
	protected.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})))

	c.Echo.GET(c.svc.Config().WebManifest.Path, c.WebManifest)

	w := c.svc.Config().Worker
	for _, p := range []string{w.RegistrationPath, w.DevRegistrationPath} {
		c.Echo.GET(scriptPath(p), c.WorkerScript)
	}

	c.Echo.Any("/*", echo.WrapHandler(c.svc.Handler()))
}

// ServeHTTP makes the controller the server's handler.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.Echo.ServeHTTP(w, r)
}

// authMiddleware admits callers holding the control token, as a bearer
// token or a token query parameter for WebSocket clients. Without a
// configured token only loopback callers get through.
func (c *Controller) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		if !c.authorized(ctx.Request()) {
			return ctx.JSON(http.StatusUnauthorized, map[string]string{
				"error": "Authentication required",
			})
		}
		return next(ctx)
	}
}

// endpointAuth also admits pushes to endpoints minted with the control
// token.
func (c *Controller) endpointAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		token := c.svc.Config().Server.ControlToken
		if c.authorized(ctx.Request()) || push.VerifyEndpointID(token, ctx.Param("endpoint")) {
			return next(ctx)
		}
		return ctx.JSON(http.StatusUnauthorized, map[string]string{
			"error": "Unknown push endpoint",
		})
	}
}

func (c *Controller) authorized(r *http.Request) bool {
	token := c.svc.Config().Server.ControlToken
	if token == "" {
		return isLoopback(r.RemoteAddr)
	}
	provided := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		provided = strings.TrimPrefix(h, "Bearer ")
	}
	return provided != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(token)) == 1
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func scriptPath(p string) string {
	path, _, _ := strings.Cut(p, "?")
	return path
}

// GetState reports lifecycle state, the recorded active version, and entry
// counts per partition.
func (c *Controller) GetState(ctx echo.Context) error {
	st := c.svc.State()
	version, _ := c.svc.Store().State("version")
	parts := map[string]int{}
	for _, p := range c.svc.Store().Partitions() {
		parts[p] = c.svc.Store().Len(p)
	}
	return ctx.JSON(http.StatusOK, push.WorkerState{
		State:       st.String(),
		Version:     version,
		Controlling: c.svc.Controlling(),
		Waiting:     c.svc.Waiting(),
		Partitions:  parts,
	})
}

// SkipWaiting activates a worker version that waits behind the active one.
func (c *Controller) SkipWaiting(ctx echo.Context) error {
	err := c.svc.SkipWaiting(context.WithoutCancel(ctx.Request().Context()))
	switch {
	case errors.Is(err, buzzworker.ErrNotWaiting):
		return ctx.JSON(http.StatusConflict, map[string]string{
			"error": "No worker version is waiting",
		})
	case err != nil:
		c.log.Warnw("skip waiting failed", logger.FieldError, err)
		return ctx.JSON(http.StatusInternalServerError, map[string]string{
			"error": "Failed to activate the waiting worker",
		})
	}
	return ctx.JSON(http.StatusOK, push.WorkerState{
		State:       c.svc.State().String(),
		Controlling: c.svc.Controlling(),
	})
}

// WebManifest serves the configured web app manifest.
func (c *Controller) WebManifest(ctx echo.Context) error {
	b, err := json.Marshal(c.svc.Config().WebManifest)
	if err != nil {
		return err
	}
	ctx.Response().Header().Set("Cache-Control", "no-cache")
	return ctx.Blob(http.StatusOK, "application/manifest+json", b)
}

// Register starts install and activation for the configured worker script.
// It answers before the worker settles; callers poll GET /__buzz/state.
func (c *Controller) Register(ctx echo.Context) error {
	var req push.RegisterRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{
			"error": "Invalid registration request",
		})
	}
	script, typ := c.svc.Config().Worker.ScriptURL()
	if req.Script != script {
		return ctx.JSON(http.StatusBadRequest, map[string]string{
			"error": "Unknown worker script " + req.Script,
		})
	}
	if req.Type != "" && string(req.Type) != typ {
		return ctx.JSON(http.StatusBadRequest, map[string]string{
			"error": "Worker script " + script + " is registered as " + typ,
		})
	}

	startCtx := context.WithoutCancel(ctx.Request().Context())
	go func() {
		if _, err := c.svc.Start(startCtx); err != nil {
			c.log.Warnw("worker registration failed", logger.FieldError, err)
		}
	}()

	return ctx.JSON(http.StatusAccepted, push.WorkerState{
		State:       c.svc.State().String(),
		Controlling: c.svc.Controlling(),
		Waiting:     c.svc.Waiting(),
	})
}

// Push delivers a push message body as a push event and answers once the
// event has settled.
func (c *Controller) Push(ctx echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(ctx.Request().Body, maxPushPayload+1))
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{
			"error": "Failed to read push payload",
		})
	}
	if len(body) > maxPushPayload {
		return ctx.JSON(http.StatusRequestEntityTooLarge, map[string]string{
			"error": "Push payload too large",
		})
	}
	if err := c.router.DispatchPush(ctx.Request().Context(), body); err != nil {
		return ctx.JSON(http.StatusBadGateway, map[string]string{
			"error": "Failed to display notification",
		})
	}
	return ctx.NoContent(http.StatusCreated)
}

// WorkerScript serves the registration script from the origin with the
// headers that let it control the whole origin.
func (c *Controller) WorkerScript(ctx echo.Context) error {
	h := ctx.Response().Header()
	h.Set("Service-Worker-Allowed", "/")
	h.Set("Cache-Control", "no-cache")
	c.svc.Handler().ServeHTTP(noCacheOverride{ctx.Response()}, ctx.Request())
	return nil
}

// noCacheOverride keeps the script's Cache-Control at no-cache whatever the
// origin sends.
type noCacheOverride struct {
	*echo.Response
}

func (w noCacheOverride) WriteHeader(code int) {
	w.Header().Set("Cache-Control", "no-cache")
	w.Response.WriteHeader(code)
}

func (w noCacheOverride) Write(b []byte) (int, error) {
	if !w.Committed {
		w.WriteHeader(http.StatusOK)
	}
	return w.Response.Write(b)
}
