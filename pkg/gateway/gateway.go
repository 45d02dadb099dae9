// Package gateway is the thin HTTP surface in front of the registry:
// create instances, trigger events, broadcast, query. It also serves
// the WebSocket lifecycle feed.
package gateway

import (
	"errors"
	"fmt"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/machina-io/machina/pkg/core"
	"github.com/machina-io/machina/pkg/model"
	"github.com/machina-io/machina/pkg/registry"
	"github.com/machina-io/machina/pkg/runtime"
)

// Config configures the gateway.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// Auth is optional; nil disables authentication.
	Auth *AuthConfig

	Logger core.Logger
}

// Gateway serves the command ingress over fasthttp.
type Gateway struct {
	cfg      Config
	registry *registry.Registry
	auth     *authenticator
	server   *fasthttp.Server
	logger   core.Logger
}

// New creates a gateway over a registry.
func New(cfg Config, reg *registry.Registry) (*Gateway, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("gateway: listen address is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("gateway: registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	g := &Gateway{
		cfg:      cfg,
		registry: reg,
		logger:   logger,
	}
	if cfg.Auth != nil {
		auth, err := newAuthenticator(*cfg.Auth)
		if err != nil {
			return nil, err
		}
		g.auth = auth
	}
	g.server = &fasthttp.Server{
		Handler: g.handle,
		Name:    "machina-gateway",
	}
	return g, nil
}

// ListenAndServe blocks serving requests.
func (g *Gateway) ListenAndServe() error {
	g.logger.Infof("gateway listening on %s", g.cfg.Addr)
	return g.server.ListenAndServe(g.cfg.Addr)
}

// Shutdown gracefully stops the server.
func (g *Gateway) Shutdown() error {
	return g.server.Shutdown()
}

type eventBody struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

type createBody struct {
	Context map[string]interface{} `json:"context"`
}

type broadcastBody struct {
	ComponentName string                 `json:"componentName"`
	MachineName   string                 `json:"machineName"`
	CurrentState  string                 `json:"currentState"`
	Event         eventBody              `json:"event"`
	Filters       map[string]interface{} `json:"filters"`
}

func (g *Gateway) handle(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	method := string(ctx.Method())

	if path == "/healthz" {
		writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"status": "ok"})
		return
	}

	if g.auth != nil {
		if err := g.auth.check(ctx); err != nil {
			writeError(ctx, fasthttp.StatusUnauthorized, err)
			return
		}
	}

	segments := splitPath(path)
	switch {
	case method == fasthttp.MethodPost && len(segments) == 5 &&
		segments[0] == "components" && segments[2] == "machines" && segments[4] == "instances":
		g.handleCreate(ctx, segments[1], segments[3])

	case method == fasthttp.MethodPost && len(segments) == 3 &&
		segments[0] == "instances" && segments[2] == "events":
		g.handleTrigger(ctx, segments[1])

	case method == fasthttp.MethodGet && len(segments) == 2 && segments[0] == "instances":
		g.handleQuery(ctx, segments[1])

	case method == fasthttp.MethodPost && len(segments) == 1 && segments[0] == "broadcast":
		g.handleBroadcast(ctx)

	default:
		writeError(ctx, fasthttp.StatusNotFound, fmt.Errorf("no route for %s %s", method, path))
	}
}

func (g *Gateway) handleCreate(ctx *fasthttp.RequestCtx, component, machine string) {
	var body createBody
	if len(ctx.PostBody()) > 0 {
		if err := core.JSONDecode(ctx.PostBody(), &body); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, err)
			return
		}
	}
	id, err := g.registry.CreateInstanceInComponent(component, machine, body.Context, nil)
	if err != nil {
		writeError(ctx, statusFor(err), err)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, map[string]interface{}{
		"instanceId": id,
		"deferred":   id == "",
	})
}

func (g *Gateway) handleTrigger(ctx *fasthttp.RequestCtx, instanceID string) {
	var body eventBody
	if err := core.JSONDecode(ctx.PostBody(), &body); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err)
		return
	}
	rt, _, ok := g.registry.FindInstance(instanceID)
	if !ok {
		writeError(ctx, fasthttp.StatusNotFound, fmt.Errorf("unknown instance %s", instanceID))
		return
	}
	if err := rt.SendEvent(instanceID, model.Event{Type: body.Type, Payload: body.Payload}); err != nil {
		writeError(ctx, statusFor(err), err)
		return
	}
	writeJSON(ctx, fasthttp.StatusAccepted, map[string]interface{}{"accepted": true})
}

func (g *Gateway) handleQuery(ctx *fasthttp.RequestCtx, instanceID string) {
	_, rec, ok := g.registry.FindInstance(instanceID)
	if !ok {
		writeError(ctx, fasthttp.StatusNotFound, fmt.Errorf("unknown instance %s", instanceID))
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, rec)
}

func (g *Gateway) handleBroadcast(ctx *fasthttp.RequestCtx) {
	var body broadcastBody
	if err := core.JSONDecode(ctx.PostBody(), &body); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err)
		return
	}
	count, err := g.registry.BroadcastToComponentFiltered(body.ComponentName, body.MachineName, body.CurrentState,
		body.Filters, model.Event{Type: body.Event.Type, Payload: body.Event.Payload})
	if err != nil {
		writeError(ctx, statusFor(err), err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"delivered": count})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrUnknownComponent),
		errors.Is(err, runtime.ErrUnknownInstance),
		errors.Is(err, runtime.ErrUnknownMachine):
		return fasthttp.StatusNotFound
	case errors.Is(err, runtime.ErrInvalidState):
		return fasthttp.StatusConflict
	default:
		return fasthttp.StatusInternalServerError
	}
}

func splitPath(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, body interface{}) {
	data, err := core.JSONEncode(body)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

func writeError(ctx *fasthttp.RequestCtx, status int, err error) {
	writeJSON(ctx, status, map[string]interface{}{"error": err.Error()})
}
