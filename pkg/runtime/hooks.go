package runtime

import (
	"context"

	"github.com/machina-io/machina/pkg/model"
)

// HookContext is the envelope passed to every user hook: the live
// instance, the triggering event (nil for the synthetic creation
// entry), and a Sender bound to the instance.
type HookContext struct {
	Instance *Instance
	Event    *model.Event
	Sender   *Sender
}

// HookFunc is a user-supplied handler registered by name and invoked
// at entry/exit/triggered hook points. Hooks may mutate the instance
// context and enqueue further events through the Sender; they must not
// block for long.
type HookFunc func(ctx context.Context, hc *HookContext) error

// ExprFunc is a pure predicate registered by name, evaluated by
// expression guards and disambiguation expressions against
// (context, event payload, public member).
type ExprFunc func(contextTree, eventPayload, publicMember map[string]interface{}) bool

// RegisterHook registers a named hook handler. Registration replaces
// any previous handler of the same name.
func (r *Runtime) RegisterHook(name string, hook HookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[name] = hook
}

// RegisterExpr registers a named expression predicate.
func (r *Runtime) RegisterExpr(name string, expr ExprFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exprs[name] = expr
}
