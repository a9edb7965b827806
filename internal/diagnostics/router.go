package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"diagd/internal/export"
)

// ErrUnknownAction is returned for an action the router does not handle.
var ErrUnknownAction = errors.New("diagnostics: unknown action")

// ActionPrefix qualifies action names delivered by external callers.
const ActionPrefix = "diagd.diagnostics.action."

// Action is a user request against a channel's logs.
type Action int

const (
	ActionShare Action = iota + 1
	ActionSave
)

func (a Action) String() string {
	switch a {
	case ActionShare:
		return "SHARE"
	case ActionSave:
		return "SAVE"
	default:
		return "UNKNOWN"
	}
}

// Qualified returns the fully qualified action identifier.
func (a Action) Qualified() string {
	return ActionPrefix + a.String()
}

// ParseAction accepts SHARE and SAVE in any case, bare or qualified.
func ParseAction(name string) (Action, error) {
	name = strings.TrimSpace(name)
	if len(name) > len(ActionPrefix) && strings.EqualFold(name[:len(ActionPrefix)], ActionPrefix) {
		name = name[len(ActionPrefix):]
	}
	switch strings.ToUpper(name) {
	case "SHARE":
		return ActionShare, nil
	case "SAVE":
		return ActionSave, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
}

// ParseActionKey splits a notice action key of the form ACTION:STREAM. The
// stream part is returned as given and resolved by the router.
func ParseActionKey(key string) (Action, string, error) {
	name, stream, _ := strings.Cut(key, ":")
	a, err := ParseAction(name)
	if err != nil {
		return 0, "", err
	}
	return a, stream, nil
}

// Router dispatches share and save requests to channels of a Center.
type Router struct {
	center *Center
}

// NewRouter returns a Router over center.
func NewRouter(center *Center) *Router {
	return &Router{center: center}
}

// Center returns the registry the router dispatches to.
func (r *Router) Center() *Center {
	return r.center
}

// Dispatch runs action on the channel named stream. A blank or unknown
// stream selects DefaultStream.
func (r *Router) Dispatch(ctx context.Context, action, stream string) (export.Handle, error) {
	a, err := ParseAction(action)
	if err != nil {
		return export.Handle{}, err
	}
	return r.Run(ctx, a, stream)
}

// DispatchKey dispatches a notice action key.
func (r *Router) DispatchKey(ctx context.Context, key string) (export.Handle, error) {
	a, stream, err := ParseActionKey(key)
	if err != nil {
		return export.Handle{}, err
	}
	return r.Run(ctx, a, stream)
}

// Run performs a parsed action.
func (r *Router) Run(ctx context.Context, a Action, stream string) (export.Handle, error) {
	ch := r.center.Lookup(stream)
	r.center.opts.Metrics.RecordAction(a.String(), ch.Stream().String())

	switch a {
	case ActionShare:
		return ch.Share(ctx)
	case ActionSave:
		return ch.Save(ctx)
	default:
		return export.Handle{}, fmt.Errorf("%w: %d", ErrUnknownAction, int(a))
	}
}
