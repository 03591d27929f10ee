package session

import (
	"context"
	"errors"

	"github.com/gravwell/atcore/xrpc"
)

// Agent composes a Manager with the xrpc.Client it authenticates: a single
// façade a caller logs in through once and then issues every XRPC call
// against, without separately wiring a BearerAuthProvider or re-resolving
// the client on every request.
type Agent struct {
	mgr *Manager
}

// NewAgent wraps an already-constructed Manager. Call Login or Resume on
// mgr (or through the Agent's own passthroughs below) before issuing calls.
func NewAgent(mgr *Manager) *Agent {
	return &Agent{mgr: mgr}
}

func (a *Agent) Login(ctx context.Context, identifier, password, authFactorToken string) error {
	return a.mgr.Login(ctx, identifier, password, authFactorToken)
}

func (a *Agent) Resume(ctx context.Context) error {
	return a.mgr.Resume(ctx)
}

func (a *Agent) Logout(ctx context.Context) error {
	return a.mgr.Logout(ctx)
}

var ErrAgentNotReady = errors.New("session: agent has no active client; call Login or Resume first")

// client returns the session's xrpc.Client, wrapping ErrNoSession as the
// more actionable ErrAgentNotReady for an agent caller that hasn't
// authenticated yet.
func (a *Agent) client() (*xrpc.Client, error) {
	cl, err := a.mgr.Client()
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return nil, ErrAgentNotReady
		}
		return nil, err
	}
	return cl, nil
}

// Call is a single XRPC invocation: exactly one of Query or Procedure
// semantics depending on Method. Go has no operation-level generics over a
// per-operation error enum, so this stays a plain struct rather than a
// generic method-per-shape call surface.
type Call struct {
	// Method is "query" or "procedure"; anything else is rejected.
	Method      string
	NSID        string
	Params      xrpc.Params
	ContentType string
	Body        interface{}
	Out         interface{}
}

var ErrUnknownCallMethod = errors.New("session: Call.Method must be \"query\" or \"procedure\"")

// Do issues call against the agent's authenticated client. The access token
// is refreshed proactively when its locally cached expiry has passed; if the
// call nonetheless comes back with ExpiredToken (the server is the final
// authority, not the client's clock), the session is force-refreshed and the
// call is retried exactly once.
func (a *Agent) Do(ctx context.Context, call Call) error {
	cl, err := a.client()
	if err != nil {
		return err
	}
	err = invoke(ctx, cl, call)
	if !errors.Is(err, xrpc.ErrExpiredToken) {
		return err
	}
	if err := a.mgr.ForceRefresh(ctx); err != nil {
		return err
	}
	cl, err = a.client()
	if err != nil {
		return err
	}
	return invoke(ctx, cl, call)
}

func invoke(ctx context.Context, cl *xrpc.Client, call Call) error {
	switch call.Method {
	case "query":
		return cl.Query(ctx, call.NSID, call.Params, call.Out)
	case "procedure":
		return cl.Procedure(ctx, call.NSID, call.Params, call.ContentType, call.Body, call.Out)
	default:
		return ErrUnknownCallMethod
	}
}

// ConfigureLabelers sets the atproto-accept-labelers header every
// subsequent call on this agent sends.
func (a *Agent) ConfigureLabelers(dids []string) error {
	cl, err := a.client()
	if err != nil {
		return err
	}
	cl.SetAcceptLabelers(dids)
	return nil
}

// ConfigureProxyHeader sets the atproto-proxy header every subsequent call
// on this agent sends.
func (a *Agent) ConfigureProxyHeader(did, serviceID string) error {
	cl, err := a.client()
	if err != nil {
		return err
	}
	cl.SetProxy(did, serviceID)
	return nil
}
