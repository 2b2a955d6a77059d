package daemon

import (
	"context"
	"fmt"
	"sync"

	"github.com/matfraga/pigeon/internal/endpoint"
	"github.com/matfraga/pigeon/internal/rest"
	"github.com/matfraga/pigeon/internal/store"
	"go.uber.org/zap"
)

// Gateway binds the REST client to whatever endpoint the resolver currently
// favors and whatever credential is stored. The bound client is rebuilt when
// either changes, so a failover or re-login never requires a daemon restart.
type Gateway struct {
	resolver *endpoint.Resolver
	db       *store.DB
	logger   *zap.Logger

	mu     sync.Mutex
	client *rest.Client
	base   string
	token  string
}

// NewGateway creates an unbound gateway. Binding happens lazily per call.
func NewGateway(resolver *endpoint.Resolver, db *store.DB, logger *zap.Logger) *Gateway {
	return &Gateway{resolver: resolver, db: db, logger: logger}
}

// SendMessage submits an outgoing message through the bound REST client.
// A failed request unbinds the gateway so the next call re-resolves.
func (g *Gateway) SendMessage(ctx context.Context, req *rest.SendRequest) (*store.Message, error) {
	client, err := g.ensure(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := client.SendMessage(ctx, req)
	if err != nil {
		g.Invalidate()
		return nil, err
	}
	return msg, nil
}

// FetchRoster retrieves the full conversation list from the backend.
func (g *Gateway) FetchRoster(ctx context.Context) ([]store.Conversation, error) {
	client, err := g.ensure(ctx)
	if err != nil {
		return nil, err
	}
	convs, err := client.FetchRoster(ctx)
	if err != nil {
		g.Invalidate()
		return nil, err
	}
	return convs, nil
}

// Invalidate drops the bound address and client. The next call re-runs
// endpoint resolution. Called on request failure, re-login and explicit retry.
func (g *Gateway) Invalidate() {
	g.mu.Lock()
	g.client = nil
	g.base = ""
	g.token = ""
	g.mu.Unlock()
}

// ensure returns the bound client, resolving an endpoint only when no address
// is bound yet. A changed credential rebinds the client on the same address.
func (g *Gateway) ensure(ctx context.Context) (*rest.Client, error) {
	token, err := g.db.GetKV(store.KeyCredential)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("no session credential stored")
	}

	g.mu.Lock()
	base := g.base
	g.mu.Unlock()
	if base == "" {
		base, err = g.resolver.Resolve(ctx)
		if err != nil {
			return nil, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil || g.base != base || g.token != token {
		g.logger.Debug("binding rest client", zap.String("endpoint", base))
		g.client = rest.New(base, token, g.logger)
		g.base = base
		g.token = token
	}
	return g.client, nil
}
