// Arena
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package service assembles the control-plane components into one
// runnable process: stores, auth server, registry, scheduler,
// autoscaler, broadcaster and the HTTP ports.
package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/arena"
	"github.com/gravitational/arena/lib/auth"
	"github.com/gravitational/arena/lib/authz"
	"github.com/gravitational/arena/lib/autoscaler"
	"github.com/gravitational/arena/lib/defaults"
	"github.com/gravitational/arena/lib/events"
	"github.com/gravitational/arena/lib/fleet"
	"github.com/gravitational/arena/lib/jwt"
	"github.com/gravitational/arena/lib/limiter"
	"github.com/gravitational/arena/lib/passwords"
	"github.com/gravitational/arena/lib/scheduler"
	"github.com/gravitational/arena/lib/services"
	"github.com/gravitational/arena/lib/services/local"
	"github.com/gravitational/arena/lib/web"
)

// Process is a fully wired control plane.
type Process struct {
	config Config

	identity    services.Identity
	auth        *auth.Server
	registry    *fleet.Registry
	scheduler   *scheduler.Scheduler
	autoscaler  *autoscaler.Autoscaler
	broadcaster *events.Broadcaster
	limiter     *limiter.Limiter
	handler     *web.Handler

	ready atomic.Bool
}

// NewProcess builds every component and seeds the configured clients,
// roles and users. The process does not listen until Run.
func NewProcess(ctx context.Context, config Config) (*Process, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	logger := config.Logger.With(arena.ComponentKey, arena.ComponentProcess)

	key, err := jwt.New(&jwt.Config{
		Clock:        config.Clock,
		Issuer:       config.Issuer,
		PrivateKey:   config.PrivateKey,
		SharedSecret: config.SharedSecret,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	hasher, err := passwords.NewHasher(defaults.BcryptCost)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	lim, err := limiter.New(limiter.Config{
		Clock:           config.Clock,
		MaxPerWindow:    config.RateLimit.MaxPerWindow,
		Window:          config.RateLimit.Window,
		CleanupInterval: config.RateLimit.CleanupInterval,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	identity := local.NewIdentityService(config.Clock)
	authServer, err := auth.NewServer(auth.Config{
		Identity:        identity,
		Tokens:          local.NewTokensService(config.Clock),
		Key:             key,
		Hasher:          hasher,
		Limiter:         lim,
		Clock:           config.Clock,
		ServiceTokenTTL: config.ServiceTokenTTL,
		UserTokenTTL:    config.UserTokenTTL,
		RefreshTokenTTL: config.RefreshTokenTTL,
		MatchTokenTTL:   config.MatchTokenTTL,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	registry, err := fleet.NewRegistry(fleet.Config{
		Clock:           config.Clock,
		NodeTTL:         config.NodeTTL,
		SweepInterval:   config.SweepInterval,
		MinAgentVersion: config.MinAgentVersion,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sched, err := scheduler.New(scheduler.Config{
		Presence: registry,
		Clock:    config.Clock,
	})
	if err != nil {
		registry.Close()
		return nil, trace.Wrap(err)
	}

	scaler, err := autoscaler.New(autoscaler.Config{
		Presence:           registry,
		Clock:              config.Clock,
		Enabled:            config.Autoscaler.Enabled,
		MinNodes:           config.Autoscaler.MinNodes,
		MaxNodes:           config.Autoscaler.MaxNodes,
		ScaleUpThreshold:   config.Autoscaler.ScaleUpThreshold,
		ScaleDownThreshold: config.Autoscaler.ScaleDownThreshold,
		TargetSaturation:   config.Autoscaler.TargetSaturation,
		Cooldown:           config.Autoscaler.Cooldown,
	})
	if err != nil {
		registry.Close()
		return nil, trace.Wrap(err)
	}

	authorizer, err := authz.New(authz.Config{
		Key:       key,
		Exchanger: authServer,
		Clock:     config.Clock,
	})
	if err != nil {
		registry.Close()
		return nil, trace.Wrap(err)
	}

	broadcaster, err := events.NewBroadcaster(events.Config{Clock: config.Clock})
	if err != nil {
		registry.Close()
		return nil, trace.Wrap(err)
	}

	handler, err := web.NewHandler(web.Config{
		Auth:        authServer,
		Registry:    registry,
		Scheduler:   sched,
		Autoscaler:  scaler,
		Authorizer:  authorizer,
		Broadcaster: broadcaster,
		Clock:       config.Clock,
	})
	if err != nil {
		registry.Close()
		broadcaster.Close()
		return nil, trace.Wrap(err)
	}

	p := &Process{
		config:      config,
		identity:    identity,
		auth:        authServer,
		registry:    registry,
		scheduler:   sched,
		autoscaler:  scaler,
		broadcaster: broadcaster,
		limiter:     lim,
		handler:     handler,
	}
	if err := p.seed(ctx); err != nil {
		p.Close()
		return nil, trace.Wrap(err)
	}
	logger.InfoContext(ctx, "Control plane assembled.",
		"issuer", config.Issuer,
		"algorithm", key.Algorithm(),
		"clients", len(config.Clients),
		"users", len(config.Users),
	)
	return p, nil
}

// seed loads the statically configured roles, clients and users into the
// in-memory stores.
func (p *Process) seed(ctx context.Context) error {
	roleIDs := make(map[string]string, len(p.config.Roles))
	for _, role := range p.config.Roles {
		saved, err := p.identity.UpsertRole(ctx, role)
		if err != nil {
			return trace.Wrap(err, "failed to seed role %q", role.Name)
		}
		roleIDs[saved.Name] = saved.ID
	}

	for _, bootstrap := range p.config.Clients {
		if _, err := p.auth.UpsertClient(ctx, bootstrap.Client, bootstrap.Secret); err != nil {
			return trace.Wrap(err, "failed to seed client %q", bootstrap.Client.ID)
		}
	}

	for _, bootstrap := range p.config.Users {
		user := bootstrap.User
		for _, name := range bootstrap.RoleNames {
			id, ok := roleIDs[name]
			if !ok {
				role, err := p.identity.GetRoleByName(ctx, name)
				if err != nil {
					return trace.Wrap(err, "user %q references unknown role %q", user.Username, name)
				}
				id = role.ID
			}
			user.RoleIDs = append(user.RoleIDs, id)
		}
		if _, err := p.auth.CreateUser(ctx, user, bootstrap.Password); err != nil {
			return trace.Wrap(err, "failed to seed user %q", user.Username)
		}
	}
	return nil
}

// Handler exposes the API server, mainly for tests that mount the
// process under httptest.
func (p *Process) Handler() http.Handler {
	return p.handler
}

// Auth exposes the auth server for operational tooling.
func (p *Process) Auth() *auth.Server {
	return p.auth
}

// Broadcaster exposes the error broadcaster so engine components can
// publish into the stream.
func (p *Process) Broadcaster() *events.Broadcaster {
	return p.broadcaster
}

// Run serves the public API and the diagnostics listener until the
// context is canceled, then drains connections within the shutdown
// timeout.
func (p *Process) Run(ctx context.Context) error {
	logger := p.config.Logger.With(arena.ComponentKey, arena.ComponentProcess)

	listener, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return trace.Wrap(err)
	}
	apiServer := &http.Server{
		Handler:           p.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var diagServer *http.Server
	var diagListener net.Listener
	if p.config.DiagAddr != "" {
		diagListener, err = net.Listen("tcp", p.config.DiagAddr)
		if err != nil {
			listener.Close()
			return trace.Wrap(err)
		}
		diagServer = &http.Server{
			Handler:           p.newDiagHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	p.ready.Store(true)
	defer p.ready.Store(false)
	logger.InfoContext(ctx, "Serving control-plane API.", "listen_addr", listener.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := apiServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	if diagServer != nil {
		logger.InfoContext(ctx, "Serving diagnostics.", "diag_addr", diagListener.Addr().String())
		g.Go(func() error {
			if err := diagServer.Serve(diagListener); !errors.Is(err, http.ErrServerClosed) {
				return trace.Wrap(err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
		defer cancel()
		apiServer.Shutdown(shutdownCtx)
		if diagServer != nil {
			diagServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	err = g.Wait()
	logger.InfoContext(ctx, "Control plane stopped.")
	return trace.Wrap(err)
}

// newDiagHandler builds the diagnostics mux: liveness, readiness and
// Prometheus metrics.
func (p *Process) newDiagHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !p.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Close releases background resources: sweeps, the broadcaster and the
// rate limiter.
func (p *Process) Close() {
	p.registry.Close()
	p.broadcaster.Close()
	p.limiter.Close()
}
