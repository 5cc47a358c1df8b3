// Package supervisor runs the server's long-lived services under a suture
// supervision tree.
//
//	poimap
//	├── api       HTTP server
//	└── prefetch  one neighbour prefetch scheduler per dataset
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/poimap/server/internal/logging"
)

// TreeConfig contains supervisor restart settings.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64
	// FailureDecay is the rate at which failures decay in seconds.
	FailureDecay float64
	// FailureBackoff is the duration to wait when threshold is exceeded.
	FailureBackoff time.Duration
	// ShutdownTimeout is the maximum time each service gets to stop.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns the default restart settings.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the root supervisor with its api and prefetch layers.
type Tree struct {
	root     *suture.Supervisor
	api      *suture.Supervisor
	prefetch *suture.Supervisor
}

// NewTree builds the supervision tree. Zero config values take defaults.
func NewTree(cfg TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	rootSpec := suture.Spec{
		EventHook:        eventHook,
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	childSpec := rootSpec
	childSpec.EventHook = nil

	t := &Tree{
		root:     suture.New("poimap", rootSpec),
		api:      suture.New("api", childSpec),
		prefetch: suture.New("prefetch", childSpec),
	}
	t.root.Add(t.api)
	t.root.Add(t.prefetch)
	return t
}

// AddAPIService adds a service to the api layer.
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// AddPrefetchService adds a service to the prefetch layer.
func (t *Tree) AddPrefetchService(svc suture.Service) suture.ServiceToken {
	return t.prefetch.Add(svc)
}

// Serve runs the tree until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that did not stop within the timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

func eventHook(e suture.Event) {
	ev := logging.Warn()
	switch e.Type() {
	case suture.EventTypeBackoff, suture.EventTypeResume:
		ev = logging.Info()
	case suture.EventTypeServicePanic:
		ev = logging.Error()
	}
	ev.Fields(e.Map()).Str("component", "supervisor").Msg(e.String())
}
