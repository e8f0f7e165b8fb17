// Package gateway implements the public entry point of the map service.
//
// Applications call request_map and subscribe on the gateway. The gateway
// forwards requests to the surface broker, keeps the client registry, and
// turns the broker's map_created events into map_surface notifications
// addressed to the application that asked.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/mapservice/pkg/binding"
	"github.com/cuemby/mapservice/pkg/client"
	"github.com/cuemby/mapservice/pkg/events"
	"github.com/cuemby/mapservice/pkg/log"
	"github.com/cuemby/mapservice/pkg/metrics"
	"github.com/cuemby/mapservice/pkg/registry"
	"github.com/cuemby/mapservice/pkg/types"
	"github.com/rs/zerolog"
)

// Verb names served by the gateway
const (
	VerbRequestMap = "request_map"
	VerbSubscribe  = "subscribe"
)

// BrokerVerb is the broker verb request_map is delegated to
const BrokerVerb = "request_map"

// Caller issues synchronous verb calls to other APIs
type Caller interface {
	Call(ctx context.Context, api, verb string, args types.Payload) (types.Payload, error)
}

// EventSource streams the events an API sends to this process
type EventSource interface {
	Events(ctx context.Context, api string) (<-chan *events.Event, error)
}

// Config configures a Gateway
type Config struct {
	BrokerAPI string
	// PropagateBrokerFailure replies the broker's failure code to the
	// application. When false the failure is only logged.
	PropagateBrokerFailure bool
	ReconnectDelay         time.Duration
}

// Gateway is the public map-service API
type Gateway struct {
	cfg      Config
	events   *events.Broker
	caller   Caller
	registry *registry.Registry
	logger   zerolog.Logger
}

// New creates a gateway and registers its verbs on b
func New(cfg Config, b *binding.Binding, caller Caller, reg *registry.Registry) (*Gateway, error) {
	if cfg.BrokerAPI == "" {
		return nil, fmt.Errorf("broker api is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}

	g := &Gateway{
		cfg:      cfg,
		events:   b.Events(),
		caller:   caller,
		registry: reg,
		logger:   log.WithComponent("gateway"),
	}

	if err := b.AddVerb(binding.Verb{
		Name:    VerbRequestMap,
		Info:    "request a map surface for the calling application",
		Handler: g.RequestMap,
	}); err != nil {
		return nil, err
	}
	if err := b.AddVerb(binding.Verb{
		Name:    VerbSubscribe,
		Info:    "register the calling application for map_surface notifications",
		Handler: g.Subscribe,
	}); err != nil {
		return nil, err
	}
	return g, nil
}

// RequestMap forwards a map request to the broker on behalf of the caller.
// The transport identity wins over an appid carried in the arguments.
func (g *Gateway) RequestMap(req *binding.Request) (types.Payload, error) {
	args := req.Args.Clone()

	appID := req.AppID
	if appID == "" {
		appID, _ = args.String(types.KeyAppID)
	}
	if appID == "" {
		return nil, binding.Fail(types.CodeBadRequest)
	}
	args[types.KeyAppID] = appID
	logger := log.WithAppID(appID)

	g.register(appID)

	reply, err := g.caller.Call(req.Context(), g.cfg.BrokerAPI, BrokerVerb, args)
	if err != nil {
		var ce *client.CallError
		if !errors.As(err, &ce) || !ce.Remote {
			logger.Warn().Err(err).Msg("surface broker unreachable")
			return nil, binding.Fail(types.CodeBrokerCallFailed)
		}
		logger.Warn().Str("reason", ce.Info).Msg("surface broker refused map request")
		if g.cfg.PropagateBrokerFailure {
			return nil, binding.Fail(ce.Info)
		}
		return types.Payload{types.KeyAppID: appID}, nil
	}

	logger.Debug().Interface("reply", map[string]any(reply)).Msg("map request delegated")
	if reply == nil {
		reply = types.Payload{}
	}
	reply[types.KeyAppID] = appID
	return reply, nil
}

// Subscribe registers the caller's application identity, taken from the
// transport and never from the arguments.
func (g *Gateway) Subscribe(req *binding.Request) (types.Payload, error) {
	if req.AppID == "" {
		return nil, binding.Fail(types.CodeBadRequest)
	}
	rec, created := g.register(req.AppID)
	return types.Payload{
		types.KeyAppID: rec.AppID,
		"created":      created,
	}, nil
}

func (g *Gateway) register(appID string) (registry.ClientRecord, bool) {
	rec, created, err := g.registry.Subscribe(appID)
	if err != nil {
		g.logger.Warn().Err(err).Msg("client registration failed")
		return rec, false
	}
	if created {
		metrics.ClientsRegistered.Set(float64(g.registry.Len()))
		logger := log.WithAppID(appID)
		logger.Info().Msg("client registered")
	}
	return rec, created
}

// OnEvent routes a map_created event to the application it names. It
// reports whether a notification was handed to the application's mailbox.
func (g *Gateway) OnEvent(ev *events.Event) bool {
	if ev == nil || ev.Kind != events.KindMapCreated {
		return false
	}

	appID, hasApp := ev.Payload.String(types.KeyAppID)
	id, hasUUID := ev.Payload.String(types.KeyUUID)
	if !hasApp || !hasUUID {
		g.logger.Info().Str("event", ev.ID).Msg("map_created without appid or uuid dropped")
		metrics.Notifications.WithLabelValues("incomplete").Inc()
		return false
	}

	logger := log.WithAppID(appID).With().Str("uuid", id).Logger()
	if _, ok := g.registry.Lookup(appID); !ok {
		logger.Info().Msg("map_created for unregistered client dropped")
		metrics.Notifications.WithLabelValues("unroutable").Inc()
		return false
	}

	if !g.events.Send(appID, &events.Event{
		Kind:    events.KindMapSurface,
		Payload: types.Payload{types.KeyMapSurface: id},
	}) {
		logger.Warn().Msg("client mailbox full, map_surface dropped")
		metrics.Notifications.WithLabelValues("dropped").Inc()
		return false
	}

	g.registry.RecordDelivery(appID, id)
	metrics.Notifications.WithLabelValues("delivered").Inc()
	logger.Debug().Msg("map_surface delivered")
	return true
}

// Run consumes the broker's event stream until ctx is done, reconnecting
// after ReconnectDelay whenever the stream ends.
func (g *Gateway) Run(ctx context.Context, source EventSource) error {
	for {
		ch, err := source.Events(ctx, g.cfg.BrokerAPI)
		if err != nil {
			g.logger.Warn().Err(err).Str("api", g.cfg.BrokerAPI).Msg("failed to open broker event stream")
		} else {
			g.logger.Info().Str("api", g.cfg.BrokerAPI).Msg("following broker events")
			for ev := range ch {
				g.OnEvent(ev)
			}
		}

		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(g.cfg.ReconnectDelay):
		}
	}
}
