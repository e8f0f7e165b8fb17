// Package surfaceui is the UI side of the surface handshake. It receives
// create-surface instructions from the broker, materializes the surface
// through a Renderer and reports it back with provide_surface.
package surfaceui

import (
	"context"
	"fmt"

	"github.com/cuemby/mapservice/pkg/binding"
	"github.com/cuemby/mapservice/pkg/events"
	"github.com/cuemby/mapservice/pkg/log"
	"github.com/cuemby/mapservice/pkg/types"
	"github.com/rs/zerolog"
)

// VerbCreateSurface is the instruction sent by the broker
const VerbCreateSurface = "create_surface"

// Broker verbs called by the agent
const (
	brokerProvideSurface = "provide_surface"
	brokerStartService   = "start_service"
	brokerStopService    = "stop_service"
	wmEndDraw            = "endDraw"
)

const createSurfaceSchema = `{
	"type": "object",
	"required": ["uuid"],
	"properties": {
		"uuid": {"type": "string", "minLength": 1},
		"appid": {"type": "string"},
		"surface": {"type": ["number", "string"]}
	}
}`

// Surface is a surface the UI has been asked to draw
type Surface struct {
	ID    types.SurfaceID
	UUID  string
	AppID string
}

// Renderer materializes surfaces
type Renderer interface {
	Materialize(ctx context.Context, s Surface) error
}

// LogRenderer only logs the surfaces it is given
type LogRenderer struct {
	Logger zerolog.Logger
}

func (r LogRenderer) Materialize(ctx context.Context, s Surface) error {
	r.Logger.Info().
		Str("surface", string(s.ID)).
		Str("uuid", s.UUID).
		Str("appid", s.AppID).
		Msg("surface materialized")
	return nil
}

// Caller issues synchronous verb calls to other APIs
type Caller interface {
	Call(ctx context.Context, api, verb string, args types.Payload) (types.Payload, error)
}

// EventSource streams the events an API sends to this process
type EventSource interface {
	Events(ctx context.Context, api string) (<-chan *events.Event, error)
}

// Config configures an Agent
type Config struct {
	BrokerAPI string
	// WindowManagerAPI, when set, receives endDraw once a surface is drawn
	WindowManagerAPI string
}

// Agent serves the UI verbs
type Agent struct {
	cfg      Config
	caller   Caller
	renderer Renderer
	logger   zerolog.Logger
}

// New creates an agent and registers its verbs on b. A nil renderer logs.
func New(cfg Config, b *binding.Binding, caller Caller, renderer Renderer) (*Agent, error) {
	if cfg.BrokerAPI == "" {
		return nil, fmt.Errorf("broker api is required")
	}
	a := &Agent{
		cfg:    cfg,
		caller: caller,
		logger: log.WithComponent("surface-ui"),
	}
	if renderer == nil {
		renderer = LogRenderer{Logger: a.logger}
	}
	a.renderer = renderer

	if err := b.AddVerb(binding.Verb{
		Name:          VerbCreateSurface,
		Info:          "draw a surface and report it to the broker",
		Schema:        createSurfaceSchema,
		SchemaFailure: types.CodeUUIDMissing,
		Handler:       a.CreateSurface,
	}); err != nil {
		return nil, err
	}
	return a, nil
}

// CreateSurface materializes the surface then reports it with its uuid
func (a *Agent) CreateSurface(req *binding.Request) (types.Payload, error) {
	id, ok := req.Args.String(types.KeyUUID)
	if !ok {
		return nil, binding.Fail(types.CodeUUIDMissing)
	}
	appID, ok := req.Args.String(types.KeyAppID)
	if !ok {
		return nil, binding.Fail(types.CodeBadRequest)
	}
	s := Surface{UUID: id, AppID: appID}
	s.ID, _ = types.SurfaceIDFrom(req.Args[types.KeySurface])

	ctx := req.Context()
	if err := a.renderer.Materialize(ctx, s); err != nil {
		a.logger.Warn().Err(err).Str("uuid", id).Msg("failed to materialize surface")
		return nil, fmt.Errorf("materialize surface: %w", err)
	}

	if a.cfg.WindowManagerAPI != "" {
		if _, err := a.caller.Call(ctx, a.cfg.WindowManagerAPI, wmEndDraw, types.Payload{
			types.KeyDrawingName: appID,
		}); err != nil {
			a.logger.Warn().Err(err).Msg("endDraw failed")
		}
	}

	if _, err := a.caller.Call(ctx, a.cfg.BrokerAPI, brokerProvideSurface, types.Payload{
		types.KeyUUID:  id,
		types.KeyAppID: appID,
	}); err != nil {
		a.logger.Warn().Err(err).Str("uuid", id).Msg("failed to report surface")
		return nil, fmt.Errorf("report surface: %w", err)
	}
	return types.Payload{}, nil
}

// Watch follows new_request on the broker until ctx is done, then
// unsubscribes.
func (a *Agent) Watch(ctx context.Context, source EventSource) error {
	if _, err := a.caller.Call(ctx, a.cfg.BrokerAPI, brokerStartService, nil); err != nil {
		return fmt.Errorf("start_service: %w", err)
	}
	defer func() {
		if _, err := a.caller.Call(context.Background(), a.cfg.BrokerAPI, brokerStopService, nil); err != nil {
			a.logger.Warn().Err(err).Msg("stop_service failed")
		}
	}()

	ch, err := source.Events(ctx, a.cfg.BrokerAPI)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Kind != events.KindNewRequest {
				continue
			}
			appID, _ := ev.Payload.String(types.KeyAppID)
			a.logger.Info().Str("appid", appID).Str("event", ev.ID).Msg("new map request")
		}
	}
}
