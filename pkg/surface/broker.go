package surface

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/mapservice/pkg/binding"
	"github.com/cuemby/mapservice/pkg/events"
	"github.com/cuemby/mapservice/pkg/log"
	"github.com/cuemby/mapservice/pkg/metrics"
	"github.com/cuemby/mapservice/pkg/storage"
	"github.com/cuemby/mapservice/pkg/types"
	"github.com/rs/zerolog"
)

// Verb names served by the broker
const (
	VerbRequestMap     = "request_map"
	VerbStartService   = "start_service"
	VerbStopService    = "stop_service"
	VerbProvideSurface = "provide_surface"
)

// Subscribe scopes of the map_created subscription
const (
	ScopeProcess     = "process"
	ScopeApplication = "application"
)

const (
	requestMapSchema = `{
		"type": "object",
		"properties": {
			"appid": {"type": "string"},
			"type": {"type": "string"}
		}
	}`
	provideSurfaceSchema = `{
		"type": "object",
		"required": ["uuid"],
		"properties": {
			"uuid": {"type": "string", "minLength": 1},
			"appid": {"type": "string"}
		}
	}`
)

// Caller issues synchronous verb calls to other APIs
type Caller interface {
	Call(ctx context.Context, api, verb string, args types.Payload) (types.Payload, error)
}

// Config configures a Broker
type Config struct {
	WindowManagerAPI string
	AttachVerb       string
	LabelPrefix      string
	// Scope is ScopeProcess (arm map_created on the first request ever
	// handled) or ScopeApplication (arm on the first request of each
	// application).
	Scope string
	// UIAPI receives the create-surface instruction through UIVerb. When
	// empty, the broker reports the surface to itself.
	UIAPI  string
	UIVerb string
}

// Broker owns the flow from a surface request to the map_created event
type Broker struct {
	cfg     Config
	binding *binding.Binding
	events  *events.Broker
	caller  Caller
	store   storage.Store
	logger  zerolog.Logger

	seq atomic.Uint64

	mu        sync.Mutex
	armed     bool
	armedApps map[string]bool

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a broker and registers its verbs on b
func New(cfg Config, b *binding.Binding, caller Caller, store storage.Store) (*Broker, error) {
	if cfg.WindowManagerAPI == "" || cfg.AttachVerb == "" {
		return nil, fmt.Errorf("window manager api and attach verb are required")
	}
	if cfg.Scope == "" {
		cfg.Scope = ScopeProcess
	}
	if cfg.Scope != ScopeProcess && cfg.Scope != ScopeApplication {
		return nil, fmt.Errorf("unknown subscribe scope %q", cfg.Scope)
	}
	if cfg.UIAPI != "" && cfg.UIVerb == "" {
		return nil, fmt.Errorf("ui verb is required with ui api %s", cfg.UIAPI)
	}

	br := &Broker{
		cfg:       cfg,
		binding:   b,
		events:    b.Events(),
		caller:    caller,
		store:     store,
		logger:    log.WithComponent("surface-broker"),
		armedApps: make(map[string]bool),
		stopCh:    make(chan struct{}),
	}

	verbs := []binding.Verb{
		{
			Name:    VerbRequestMap,
			Info:    "attach a surface to an application and ask the UI to create it",
			Schema:  requestMapSchema,
			Handler: br.HandleRequest,
		},
		{
			Name:    VerbStartService,
			Info:    "subscribe the caller to new_request",
			Handler: br.StartService,
		},
		{
			Name:    VerbStopService,
			Info:    "unsubscribe the caller from new_request",
			Handler: br.StopService,
		},
		{
			Name:          VerbProvideSurface,
			Info:          "report a created surface by uuid",
			Schema:        provideSurfaceSchema,
			SchemaFailure: types.CodeUUIDMissing,
			Handler: func(req *binding.Request) (types.Payload, error) {
				return br.ProvideSurface(req.Context(), req.Args)
			},
		},
	}
	for _, v := range verbs {
		if err := b.AddVerb(v); err != nil {
			return nil, err
		}
	}
	return br, nil
}

// activation follows one request through the state machine
type activation struct {
	req    *types.SurfaceRequest
	state  types.RequestState
	logger zerolog.Logger
}

// to moves the request to next. A request that reached a terminal state
// stays there.
func (a *activation) to(next types.RequestState) bool {
	if a.state.Terminal() {
		a.logger.Warn().Str("state", string(a.state)).Str("to", string(next)).Msg("transition out of terminal state ignored")
		return false
	}
	a.logger.Debug().Str("from", string(a.state)).Str("to", string(next)).Msg("request state")
	a.state = next
	return true
}

func (a *activation) fail(outcome, code string) error {
	a.logger.Warn().Str("state", string(a.state)).Str("reason", code).Msg("surface request failed")
	if a.to(types.StateFailed) {
		metrics.SurfaceRequests.WithLabelValues(outcome).Inc()
	}
	return binding.Fail(code)
}

// HandleRequest attaches a surface to the requesting application. It replies
// once the UI has been instructed, without waiting for the surface.
func (br *Broker) HandleRequest(req *binding.Request) (types.Payload, error) {
	sr := &types.SurfaceRequest{
		ServiceID: br.seq.Add(1),
		Session:   req.Session(),
		Args:      req.Args.Clone(),
	}
	a := &activation{
		req:    sr,
		state:  types.StateReceived,
		logger: br.logger.With().Uint64("service_id", sr.ServiceID).Logger(),
	}

	appID, ok := sr.Args.String(types.KeyAppID)
	if !ok {
		return nil, a.fail("bad_request", types.CodeBadRequest)
	}
	sr.AppID = appID
	sr.Label = fmt.Sprintf("%s%d", br.cfg.LabelPrefix, sr.ServiceID)
	a.logger = a.logger.With().Str("appid", appID).Logger()
	a.to(types.StateValidated)

	a.to(types.StateAttachRequested)
	reply, err := br.caller.Call(req.Context(), br.cfg.WindowManagerAPI, br.cfg.AttachVerb, types.Payload{
		types.KeyDestination:      appID,
		types.KeyServiceSurface:   sr.Label,
		types.KeyRequestSurfaceID: true,
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("attach call failed")
		return nil, a.fail("wm_call_failed", types.CodeWMCallFailed)
	}
	id, ok := reply.String(types.KeyUUID)
	if !ok {
		return nil, a.fail("wm_no_uuid", types.CodeWMNoUUID)
	}

	att := &types.SurfaceAttachment{
		UUID:      id,
		AppID:     appID,
		Label:     sr.Label,
		CreatedAt: time.Now(),
	}
	if surface, ok := types.SurfaceIDFrom(reply[types.KeySurface]); ok {
		att.Surface = surface
	}
	if err := br.store.PutAttachment(att); err != nil {
		a.logger.Error().Err(err).Msg("failed to record attachment")
		return nil, a.fail("ledger_unavailable", types.CodeLedgerUnavailable)
	}
	a.logger = a.logger.With().Str("uuid", id).Logger()
	a.to(types.StateAttached)

	br.events.Publish(&events.Event{Kind: events.KindNewRequest, Payload: sr.Args})
	br.arm(sr)
	a.to(types.StateUINotifyRequested)
	br.dispatchUI(att)

	a.to(types.StateCompleted)
	metrics.SurfaceRequests.WithLabelValues("completed").Inc()

	out := types.Payload{types.KeyUUID: id, types.KeyAppID: appID}
	if att.Surface != "" {
		out[types.KeySurface] = att.Surface.Value()
	}
	return out, nil
}

// arm subscribes the requesting session to map_created, once per process or
// once per application depending on the scope.
func (br *Broker) arm(sr *types.SurfaceRequest) {
	br.mu.Lock()
	defer br.mu.Unlock()

	switch br.cfg.Scope {
	case ScopeApplication:
		if br.armedApps[sr.AppID] {
			return
		}
		br.armedApps[sr.AppID] = true
	default:
		if br.armed {
			return
		}
		br.armed = true
	}

	if _, err := br.events.Subscribe(events.KindMapCreated, sr.Session); err != nil {
		br.logger.Error().Err(err).Str("session", sr.Session).Msg("failed to subscribe to map_created")
		return
	}
	br.logger.Info().
		Str("session", sr.Session).
		Str("scope", br.cfg.Scope).
		Msg("map_created subscription armed")
}

// dispatchUI sends the create-surface instruction in the background
func (br *Broker) dispatchUI(att *types.SurfaceAttachment) {
	instruction := types.Payload{
		types.KeyUUID:  att.UUID,
		types.KeyAppID: att.AppID,
	}
	if att.Surface != "" {
		instruction[types.KeySurface] = att.Surface.Value()
	}

	br.wg.Add(1)
	go func() {
		defer br.wg.Done()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-br.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		logger := br.logger.With().Str("uuid", att.UUID).Logger()
		if br.cfg.UIAPI == "" {
			if _, err := br.ProvideSurface(ctx, instruction); err != nil {
				logger.Warn().Err(err).Msg("self report failed")
			}
			return
		}
		if _, err := br.caller.Call(ctx, br.cfg.UIAPI, br.cfg.UIVerb, instruction); err != nil {
			logger.Warn().Err(err).Str("api", br.cfg.UIAPI).Msg("failed to instruct UI")
		}
	}()
}

// ProvideSurface translates a surface created report into map_created.
// Reports for a uuid that is not in flight are dropped.
func (br *Broker) ProvideSurface(ctx context.Context, args types.Payload) (types.Payload, error) {
	id, ok := args.String(types.KeyUUID)
	if !ok {
		metrics.SurfaceReports.WithLabelValues("rejected").Inc()
		return nil, binding.Fail(types.CodeUUIDMissing)
	}
	logger := br.logger.With().Str("uuid", id).Logger()

	att, err := br.store.TakeAttachment(id)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Info().Msg("surface report for unknown uuid dropped")
		metrics.SurfaceReports.WithLabelValues("unknown").Inc()
		return types.Payload{}, nil
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to read attachment")
		metrics.SurfaceReports.WithLabelValues("error").Inc()
		return nil, binding.Fail(types.CodeLedgerUnavailable)
	}

	payload := types.Payload{
		types.KeyUUID:  att.UUID,
		types.KeyAppID: att.AppID,
	}
	if att.Surface != "" {
		payload[types.KeySurface] = att.Surface.Value()
	}
	br.events.Publish(&events.Event{Kind: events.KindMapCreated, Payload: payload})
	metrics.SurfaceReports.WithLabelValues("published").Inc()
	logger.Debug().Str("appid", att.AppID).Msg("map_created published")
	return types.Payload{}, nil
}

// StartService subscribes the caller to new_request
func (br *Broker) StartService(req *binding.Request) (types.Payload, error) {
	if err := req.Subscribe(events.KindNewRequest); err != nil {
		br.logger.Warn().Err(err).Str("session", req.Session()).Msg("start_service subscribe failed")
	}
	return types.Payload{}, nil
}

// StopService unsubscribes the caller from new_request and releases its
// mailbox when nothing else is subscribed.
func (br *Broker) StopService(req *binding.Request) (types.Payload, error) {
	req.Unsubscribe(events.KindNewRequest)
	req.Release()
	return types.Payload{}, nil
}

// Close waits for pending UI instructions, cancelling those still running
func (br *Broker) Close() {
	br.stopOnce.Do(func() { close(br.stopCh) })
	br.wg.Wait()
}

// Wait blocks until every UI instruction sent so far has completed
func (br *Broker) Wait() {
	br.wg.Wait()
}
