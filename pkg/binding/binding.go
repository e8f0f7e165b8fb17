package binding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/mapservice/pkg/events"
	"github.com/cuemby/mapservice/pkg/log"
	"github.com/cuemby/mapservice/pkg/metrics"
	"github.com/cuemby/mapservice/pkg/types"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// EventsStream is the reserved server-stream method pushing a session's
// mailbox to the caller.
const EventsStream = "events"

// MethodPath returns the gRPC method path of verb on api
func MethodPath(api, verb string) string {
	return "/" + api + "/" + verb
}

// Handler serves one verb
type Handler func(req *Request) (types.Payload, error)

// Verb describes one entry point of a binding
type Verb struct {
	Name string
	Info string
	// Schema is an optional JSON schema the arguments must satisfy.
	Schema string
	// SchemaFailure is the failure code replied when Schema rejects the
	// arguments. Defaults to bad-request.
	SchemaFailure string
	Handler       Handler
}

type verb struct {
	Verb
	schema *jsonschema.Schema
}

// VerbError is a failure replied by a verb. Code is the short,
// machine-readable reason seen by the caller.
type VerbError struct {
	Code string
}

func (e *VerbError) Error() string {
	return e.Code
}

// Fail returns a verb failure with the given code
func Fail(code string) error {
	return &VerbError{Code: code}
}

// Binding is a named API whose verbs are served over gRPC
type Binding struct {
	api    string
	info   string
	events *events.Broker
	logger zerolog.Logger

	mu         sync.RWMutex
	verbs      map[string]*verb
	registered bool

	grpc     *grpc.Server
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a binding named api publishing on broker
func New(api, info string, broker *events.Broker) *Binding {
	b := &Binding{
		api:    api,
		info:   info,
		events: broker,
		logger: log.WithAPI(api),
		verbs:  make(map[string]*verb),
		done:   make(chan struct{}),
	}
	b.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(b.observe))
	return b
}

// API returns the binding name
func (b *Binding) API() string {
	return b.api
}

// Events returns the broker the binding publishes on
func (b *Binding) Events() *events.Broker {
	return b.events
}

// AddVerb registers a verb. Verbs must be added before Serve.
func (b *Binding) AddVerb(v Verb) error {
	if v.Name == "" || v.Handler == nil {
		return fmt.Errorf("verb name and handler are required")
	}
	if v.Name == EventsStream {
		return fmt.Errorf("verb name %q is reserved", v.Name)
	}
	if v.SchemaFailure == "" {
		v.SchemaFailure = types.CodeBadRequest
	}

	entry := &verb{Verb: v}
	if v.Schema != "" {
		schema, err := compileSchema(b.api+"/"+v.Name, v.Schema)
		if err != nil {
			return fmt.Errorf("verb %s: %w", v.Name, err)
		}
		entry.schema = schema
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.registered {
		return fmt.Errorf("binding %s already serving", b.api)
	}
	if _, exists := b.verbs[v.Name]; exists {
		return fmt.Errorf("verb %s already registered", v.Name)
	}
	b.verbs[v.Name] = entry
	return nil
}

// Verbs returns the registered verb names, sorted
func (b *Binding) Verbs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.verbs))
	for name := range b.verbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Start listens on addr and serves until Stop
func (b *Binding) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return b.Serve(lis)
}

// Serve serves the binding on lis until Stop
func (b *Binding) Serve(lis net.Listener) error {
	b.mu.Lock()
	if !b.registered {
		b.grpc.RegisterService(b.serviceDesc(), b)
		b.registered = true
	}
	b.mu.Unlock()

	b.logger.Info().Str("addr", lis.Addr().String()).Strs("verbs", b.Verbs()).Msg("binding listening")
	return b.grpc.Serve(lis)
}

// Stop ends open event streams and gracefully stops the server
func (b *Binding) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.grpc.GracefulStop()
	})
}

// serviceDesc builds the gRPC service of the binding. Caller must hold mu.
func (b *Binding) serviceDesc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: b.api,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    EventsStream,
			Handler:       b.streamEvents,
			ServerStreams: true,
		}},
		Metadata: b.info,
	}
	for name := range b.verbs {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    b.unaryHandler(name),
		})
	}
	return desc
}

func (b *Binding) unaryHandler(name string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return b.dispatch(ctx, name, req.(*structpb.Struct))
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: MethodPath(b.api, name),
		}
		return interceptor(ctx, in, info, handler)
	}
}

func (b *Binding) dispatch(ctx context.Context, name string, in *structpb.Struct) (*structpb.Struct, error) {
	b.mu.RLock()
	v, ok := b.verbs[name]
	b.mu.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "verb %s/%s not found", b.api, name)
	}

	args := types.Payload(in.AsMap())
	if v.schema != nil {
		if err := v.schema.Validate(map[string]any(args)); err != nil {
			b.logger.Debug().Str("verb", name).Err(err).Msg("arguments rejected by schema")
			return nil, toStatus(Fail(v.SchemaFailure))
		}
	}

	req := &Request{
		ctx:     ctx,
		API:     b.api,
		Verb:    name,
		Args:    args,
		AppID:   appIDFromContext(ctx),
		binding: b,
	}
	out, err := v.Handler(req)
	if err != nil {
		return nil, toStatus(err)
	}
	if out == nil {
		out = types.Payload{}
	}

	reply, err := structpb.NewStruct(map[string]any(out.Clone()))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return reply, nil
}

func toStatus(err error) error {
	var ve *VerbError
	if errors.As(err, &ve) {
		return status.Error(codes.FailedPrecondition, ve.Code)
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

// observe records metrics and a debug line for every unary verb
func (b *Binding) observe(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	name := info.FullMethod[strings.LastIndex(info.FullMethod, "/")+1:]
	timer := metrics.NewTimer()

	resp, err := handler(ctx, req)

	timer.ObserveDurationVec(metrics.VerbDuration, b.api, name)
	result := "success"
	if err != nil {
		result = status.Code(err).String()
	}
	metrics.VerbRequestsTotal.WithLabelValues(b.api, name, result).Inc()

	b.logger.Debug().
		Str("verb", name).
		Str("session", sessionFromContext(ctx)).
		Str("status", result).
		Dur("took", timer.Duration()).
		Msg("verb served")
	return resp, err
}

func (b *Binding) streamEvents(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}

	session := sessionFromContext(stream.Context())
	mb := b.events.Mailbox(session)
	b.logger.Debug().Str("session", session).Msg("event stream opened")
	defer func() {
		// Peer address sessions cannot be resumed by a new connection.
		if appIDFromContext(stream.Context()) == "" {
			b.events.Close(session)
		}
		b.logger.Debug().Str("session", session).Msg("event stream closed")
	}()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-b.done:
			return nil
		case ev, ok := <-mb.C():
			if !ok {
				return nil
			}
			msg, err := EncodeEvent(ev)
			if err != nil {
				b.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("failed to encode event")
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}
