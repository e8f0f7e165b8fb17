package binding

import (
	"context"

	"github.com/cuemby/mapservice/pkg/events"
	"github.com/cuemby/mapservice/pkg/types"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// MetadataAppID is the gRPC metadata key carrying the caller's application
// identity.
const MetadataAppID = "x-app-id"

// Request is one verb invocation
type Request struct {
	ctx     context.Context
	API     string
	Verb    string
	Args    types.Payload
	AppID   string
	binding *Binding
}

// NewRequest builds a request outside of the gRPC path, as used by
// in-process self calls.
func NewRequest(ctx context.Context, b *Binding, verb string, appID string, args types.Payload) *Request {
	return &Request{ctx: ctx, API: b.api, Verb: verb, Args: args, AppID: appID, binding: b}
}

// Context returns the request context
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// Session identifies the caller for event subscriptions: its application
// identity, or its peer address when it did not present one.
func (r *Request) Session() string {
	if r.AppID != "" {
		return r.AppID
	}
	return sessionFromContext(r.Context())
}

// Subscribe subscribes the caller's session to kind
func (r *Request) Subscribe(kind events.Kind) error {
	_, err := r.binding.events.Subscribe(kind, r.Session())
	return err
}

// Unsubscribe removes the caller's session from kind
func (r *Request) Unsubscribe(kind events.Kind) {
	r.binding.events.Unsubscribe(kind, r.Session())
}

// Release drops the caller's mailbox once it holds no subscription
func (r *Request) Release() {
	r.binding.events.Release(r.Session())
}

func appIDFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(MetadataAppID); len(v) > 0 {
		return v[0]
	}
	return ""
}

func sessionFromContext(ctx context.Context) string {
	if id := appIDFromContext(ctx); id != "" {
		return id
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "anonymous"
}
