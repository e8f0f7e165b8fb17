package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cuemby/mapservice/pkg/binding"
	"github.com/cuemby/mapservice/pkg/events"
	"github.com/cuemby/mapservice/pkg/log"
	"github.com/cuemby/mapservice/pkg/metrics"
	"github.com/cuemby/mapservice/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultTimeout bounds a call when the configuration does not
const DefaultTimeout = 10 * time.Second

// Config configures a Client
type Config struct {
	// Identity is presented to the callee as the caller's application id
	Identity string
	// Endpoints maps an API name to the address serving it
	Endpoints map[string]string
	Timeout   time.Duration
	// CAFile enables TLS towards every endpoint, verified against this CA
	CAFile string
}

// CallError is the failure of a synchronous call. Remote is set when the
// callee replied with a failure; otherwise the call never completed.
type CallError struct {
	API    string
	Verb   string
	Remote bool
	Info   string
	Err    error
}

func (e *CallError) Error() string {
	if e.Remote {
		return fmt.Sprintf("%s/%s failed: %s", e.API, e.Verb, e.Info)
	}
	return fmt.Sprintf("%s/%s: call failed: %s", e.API, e.Verb, e.Info)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// IsRemote reports whether err is a failure replied by the callee
func IsRemote(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Remote
}

// Client issues synchronous verb calls to named APIs
type Client struct {
	identity  string
	endpoints map[string]string
	timeout   time.Duration
	creds     credentials.TransportCredentials

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// New creates a client. Connections are opened lazily, per API.
func New(cfg Config) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	creds := insecure.NewCredentials()
	if cfg.CAFile != "" {
		tlsCreds, err := loadTLS(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		creds = tlsCreds
	}

	endpoints := make(map[string]string, len(cfg.Endpoints))
	for api, addr := range cfg.Endpoints {
		endpoints[api] = addr
	}

	return &Client{
		identity:  cfg.Identity,
		endpoints: endpoints,
		timeout:   timeout,
		creds:     creds,
		conns:     make(map[string]*grpc.ClientConn),
	}, nil
}

func loadTLS(caFile string) (credentials.TransportCredentials, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificate found in %s", caFile)
	}
	return credentials.NewTLS(&tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS13,
	}), nil
}

// Identity returns the application id presented to callees
func (c *Client) Identity() string {
	return c.identity
}

func (c *Client) conn(api string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[api]; ok {
		return conn, nil
	}
	addr, ok := c.endpoints[api]
	if !ok || addr == "" {
		return nil, fmt.Errorf("no endpoint configured for api %s", api)
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(c.creds))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", api, err)
	}
	c.conns[api] = conn
	return conn, nil
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.identity == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, binding.MetadataAppID, c.identity)
}

// Call invokes verb on api with args and waits for the reply. The arguments
// are copied; the caller keeps ownership of args.
func (c *Client) Call(ctx context.Context, api, verb string, args types.Payload) (types.Payload, error) {
	if api == "" || verb == "" {
		return nil, &CallError{API: api, Verb: verb, Info: "api and verb are required"}
	}

	timer := metrics.NewTimer()
	reply, err := c.call(ctx, api, verb, args)
	timer.ObserveDurationVec(metrics.CallDuration, api, verb)

	result := "success"
	if err != nil {
		result = "transport_error"
		if IsRemote(err) {
			result = "remote_failure"
		}
		logger := log.WithAPI(api)
		logger.Debug().Str("verb", verb).Err(err).Msg("call failed")
	}
	metrics.CallsTotal.WithLabelValues(api, verb, result).Inc()
	return reply, err
}

func (c *Client) call(ctx context.Context, api, verb string, args types.Payload) (types.Payload, error) {
	conn, err := c.conn(api)
	if err != nil {
		return nil, &CallError{API: api, Verb: verb, Info: err.Error(), Err: err}
	}

	in, err := structpb.NewStruct(map[string]any(args.Clone()))
	if err != nil {
		return nil, &CallError{API: api, Verb: verb, Info: "encode arguments: " + err.Error(), Err: err}
	}

	ctx, cancel := context.WithTimeout(c.outgoing(ctx), c.timeout)
	defer cancel()

	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, binding.MethodPath(api, verb), in, out); err != nil {
		st := status.Convert(err)
		return nil, &CallError{
			API:    api,
			Verb:   verb,
			Remote: st.Code() == codes.FailedPrecondition,
			Info:   st.Message(),
			Err:    err,
		}
	}
	return types.Payload(out.AsMap()), nil
}

// Events opens the event stream of api for this client's session. The
// returned channel is closed when the stream ends or ctx is done.
func (c *Client) Events(ctx context.Context, api string) (<-chan *events.Event, error) {
	conn, err := c.conn(api)
	if err != nil {
		return nil, err
	}

	desc := &grpc.StreamDesc{StreamName: binding.EventsStream, ServerStreams: true}
	stream, err := conn.NewStream(c.outgoing(ctx), desc, binding.MethodPath(api, binding.EventsStream))
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}

	logger := log.WithAPI(api)
	out := make(chan *events.Event)
	go func() {
		defer close(out)
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				if ctx.Err() == nil {
					logger.Debug().Err(err).Msg("event stream ended")
				}
				return
			}
			ev, err := binding.DecodeEvent(msg)
			if err != nil {
				logger.Warn().Err(err).Msg("dropping undecodable event")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close closes every open connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for api, conn := range c.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", api, err))
		}
		delete(c.conns, api)
	}
	return errors.Join(errs...)
}
