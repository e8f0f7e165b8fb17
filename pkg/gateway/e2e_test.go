package gateway_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/mapservice/pkg/binding"
	"github.com/cuemby/mapservice/pkg/client"
	"github.com/cuemby/mapservice/pkg/events"
	"github.com/cuemby/mapservice/pkg/gateway"
	"github.com/cuemby/mapservice/pkg/metrics"
	"github.com/cuemby/mapservice/pkg/registry"
	"github.com/cuemby/mapservice/pkg/storage"
	"github.com/cuemby/mapservice/pkg/surface"
	"github.com/cuemby/mapservice/pkg/surfaceui"
	"github.com/cuemby/mapservice/pkg/types"
	"github.com/cuemby/mapservice/pkg/windowmanager"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	apiGateway = "map-service"
	apiBroker  = "map-private"
	apiWM      = "windowmanager"
	apiUI      = "map-ui"
)

type cluster struct {
	endpoints map[string]string
	wm        *windowmanager.Manager
	store     *storage.BoltStore
	registry  *registry.Registry
}

type clusterOptions struct {
	propagate bool
	wmDown    bool
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return lis
}

func serve(t *testing.T, b *binding.Binding, lis net.Listener) {
	t.Helper()
	go func() { _ = b.Serve(lis) }()
	t.Cleanup(b.Stop)
}

func newEvents(t *testing.T) *events.Broker {
	t.Helper()
	ev := events.NewBroker()
	ev.Start()
	t.Cleanup(ev.Stop)
	return ev
}

func newClient(t *testing.T, identity string, endpoints map[string]string) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{Identity: identity, Endpoints: endpoints, Timeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func startCluster(t *testing.T, opts clusterOptions) *cluster {
	t.Helper()

	listeners := map[string]net.Listener{
		apiGateway: listen(t),
		apiBroker:  listen(t),
		apiWM:      listen(t),
		apiUI:      listen(t),
	}
	endpoints := make(map[string]string)
	for api, lis := range listeners {
		endpoints[api] = lis.Addr().String()
	}
	if opts.wmDown {
		listeners[apiWM].Close()
	}

	c := &cluster{endpoints: endpoints, registry: registry.New()}

	// window manager
	if !opts.wmDown {
		b := binding.New(apiWM, "", newEvents(t))
		wm, err := windowmanager.New(b)
		require.NoError(t, err)
		c.wm = wm
		serve(t, b, listeners[apiWM])
	}

	// surface broker
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	c.store = store

	bb := binding.New(apiBroker, "", newEvents(t))
	br, err := surface.New(surface.Config{
		WindowManagerAPI: apiWM,
		AttachVerb:       windowmanager.VerbAttachSurface,
		LabelPrefix:      "map-",
		UIAPI:            apiUI,
		UIVerb:           surfaceui.VerbCreateSurface,
	}, bb, newClient(t, apiBroker, endpoints), store)
	require.NoError(t, err)
	t.Cleanup(br.Close)
	serve(t, bb, listeners[apiBroker])

	// UI agent
	ub := binding.New(apiUI, "", newEvents(t))
	_, err = surfaceui.New(surfaceui.Config{BrokerAPI: apiBroker, WindowManagerAPI: apiWM}, ub, newClient(t, apiUI, endpoints), nil)
	require.NoError(t, err)
	serve(t, ub, listeners[apiUI])

	// public gateway
	gb := binding.New(apiGateway, "", newEvents(t))
	gwClient := newClient(t, apiGateway, endpoints)
	gw, err := gateway.New(gateway.Config{
		BrokerAPI:              apiBroker,
		PropagateBrokerFailure: opts.propagate,
		ReconnectDelay:         20 * time.Millisecond,
	}, gb, gwClient, c.registry)
	require.NoError(t, err)
	serve(t, gb, listeners[apiGateway])

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = gw.Run(ctx, gwClient) }()

	return c
}

// observe subscribes a passive client to the broker's new_request events
func observe(t *testing.T, c *cluster) <-chan *events.Event {
	t.Helper()
	obs := newClient(t, "observer", c.endpoints)
	_, err := obs.Call(context.Background(), apiBroker, "start_service", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch, err := obs.Events(ctx, apiBroker)
	require.NoError(t, err)
	return ch
}

func receive(t *testing.T, ch <-chan *events.Event) *events.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func nothing(t *testing.T, ch <-chan *events.Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected %s event", ev.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMapRequestIsConfirmedToTheRequester(t *testing.T) {
	c := startCluster(t, clusterOptions{})
	newRequests := observe(t, c)

	app := newClient(t, "app.1", c.endpoints)
	_, err := app.Call(context.Background(), apiGateway, gateway.VerbSubscribe, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifications, err := app.Events(ctx, apiGateway)
	require.NoError(t, err)

	reply, err := app.Call(context.Background(), apiGateway, gateway.VerbRequestMap, types.Payload{"type": "local"})
	require.NoError(t, err)
	id, ok := reply.String("uuid")
	require.True(t, ok, "reply carries the attachment uuid: %v", reply)

	// the window manager attached a surface to the requester
	atts := c.wm.Attachments()
	require.Len(t, atts, 1)
	assert.Equal(t, "app.1", atts[0].Destination)
	assert.Equal(t, id, atts[0].UUID)

	// passive observers saw the original request
	ev := receive(t, newRequests)
	assert.Equal(t, events.KindNewRequest, ev.Kind)
	assert.Equal(t, "app.1", ev.Payload["appid"])
	assert.Equal(t, "local", ev.Payload["type"])

	// the UI reported the surface and the gateway routed the confirmation
	ev = receive(t, notifications)
	assert.Equal(t, events.KindMapSurface, ev.Kind)
	assert.Equal(t, id, ev.Payload["map_surface"])

	assert.Eventually(t, func() bool {
		n, err := c.store.CountAttachments()
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond, "reported attachment leaves the ledger")

	rec, ok := c.registry.Lookup("app.1")
	require.True(t, ok)
	assert.Equal(t, 1, rec.Deliveries)
}

func TestMapRequestWithoutIdentity(t *testing.T) {
	c := startCluster(t, clusterOptions{})
	newRequests := observe(t, c)

	anonymous := newClient(t, "", c.endpoints)
	_, err := anonymous.Call(context.Background(), apiGateway, gateway.VerbRequestMap, types.Payload{})
	require.Error(t, err)

	var ce *client.CallError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Remote)
	assert.Equal(t, types.CodeBadRequest, ce.Info)

	assert.Empty(t, c.wm.Attachments())
	nothing(t, newRequests)
	assert.Zero(t, c.registry.Len())
}

func TestWindowManagerDown(t *testing.T) {
	t.Run("failure logged", func(t *testing.T) {
		c := startCluster(t, clusterOptions{wmDown: true})
		newRequests := observe(t, c)

		app := newClient(t, "app.1", c.endpoints)
		_, err := app.Call(context.Background(), apiGateway, gateway.VerbRequestMap, nil)
		assert.NoError(t, err)
		nothing(t, newRequests)
	})

	t.Run("failure propagated", func(t *testing.T) {
		c := startCluster(t, clusterOptions{wmDown: true, propagate: true})
		newRequests := observe(t, c)

		app := newClient(t, "app.1", c.endpoints)
		_, err := app.Call(context.Background(), apiGateway, gateway.VerbRequestMap, nil)
		require.Error(t, err)

		var ce *client.CallError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, types.CodeWMCallFailed, ce.Info)
		nothing(t, newRequests)
	})
}

func TestUnregisteredApplicationIsNotNotified(t *testing.T) {
	c := startCluster(t, clusterOptions{})
	unroutable := testutil.ToFloat64(metrics.Notifications.WithLabelValues("unroutable"))

	// a first request through the gateway arms its map_created subscription
	app := newClient(t, "app.2", c.endpoints)
	_, err := app.Call(context.Background(), apiGateway, gateway.VerbRequestMap, nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		rec, ok := c.registry.Lookup("app.2")
		return ok && rec.Deliveries == 1
	}, 5*time.Second, 10*time.Millisecond)

	// a request for an identity that never talked to the gateway
	tool := newClient(t, "tool", c.endpoints)
	reply, err := tool.Call(context.Background(), apiBroker, surface.VerbRequestMap, types.Payload{"appid": "app.never"})
	require.NoError(t, err)
	assert.Equal(t, "app.never", reply["appid"])

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.Notifications.WithLabelValues("unroutable")) == unroutable+1
	}, 5*time.Second, 10*time.Millisecond, "map_created for app.never reaches the gateway and is dropped")

	_, ok := c.registry.Lookup("app.never")
	assert.False(t, ok)
	rec, ok := c.registry.Lookup("app.2")
	require.True(t, ok)
	assert.Equal(t, 1, rec.Deliveries)
}
