package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/mapservice/pkg/api"
	"github.com/cuemby/mapservice/pkg/binding"
	"github.com/cuemby/mapservice/pkg/client"
	"github.com/cuemby/mapservice/pkg/events"
	"github.com/cuemby/mapservice/pkg/gateway"
	"github.com/cuemby/mapservice/pkg/health"
	"github.com/cuemby/mapservice/pkg/log"
	"github.com/cuemby/mapservice/pkg/metrics"
	"github.com/cuemby/mapservice/pkg/registry"
	"github.com/cuemby/mapservice/pkg/storage"
	"github.com/cuemby/mapservice/pkg/surface"
	"github.com/cuemby/mapservice/pkg/surfaceui"
	"github.com/cuemby/mapservice/pkg/windowmanager"
	"github.com/spf13/cobra"
)

// stopper releases what a start function acquired, in reverse order
type stopper []func()

func (s *stopper) add(fn func()) {
	*s = append(*s, fn)
}

func (s stopper) stop() {
	for i := len(s) - 1; i >= 0; i-- {
		s[i]()
	}
}

func newCaller(identity string) (*client.Client, error) {
	return client.New(client.Config{
		Identity:  identity,
		Endpoints: cfg.Endpoints,
		Timeout:   cfg.CallTimeout.Std(),
		CAFile:    cfg.CAFile,
	})
}

// serveBinding serves b on addr in the background. Listen and serve
// failures are sent on errCh.
func serveBinding(b *binding.Binding, addr string, errCh chan<- error, s *stopper) {
	go func() {
		if err := b.Start(addr); err != nil {
			errCh <- fmt.Errorf("%s: %w", b.API(), err)
		}
	}()
	metrics.RegisterComponent(b.API(), true, "serving on "+addr)
	s.add(b.Stop)
}

func serveAdmin(admin *api.Server, addr string, errCh chan<- error, s *stopper) {
	if addr == "" {
		return
	}
	go func() {
		if err := admin.Start(addr); err != nil {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()
	s.add(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = admin.Shutdown(ctx)
	})
}

// watchPeers probes the endpoints of apis and serves their status on the
// admin /peers route when admin is not nil.
func watchPeers(admin *api.Server, s *stopper, apis ...string) {
	if cfg.ProbeInterval <= 0 {
		return
	}
	mon := health.NewMonitor(health.Config{
		Interval: cfg.ProbeInterval.Std(),
		Timeout:  cfg.CallTimeout.Std(),
	})
	for _, name := range apis {
		if addr, ok := cfg.Endpoints[name]; ok && name != "" {
			mon.Watch(name, addr)
		}
	}
	mon.Start()
	s.add(mon.Stop)
	if admin != nil {
		admin.HandleJSON("/peers", func() (any, error) { return mon.Statuses(), nil })
	}
}

func newEvents(s *stopper) *events.Broker {
	ev := events.NewBroker()
	ev.Start()
	s.add(ev.Stop)
	return ev
}

func startBroker(errCh chan<- error, s *stopper) error {
	bc := cfg.Broker
	if err := os.MkdirAll(bc.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(bc.DataDir)
	if err != nil {
		metrics.RegisterComponent("ledger", false, err.Error())
		return err
	}
	s.add(func() { _ = store.Close() })
	metrics.RegisterComponent("ledger", true, "open")

	caller, err := newCaller(bc.API)
	if err != nil {
		return err
	}
	s.add(func() { _ = caller.Close() })

	b := binding.New(bc.API, "surface broker", newEvents(s))
	br, err := surface.New(surface.Config{
		WindowManagerAPI: bc.WindowManagerAPI,
		AttachVerb:       bc.AttachVerb,
		LabelPrefix:      bc.LabelPrefix,
		Scope:            bc.SubscribeScope,
		UIAPI:            bc.UIAPI,
		UIVerb:           bc.UIVerb,
	}, b, caller, store)
	if err != nil {
		return err
	}
	s.add(br.Close)

	janitor := surface.NewJanitor(store, bc.AttachmentTTL.Std(), bc.PruneInterval.Std())
	janitor.Start()
	s.add(janitor.Stop)

	collector := metrics.NewCollector(bc.PruneInterval.Std())
	collector.Track(metrics.AttachmentsInFlight, store.CountAttachments)
	collector.Start()
	s.add(collector.Stop)

	admin := api.NewServer()
	admin.HandleJSON("/attachments", func() (any, error) { return store.ListAttachments() })
	admin.HandleJSON("/verbs", func() (any, error) { return b.Verbs(), nil })
	admin.HandleJSON("/sessions", func() (any, error) { return b.Events().Sessions(), nil })
	watchPeers(admin, s, bc.WindowManagerAPI, bc.UIAPI)
	serveAdmin(admin, bc.AdminAddr, errCh, s)

	serveBinding(b, bc.ListenAddr, errCh, s)
	logger := log.WithComponent("surface-broker")
	logger.Info().
		Str("window_manager", bc.WindowManagerAPI).
		Str("ui", bc.UIAPI).
		Str("scope", bc.SubscribeScope).
		Msg("surface broker started")
	return nil
}

func startGateway(ctx context.Context, errCh chan<- error, s *stopper) error {
	gc := cfg.Gateway
	caller, err := newCaller(gc.API)
	if err != nil {
		return err
	}
	s.add(func() { _ = caller.Close() })

	reg := registry.New()
	b := binding.New(gc.API, "public map gateway", newEvents(s))
	gw, err := gateway.New(gateway.Config{
		BrokerAPI:              gc.BrokerAPI,
		PropagateBrokerFailure: gc.PropagateBrokerFailure,
		ReconnectDelay:         gc.ReconnectDelay.Std(),
	}, b, caller, reg)
	if err != nil {
		return err
	}

	admin := api.NewServer()
	admin.Mount("/notify", gw.NotifyHandler())
	admin.HandleJSON("/clients", func() (any, error) { return reg.List(), nil })
	admin.HandleJSON("/verbs", func() (any, error) { return b.Verbs(), nil })
	admin.HandleJSON("/sessions", func() (any, error) { return b.Events().Sessions(), nil })
	watchPeers(admin, s, gc.BrokerAPI)
	serveAdmin(admin, gc.AdminAddr, errCh, s)

	serveBinding(b, gc.ListenAddr, errCh, s)
	go func() { _ = gw.Run(ctx, caller) }()
	return nil
}

func startWindowManager(errCh chan<- error, s *stopper) error {
	wc := cfg.WindowManager
	b := binding.New(wc.API, "reference window manager", newEvents(s))
	if _, err := windowmanager.New(b); err != nil {
		return err
	}
	serveBinding(b, wc.ListenAddr, errCh, s)
	return nil
}

func startUI(ctx context.Context, errCh chan<- error, s *stopper) error {
	uc := cfg.UI
	caller, err := newCaller(uc.API)
	if err != nil {
		return err
	}
	s.add(func() { _ = caller.Close() })

	b := binding.New(uc.API, "map UI agent", newEvents(s))
	agent, err := surfaceui.New(surfaceui.Config{
		BrokerAPI:        uc.BrokerAPI,
		WindowManagerAPI: cfg.Broker.WindowManagerAPI,
	}, b, caller, nil)
	if err != nil {
		return err
	}
	serveBinding(b, uc.ListenAddr, errCh, s)
	watchPeers(nil, s, uc.BrokerAPI)

	logger := log.WithComponent("surface-ui")
	go func() {
		for {
			if err := agent.Watch(ctx, caller); err != nil {
				logger.Warn().Err(err).Msg("cannot follow broker requests, retrying")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(uc.ReconnectDelay.Std()):
			}
		}
	}()
	return nil
}

func run(start func(ctx context.Context, errCh chan<- error, s *stopper) error, critical ...string) error {
	metrics.SetCritical(critical...)

	var s stopper
	defer func() { s.stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 8)
	if err := start(ctx, errCh, &s); err != nil {
		return err
	}
	return waitForSignal(errCh)
}

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the surface broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(func(ctx context.Context, errCh chan<- error, s *stopper) error {
			return startBroker(errCh, s)
		}, cfg.Broker.API, "ledger")
	},
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the public gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(startGateway, cfg.Gateway.API)
	},
}

var windowManagerCmd = &cobra.Command{
	Use:   "windowmanager",
	Short: "Run the reference window manager",
	Long: `Run a window manager that hands out surface numbers and uuids
without drawing anything. Meant for development and tests.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(func(ctx context.Context, errCh chan<- error, s *stopper) error {
			return startWindowManager(errCh, s)
		}, cfg.WindowManager.API)
	},
}

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Run the UI agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(startUI, cfg.UI.API)
	},
}

var standaloneCmd = &cobra.Command{
	Use:   "standalone",
	Short: "Run every process of the map service in one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(func(ctx context.Context, errCh chan<- error, s *stopper) error {
			if err := startWindowManager(errCh, s); err != nil {
				return err
			}
			if err := startBroker(errCh, s); err != nil {
				return err
			}
			if err := startUI(ctx, errCh, s); err != nil {
				return err
			}
			return startGateway(ctx, errCh, s)
		}, cfg.Gateway.API, cfg.Broker.API, cfg.WindowManager.API, cfg.UI.API, "ledger")
	},
}
