package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/hashworknet/hashwork/config"
	"github.com/hashworknet/hashwork/logging"
	"github.com/hashworknet/hashwork/miner"
	"github.com/hashworknet/hashwork/shared"
	"github.com/hashworknet/hashwork/signing"
	"github.com/hashworknet/hashwork/transport"
	"github.com/hashworknet/hashwork/validator"
)

const minerKeyFilename = "miner.key"

type Server struct {
	cfg     config.Config
	genesis time.Time

	svc    *validator.Service
	store  *validator.Store
	sender *fanoutSender
	hub    *transport.Hub

	manager   *miner.DeviceManager
	responder *miner.Responder

	apiListener     net.Listener
	metricsListener net.Listener
	started         time.Time
}

func New(ctx context.Context, cfg config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := logging.FromContext(ctx)

	// Resolve the API listener
	addr, err := net.ResolveTCPAddr("tcp", cfg.RawAPIListener)
	if err != nil {
		return nil, err
	}
	apiListener, err := net.Listen(addr.Network(), addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %v", err)
	}

	var metricsListener net.Listener
	if cfg.MetricsPort != nil {
		metricsListener, err = net.Listen("tcp", fmt.Sprintf(":%d", *cfg.MetricsPort))
		if err != nil {
			return nil, fmt.Errorf("failed to listen for metrics: %v", err)
		}
	}

	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, err
		}
	}

	s, found, err := loadState(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	genesis := cfg.Genesis.Time()
	if found {
		if !s.Genesis.Equal(genesis) {
			logger.Info("using genesis from a previous run",
				zap.Time("stored", s.Genesis), zap.Time("configured", genesis))
		}
		genesis = s.Genesis
	} else {
		s = &state{Genesis: genesis}
	}
	s.SavedAt = time.Now()
	if err := s.save(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("saving state: %w", err)
	}

	store, err := validator.OpenStore(cfg.DbDir)
	if err != nil {
		return nil, fmt.Errorf("opening challenge store: %w", err)
	}

	sender := &fanoutSender{}
	svc, err := validator.NewService(ctx, genesis, cfg.DataDir, &cfg.Validator, store, sender, cfg.Epoch)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating validator service: %w", err)
	}

	srv := &Server{
		cfg:             cfg,
		genesis:         genesis,
		svc:             svc,
		store:           store,
		sender:          sender,
		apiListener:     apiListener,
		metricsListener: metricsListener,
	}

	if !cfg.DisableWS {
		srv.hub = transport.NewHub(svc)
		sender.targets = append(sender.targets, srv.hub)
	}

	if cfg.Standalone {
		if err := srv.setupStandaloneMiner(ctx, sender); err != nil {
			store.Close()
			return nil, fmt.Errorf("setting up standalone miner: %w", err)
		}
	}
	return srv, nil
}

// setupStandaloneMiner attaches a simulated miner over the in-memory
// transport, so a single process exercises the full issue-solve-verify
// loop without any network in between.
func (s *Server) setupStandaloneMiner(ctx context.Context, sender *fanoutSender) error {
	key, err := signing.LoadOrCreateKey(filepath.Join(s.cfg.DataDir, minerKeyFilename))
	if err != nil {
		return err
	}

	mem := transport.NewInMemory()
	sender.targets = append(sender.targets, mem)
	feed := mem.Attach(key.MinerID())

	device := miner.NewSimulatedDevice("sim-0", 0)
	s.manager = miner.NewDeviceManager(&s.cfg.Miner, device)
	responder, err := miner.NewResponder(&s.cfg.Miner, key, s.manager, s.svc, feed)
	if err != nil {
		return err
	}
	s.responder = responder

	logging.FromContext(ctx).Info("standalone miner enabled", zap.String("miner_id", key.MinerID()))
	return nil
}

func (s *Server) Close() error {
	if s.manager != nil {
		return errors.Join(s.manager.Close(), s.store.Close())
	}
	return s.store.Close()
}

// ApiAddr returns the address the HTTP API is listening on.
func (s *Server) ApiAddr() net.Addr {
	return s.apiListener.Addr()
}

// Service exposes the validator service for tests and tooling.
func (s *Server) Service() *validator.Service {
	return s.svc
}

func (s *Server) Start(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	serverGroup, ctx := errgroup.WithContext(ctx)

	logger := logging.FromContext(ctx)
	s.started = time.Now()

	logger.Info("starting validator service")
	serverGroup.Go(func() error {
		return s.svc.Run(ctx)
	})

	if s.responder != nil {
		logger.Info("starting standalone miner")
		serverGroup.Go(func() error {
			return s.manager.Run(ctx)
		})
		serverGroup.Go(func() error {
			return s.responder.Run(ctx)
		})
	}

	a := &api{
		svc:      s.svc,
		sender:   s.sender,
		genesis:  s.genesis,
		schedule: s.cfg.Epoch,
		started:  s.started,
	}
	var ws echo.HandlerFunc
	if s.hub != nil {
		ws = echo.WrapHandler(http.HandlerFunc(s.hub.Handle))
	}
	e := a.router(logger, ws)
	e.Listener = s.apiListener
	serverGroup.Go(func() error {
		logger.Sugar().Infof("API server listening on %s", s.apiListener.Addr())
		err := e.Start("")
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	var metricsServer *http.Server
	if s.metricsListener != nil {
		metricsServer = &http.Server{Handler: promhttp.Handler(), ReadHeaderTimeout: time.Second * 5}
		serverGroup.Go(func() error {
			logger.Sugar().Infof("metrics listening on %s", s.metricsListener.Addr())
			err := metricsServer.Serve(s.metricsListener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	// Wait for the server to shut down gracefully
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Sugar().Errorf("failed to shutdown API server: %s", err)
	}
	if s.hub != nil {
		s.hub.Shutdown()
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Sugar().Errorf("failed to shutdown metrics server: %s", err)
		}
	}
	if err := serverGroup.Wait(); err != nil {
		logger.Sugar().Errorf("error when waiting to shutdown servers: %s", err)
	}

	epoch := s.cfg.Epoch.CurrentEpoch(s.genesis, time.Now())
	st := &state{Genesis: s.genesis, LastEpoch: epoch, SavedAt: time.Now()}
	if err := st.save(s.cfg.DataDir); err != nil {
		logger.Sugar().Errorf("failed to save state: %s", err)
	}
	return nil
}

// fanoutSender routes each challenge to whichever transport the miner
// is reachable on. Registration order decides ties, which in practice
// cannot happen: an id is either a websocket session or an in-memory
// feed, never both.
type fanoutSender struct {
	targets []validator.ChallengeSender
}

func (f *fanoutSender) SendChallenge(ctx context.Context, minerID string, msg *shared.ChallengeMessage) error {
	for _, t := range f.targets {
		if slices.Contains(t.ConnectedMiners(), minerID) {
			return t.SendChallenge(ctx, minerID, msg)
		}
	}
	return fmt.Errorf("miner %s is not reachable on any transport", minerID)
}

func (f *fanoutSender) ConnectedMiners() []string {
	var miners []string
	for _, t := range f.targets {
		for _, id := range t.ConnectedMiners() {
			if !slices.Contains(miners, id) {
				miners = append(miners, id)
			}
		}
	}
	return miners
}
