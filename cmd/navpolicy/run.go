package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/navpolicy/internal/api"
	"github.com/banshee-data/navpolicy/internal/config"
	"github.com/banshee-data/navpolicy/internal/control"
	"github.com/banshee-data/navpolicy/internal/db"
	"github.com/banshee-data/navpolicy/internal/episode"
	"github.com/banshee-data/navpolicy/internal/httputil"
	"github.com/banshee-data/navpolicy/internal/model"
	"github.com/banshee-data/navpolicy/internal/monitoring"
	"github.com/banshee-data/navpolicy/internal/policy"
	"github.com/banshee-data/navpolicy/internal/robot"
	"github.com/banshee-data/navpolicy/internal/robotlink"
	"github.com/banshee-data/navpolicy/internal/subgoal"
	"github.com/banshee-data/navpolicy/internal/telemetry"
	"github.com/banshee-data/navpolicy/internal/trajlog"
	"github.com/banshee-data/navpolicy/internal/version"
)

var devMode bool
var serverURL string
var httpListen string
var grpcListen string

const (
	undockAttempts = 10
	undockInterval = time.Second
	dockReportWait = 5 * time.Second
	pingTimeout    = 5 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the navigation control loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if serverURL != "" {
			cfg.Subgoal.ServerURL = &serverURL
		}
		if httpListen != "" {
			cfg.Telemetry.HTTPListen = &httpListen
		}
		if grpcListen != "" {
			cfg.Telemetry.GRPCListen = &grpcListen
		}
		level := cfg.GetLogLevel()
		if logLevel != "" {
			level = logLevel
		}
		flush, err := monitoring.UseZap(level, devMode)
		if err != nil {
			return err
		}
		defer flush()
		monitoring.Logf("starting %s", version.String())

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runNode(ctx, cfg)
	},
}

func init() {
	runCmd.Flags().BoolVar(&devMode, "dev", false, "Run with a stub network, synthetic subgoals and no serial port")
	runCmd.Flags().StringVar(&serverURL, "server", "", "Subgoal server URL (overrides subgoal.server_url)")
	runCmd.Flags().StringVar(&httpListen, "listen", "", "HTTP listen address (overrides telemetry.http_listen)")
	runCmd.Flags().StringVar(&grpcListen, "grpc-listen", "", "gRPC listen address (overrides telemetry.grpc_listen)")
}

// robotLink is satisfied by both the serial link and its disabled stand-in.
type robotLink interface {
	control.CommandSink
	control.Undocker
	Monitor(ctx context.Context) error
	Close() error
	AttachAdminRoutes(mux *http.ServeMux)
}

func newNetwork(ctx context.Context, cfg *config.Config) (policy.Network, error) {
	if devMode {
		monitoring.Logf("[Model] dev mode: using stub network")
		return model.NewStub(), nil
	}
	if err := model.CheckCheckpoint(cfg.GetCheckpointPath()); err != nil {
		return nil, err
	}
	remote := model.NewRemote(cfg.GetInferenceURL(), httputil.NewStandardClient(&http.Client{Timeout: 10 * time.Second}))
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := remote.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("inference server %s unavailable: %w", cfg.GetInferenceURL(), err)
	}
	return remote, nil
}

func newSubgoalSource(cfg *config.Config, seed uint64) (control.SubgoalSource, error) {
	if devMode {
		w, h := cfg.GetImageSize()
		return subgoal.NewStatic(w, h)
	}
	return subgoal.NewClient(subgoal.Config{
		ServerURL:   cfg.GetSubgoalServerURL(),
		Timeout:     cfg.GetSubgoalTimeoutDuration(),
		MaxAttempts: cfg.GetSubgoalMaxAttempts(),
		Backoff:     cfg.GetSubgoalBackoff(),
		MaxBackoff:  cfg.GetSubgoalMaxBackoff(),
		Seed:        seed,
	}, httputil.NewStandardClient(&http.Client{}), nil), nil
}

func newRobotLink(cfg *config.Config, tracker *robot.Tracker) (robotLink, error) {
	port := cfg.GetRobotLinkPort()
	if devMode || port == "" {
		monitoring.Logf("[RobotLink] serial link disabled")
		return robotlink.NewDisabled(), nil
	}
	baud, dataBits, stopBits, parity := cfg.GetRobotLinkSerial()
	return robotlink.Open(port, robotlink.PortOptions{
		BaudRate: baud,
		DataBits: dataBits,
		StopBits: stopBits,
		Parity:   parity,
	}, tracker)
}

func runNode(ctx context.Context, cfg *config.Config) error {
	seed := uint64(cfg.GetSeed())
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	net, err := newNetwork(ctx, cfg)
	if err != nil {
		return err
	}
	w, h := cfg.GetImageSize()
	minStats, maxStats := cfg.GetActionStats()
	sampler, err := policy.NewSampler(policy.SamplerConfig{
		NumSamples:     cfg.GetNumSamples(),
		LenTrajPred:    cfg.GetLenTrajPred(),
		DiffusionSteps: cfg.GetNumDiffusionIters(),
		ImageWidth:     w,
		ImageHeight:    h,
		Stats:          policy.ActionStats{Min: minStats, Max: maxStats},
		Seed:           seed,
	}, net)
	if err != nil {
		return fmt.Errorf("failed to create sampler: %w", err)
	}
	selector, err := policy.NewSelector(cfg.GetWaypoint(), cfg.GetLenTrajPred(), cfg.GetNormalize(), cfg.GetMaxV(), cfg.GetFrameRate())
	if err != nil {
		return fmt.Errorf("failed to create waypoint selector: %w", err)
	}

	subgoals, err := newSubgoalSource(cfg, seed)
	if err != nil {
		return err
	}

	store, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return fmt.Errorf("failed to open trajectory database: %w", err)
	}
	defer store.Close()

	sinks := trajlog.MultiSink{store}
	if url := cfg.GetTrainerURL(); url != "" {
		sinks = append(sinks, trajlog.NewTrainerUploader(url, httputil.NewStandardClient(&http.Client{Timeout: 30 * time.Second})))
	}
	queue, err := trajlog.NewQueue(cfg.GetQueueCapacity(), cfg.GetQueuePolicy())
	if err != nil {
		return err
	}
	drainer := trajlog.NewDrainer(queue, sinks, cfg.GetBatchSize())

	tracker := robot.NewTracker()
	link, err := newRobotLink(cfg, tracker)
	if err != nil {
		return err
	}
	defer link.Close()

	publisher := telemetry.NewPublisher(telemetry.Config{ListenAddr: cfg.GetGRPCListen()})

	driver, err := control.NewDriver(control.Config{
		Period:         cfg.GetTickPeriod(),
		UndockAttempts: undockAttempts,
		UndockInterval: undockInterval,
		DockReportWait: dockReportWait,
	}, control.Deps{
		Buffer:    policy.NewContextBuffer(cfg.GetContextSize()),
		Sampler:   sampler,
		Selector:  selector,
		Machine:   episode.NewMachine(cfg.GetSubgoalTimeout(), cfg.GetCloseThreshold()),
		Robot:     tracker,
		Subgoals:  subgoals,
		Queue:     queue,
		Commands:  []control.CommandSink{link},
		Observers: []control.Observer{publisher},
	})
	if err != nil {
		return err
	}

	if err := publisher.Start(); err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	defer publisher.Stop()

	mux := api.NewServer(driver, tracker, store, publisher, selector.Index()).ServeMux()
	link.AttachAdminRoutes(mux)
	if err := store.AttachAdminRoutes(mux); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := link.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("robot link: %w", err)
		}
		monitoring.Logf("[RobotLink] monitor routine terminated")
		return nil
	})

	g.Go(func() error {
		if err := drainer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("trajectory drainer: %w", err)
		}
		monitoring.Logf("[TrajLog] drainer stopped (written=%d failed=%d)", drainer.Written(), drainer.Failed())
		return nil
	})

	g.Go(func() error {
		defer queue.Close()
		if err := driver.UndockAtStartup(ctx, link); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("startup undock: %w", err)
		}
		if err := driver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		server := &http.Server{
			Addr:    cfg.GetHTTPListen(),
			Handler: api.LoggingMiddleware(mux),
		}
		errCh := make(chan error, 1)
		go func() {
			monitoring.Logf("[API] listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err, ok := <-errCh:
			if ok {
				return fmt.Errorf("failed to start server: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			monitoring.Logf("[API] HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				monitoring.Logf("[API] HTTP server force close error: %v", err)
			}
		}
		monitoring.Logf("[API] HTTP server routine stopped")
		return nil
	})

	err = g.Wait()
	monitoring.Logf("Graceful shutdown complete")
	return err
}
