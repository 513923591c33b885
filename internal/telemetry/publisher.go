// Package telemetry streams per-tick control reports to remote viewers over
// gRPC, reports serving health and renders the latest sampled trajectories.
package telemetry

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/navpolicy/internal/control"
	"github.com/banshee-data/navpolicy/internal/episode"
	"github.com/banshee-data/navpolicy/internal/monitoring"
	"github.com/banshee-data/navpolicy/internal/policy"
)

// Config holds configuration for the telemetry gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50061")
	ListenAddr string

	// MaxClients is the maximum number of concurrent streaming clients
	MaxClients int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr: "localhost:50061",
		MaxClients: 5,
	}
}

// Publisher fans control reports out to connected streaming clients.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener
	health   *health.Server

	updates   chan *structpb.Struct
	clients   map[string]*clientStream
	clientsMu sync.RWMutex

	lastMu      sync.RWMutex
	lastSamples *policy.Trajectories
	lastTick    uint64
	forced      bool

	published   atomic.Uint64
	dropped     atomic.Uint64
	clientCount atomic.Int32

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type clientStream struct {
	id       string
	updateCh chan *structpb.Struct
}

// NewPublisher creates a Publisher. The health service reports SERVING until
// the control loop is forced into manual.
func NewPublisher(cfg Config) *Publisher {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultConfig().MaxClients
	}
	p := &Publisher{
		config:  cfg,
		health:  health.NewServer(),
		updates: make(chan *structpb.Struct, 100),
		clients: make(map[string]*clientStream),
		stopCh:  make(chan struct{}),
	}
	p.SetServing(true)
	return p
}

// Start binds the configured address and serves.
func (p *Publisher) Start() error {
	if p.running.Load() {
		return fmt.Errorf("publisher already running")
	}
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	monitoring.Logf("[Telemetry] bound to %s", lis.Addr())
	return p.Serve(lis)
}

// Serve starts the gRPC server on lis in the background.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis
	p.server = grpc.NewServer()
	p.server.RegisterService(&controlServiceDesc, p)
	healthpb.RegisterHealthServer(p.server, p.health)

	p.wg.Add(1)
	go p.broadcastLoop()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			monitoring.Logf("[Telemetry] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully stops the gRPC server.
func (p *Publisher) Stop() {
	if !p.running.Load() {
		return
	}
	p.running.Store(false)
	close(p.stopCh)

	p.health.Shutdown()
	p.server.GracefulStop()
	p.listener.Close()

	p.wg.Wait()
	monitoring.Logf("[Telemetry] gRPC server stopped (published=%d dropped=%d)", p.published.Load(), p.dropped.Load())
}

// Addr returns the bound listener address, or nil before Start.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// SetServing flips the health status of the control service.
func (p *Publisher) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !serving {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	p.health.SetServingStatus(ServiceName, status)
}

// ObserveTick records the report and queues it for streaming. It never blocks
// the control loop: a full queue drops the update.
func (p *Publisher) ObserveTick(rep control.Report) {
	p.lastMu.Lock()
	if rep.Samples != nil {
		p.lastSamples = rep.Samples
		p.lastTick = rep.Tick
	}
	changed := rep.Forced != p.forced
	p.forced = rep.Forced
	p.lastMu.Unlock()

	if changed {
		p.SetServing(!rep.Forced)
		monitoring.Logf("[Telemetry] control health now serving=%t", !rep.Forced)
	}

	if !p.running.Load() {
		return
	}
	update, err := ReportToStruct(rep)
	if err != nil {
		monitoring.Logf("[Telemetry] failed to encode tick %d: %v", rep.Tick, err)
		return
	}
	select {
	case p.updates <- update:
		p.published.Add(1)
	default:
		dropped := p.dropped.Add(1)
		if dropped%100 == 1 {
			monitoring.Logf("[Telemetry] update queue full, dropped %d so far", dropped)
		}
	}
}

// LastSamples returns the most recent sampled batch and its tick.
func (p *Publisher) LastSamples() (policy.Trajectories, uint64, bool) {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	if p.lastSamples == nil {
		return policy.Trajectories{}, 0, false
	}
	return *p.lastSamples, p.lastTick, true
}

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case update := <-p.updates:
			p.clientsMu.RLock()
			for _, client := range p.clients {
				select {
				case client.updateCh <- update:
				default:
					p.dropped.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

func (p *Publisher) addClient(id string) (*clientStream, bool) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()

	if len(p.clients) >= p.config.MaxClients {
		return nil, false
	}
	client := &clientStream{id: id, updateCh: make(chan *structpb.Struct, 10)}
	p.clients[id] = client
	p.clientCount.Add(1)
	monitoring.Logf("[Telemetry] client connected: %s (total: %d)", id, p.clientCount.Load())
	return client, true
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()

	if _, ok := p.clients[id]; ok {
		delete(p.clients, id)
		p.clientCount.Add(-1)
		monitoring.Logf("[Telemetry] client disconnected: %s (remaining: %d)", id, p.clientCount.Load())
	}
}

// Stats contains publisher statistics.
type Stats struct {
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	ClientCount int32  `json:"client_count"`
	Running     bool   `json:"running"`
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published:   p.published.Load(),
		Dropped:     p.dropped.Load(),
		ClientCount: p.clientCount.Load(),
		Running:     p.running.Load(),
	}
}

// ReportToStruct converts a tick report to the streamed message. Sampled
// trajectories are flattened with a leading zero sentinel.
func ReportToStruct(rep control.Report) (*structpb.Struct, error) {
	command := make([]any, len(rep.Command))
	for i, v := range rep.Command {
		command[i] = float64(v)
	}
	fields := map[string]any{
		"tick":       float64(rep.Tick),
		"timestamp":  rep.At.UTC().Format(time.RFC3339Nano),
		"episode_id": rep.EpisodeID,
		"state":      string(rep.State),
		"distance":   rep.Distance,
		"reached":    rep.State == episode.ReachedGoal,
		"command":    command,
		"refreshed":  rep.Refreshed,
		"forced":     rep.Forced,
		"elapsed_ms": float64(rep.Elapsed) / float64(time.Millisecond),
	}
	if rep.Suppressed != "" {
		fields["suppressed"] = rep.Suppressed
	}
	if rep.Err != nil {
		fields["error"] = rep.Err.Error()
	}
	if rep.Samples != nil {
		flat := rep.Samples.Flatten()
		samples := make([]any, len(flat))
		for i, v := range flat {
			samples[i] = float64(v)
		}
		fields["samples"] = samples
		fields["num_samples"] = float64(rep.Samples.Samples)
		fields["horizon"] = float64(rep.Samples.Horizon)
	}
	return structpb.NewStruct(fields)
}
