package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the node configuration file used when
// no --config flag is given.
const DefaultConfigPath = "config/navpolicy.yaml"

// Config is the root configuration of the navigation node. Every field is a
// pointer so that omitted keys fall back to the defaults returned by the Get*
// accessors; partial files are therefore safe.
type Config struct {
	Robot       RobotConfig       `yaml:"robot"`
	Model       ModelConfig       `yaml:"model"`
	ActionStats ActionStatsConfig `yaml:"action_stats"`
	Policy      PolicyConfig      `yaml:"policy"`
	Subgoal     SubgoalConfig     `yaml:"subgoal"`
	TrajLog     TrajLogConfig     `yaml:"trajlog"`
	RobotLink   RobotLinkConfig   `yaml:"robot_link"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	LogLevel    *string           `yaml:"log_level,omitempty"`
}

// RobotConfig holds the physical limits of the base.
type RobotConfig struct {
	MaxV      *float64 `yaml:"max_v,omitempty"`
	MaxW      *float64 `yaml:"max_w,omitempty"`
	FrameRate *float64 `yaml:"frame_rate,omitempty"` // control rate in Hz
}

// ModelConfig describes the diffusion policy network.
type ModelConfig struct {
	ContextSize       *int    `yaml:"context_size,omitempty"`
	ImageSize         []int   `yaml:"image_size,omitempty"` // [width, height]
	LenTrajPred       *int    `yaml:"len_traj_pred,omitempty"`
	NumDiffusionIters *int    `yaml:"num_diffusion_iters,omitempty"`
	Normalize         *bool   `yaml:"normalize,omitempty"`
	CheckpointPath    *string `yaml:"ckpt_path,omitempty"`
	InferenceURL      *string `yaml:"inference_url,omitempty"`
}

// ActionStatsConfig holds the per-dimension normalization statistics of the
// training data's action deltas.
type ActionStatsConfig struct {
	Min []float64 `yaml:"min,omitempty"`
	Max []float64 `yaml:"max,omitempty"`
}

// PolicyConfig holds the control-loop tuning.
type PolicyConfig struct {
	Waypoint       *int     `yaml:"waypoint,omitempty"`
	NumSamples     *int     `yaml:"num_samples,omitempty"`
	SubgoalTimeout *int     `yaml:"subgoal_timeout,omitempty"` // ticks
	CloseThreshold *float64 `yaml:"close_threshold,omitempty"`
	Seed           *int64   `yaml:"seed,omitempty"`
}

// SubgoalConfig configures the remote subgoal-generation service client.
type SubgoalConfig struct {
	ServerURL   *string `yaml:"server_url,omitempty"`
	Timeout     *string `yaml:"timeout,omitempty"` // duration string like "30s"
	MaxAttempts *int    `yaml:"max_attempts,omitempty"`
	Backoff     *string `yaml:"backoff,omitempty"`
	MaxBackoff  *string `yaml:"max_backoff,omitempty"`
}

// TrajLogConfig configures the asynchronous trajectory sink.
type TrajLogConfig struct {
	QueueCapacity *int    `yaml:"queue_capacity,omitempty"`
	QueuePolicy   *string `yaml:"queue_policy,omitempty"` // "drop_oldest" or "reject"
	BatchSize     *int    `yaml:"batch_size,omitempty"`
	DBPath        *string `yaml:"db_path,omitempty"`
	TrainerURL    *string `yaml:"trainer_url,omitempty"`
}

// RobotLinkConfig configures the serial link to the robot base.
type RobotLinkConfig struct {
	Port     *string `yaml:"port,omitempty"`
	BaudRate *int    `yaml:"baud_rate,omitempty"`
	DataBits *int    `yaml:"data_bits,omitempty"`
	StopBits *int    `yaml:"stop_bits,omitempty"`
	Parity   *string `yaml:"parity,omitempty"`
}

// TelemetryConfig configures the outbound HTTP and gRPC listeners.
type TelemetryConfig struct {
	HTTPListen *string `yaml:"http_listen,omitempty"`
	GRPCListen *string `yaml:"grpc_listen,omitempty"`
}

// Empty returns a Config with all fields unset, so every accessor
// returns its default.
func Empty() *Config {
	return &Config{}
}

// Load reads a YAML configuration file. The file must have a .yaml or .yml
// extension and be under 1MB. The parsed config is validated before return.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := Empty()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable. Any error here is
// fatal at startup.
func (c *Config) Validate() error {
	if v := c.GetFrameRate(); v <= 0 {
		return fmt.Errorf("robot.frame_rate must be positive, got %g", v)
	}
	if v := c.GetMaxV(); v < 0 {
		return fmt.Errorf("robot.max_v must be non-negative, got %g", v)
	}
	if v := c.GetMaxW(); v < 0 {
		return fmt.Errorf("robot.max_w must be non-negative, got %g", v)
	}
	if v := c.GetContextSize(); v < 1 {
		return fmt.Errorf("model.context_size must be at least 1, got %d", v)
	}
	if c.Model.ImageSize != nil {
		if len(c.Model.ImageSize) != 2 || c.Model.ImageSize[0] <= 0 || c.Model.ImageSize[1] <= 0 {
			return fmt.Errorf("model.image_size must be two positive integers, got %v", c.Model.ImageSize)
		}
	}
	if v := c.GetLenTrajPred(); v < 1 {
		return fmt.Errorf("model.len_traj_pred must be at least 1, got %d", v)
	}
	if v := c.GetNumDiffusionIters(); v < 1 {
		return fmt.Errorf("model.num_diffusion_iters must be at least 1, got %d", v)
	}
	if v := c.GetNumSamples(); v < 1 {
		return fmt.Errorf("policy.num_samples must be at least 1, got %d", v)
	}
	if w := c.GetWaypoint(); w < 0 || w >= c.GetLenTrajPred() {
		return fmt.Errorf("policy.waypoint %d out of range [0, %d)", w, c.GetLenTrajPred())
	}
	if v := c.GetSubgoalTimeout(); v < 0 {
		return fmt.Errorf("policy.subgoal_timeout must be non-negative, got %d", v)
	}
	if v := c.GetCloseThreshold(); v <= 0 {
		return fmt.Errorf("policy.close_threshold must be positive, got %g", v)
	}

	if c.ActionStats.Min != nil || c.ActionStats.Max != nil {
		if len(c.ActionStats.Min) != 2 || len(c.ActionStats.Max) != 2 {
			return fmt.Errorf("action_stats.min and action_stats.max must both have 2 entries")
		}
		for i := range c.ActionStats.Min {
			if c.ActionStats.Max[i] <= c.ActionStats.Min[i] {
				return fmt.Errorf("action_stats.max[%d] must exceed action_stats.min[%d]", i, i)
			}
		}
	}

	for name, v := range map[string]*string{
		"subgoal.timeout":     c.Subgoal.Timeout,
		"subgoal.backoff":     c.Subgoal.Backoff,
		"subgoal.max_backoff": c.Subgoal.MaxBackoff,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}
	if v := c.GetSubgoalMaxAttempts(); v < 1 {
		return fmt.Errorf("subgoal.max_attempts must be at least 1, got %d", v)
	}
	if c.GetSubgoalMaxBackoff() < c.GetSubgoalBackoff() {
		return fmt.Errorf("subgoal.max_backoff must not be below subgoal.backoff")
	}

	if v := c.GetQueueCapacity(); v < 1 {
		return fmt.Errorf("trajlog.queue_capacity must be at least 1, got %d", v)
	}
	if p := c.GetQueuePolicy(); p != "drop_oldest" && p != "reject" {
		return fmt.Errorf("trajlog.queue_policy must be 'drop_oldest' or 'reject', got %q", p)
	}
	if v := c.GetBatchSize(); v < 1 {
		return fmt.Errorf("trajlog.batch_size must be at least 1, got %d", v)
	}
	return nil
}

// GetMaxV returns robot.max_v (m/s) or the default.
func (c *Config) GetMaxV() float64 {
	if c.Robot.MaxV == nil {
		return 0.2
	}
	return *c.Robot.MaxV
}

// GetMaxW returns robot.max_w (rad/s) or the default.
func (c *Config) GetMaxW() float64 {
	if c.Robot.MaxW == nil {
		return 0.4
	}
	return *c.Robot.MaxW
}

// GetFrameRate returns the control rate in Hz or the default.
func (c *Config) GetFrameRate() float64 {
	if c.Robot.FrameRate == nil {
		return 4
	}
	return *c.Robot.FrameRate
}

// GetTickPeriod returns the control-loop period derived from the frame rate.
func (c *Config) GetTickPeriod() time.Duration {
	return time.Duration(float64(time.Second) / c.GetFrameRate())
}

// GetContextSize returns model.context_size or the default.
func (c *Config) GetContextSize() int {
	if c.Model.ContextSize == nil {
		return 3
	}
	return *c.Model.ContextSize
}

// GetImageSize returns model.image_size as width, height.
func (c *Config) GetImageSize() (int, int) {
	if len(c.Model.ImageSize) != 2 {
		return 96, 96
	}
	return c.Model.ImageSize[0], c.Model.ImageSize[1]
}

// GetLenTrajPred returns model.len_traj_pred or the default.
func (c *Config) GetLenTrajPred() int {
	if c.Model.LenTrajPred == nil {
		return 8
	}
	return *c.Model.LenTrajPred
}

// GetNumDiffusionIters returns model.num_diffusion_iters or the default.
func (c *Config) GetNumDiffusionIters() int {
	if c.Model.NumDiffusionIters == nil {
		return 10
	}
	return *c.Model.NumDiffusionIters
}

// GetNormalize returns model.normalize or the default.
func (c *Config) GetNormalize() bool {
	if c.Model.Normalize == nil {
		return true
	}
	return *c.Model.Normalize
}

// GetCheckpointPath returns model.ckpt_path, empty when unset.
func (c *Config) GetCheckpointPath() string {
	if c.Model.CheckpointPath == nil {
		return ""
	}
	return *c.Model.CheckpointPath
}

// GetInferenceURL returns model.inference_url or the default.
func (c *Config) GetInferenceURL() string {
	if c.Model.InferenceURL == nil || *c.Model.InferenceURL == "" {
		return "http://localhost:5002"
	}
	return *c.Model.InferenceURL
}

// GetActionStats returns the per-dimension min and max action statistics.
func (c *Config) GetActionStats() (min, max [2]float64) {
	if len(c.ActionStats.Min) != 2 || len(c.ActionStats.Max) != 2 {
		return [2]float64{-2.5, -4}, [2]float64{5, 4}
	}
	return [2]float64{c.ActionStats.Min[0], c.ActionStats.Min[1]},
		[2]float64{c.ActionStats.Max[0], c.ActionStats.Max[1]}
}

// GetWaypoint returns policy.waypoint or the default.
func (c *Config) GetWaypoint() int {
	if c.Policy.Waypoint == nil {
		return 2
	}
	return *c.Policy.Waypoint
}

// GetNumSamples returns policy.num_samples or the default.
func (c *Config) GetNumSamples() int {
	if c.Policy.NumSamples == nil {
		return 8
	}
	return *c.Policy.NumSamples
}

// GetSubgoalTimeout returns policy.subgoal_timeout in ticks or the default.
func (c *Config) GetSubgoalTimeout() int {
	if c.Policy.SubgoalTimeout == nil {
		return 10
	}
	return *c.Policy.SubgoalTimeout
}

// GetCloseThreshold returns policy.close_threshold or the default.
func (c *Config) GetCloseThreshold() float64 {
	if c.Policy.CloseThreshold == nil {
		return 10
	}
	return *c.Policy.CloseThreshold
}

// GetSeed returns policy.seed. Zero means "seed from the clock".
func (c *Config) GetSeed() int64 {
	if c.Policy.Seed == nil {
		return 0
	}
	return *c.Policy.Seed
}

// GetSubgoalServerURL returns subgoal.server_url or the default.
func (c *Config) GetSubgoalServerURL() string {
	if c.Subgoal.ServerURL == nil || *c.Subgoal.ServerURL == "" {
		return "http://localhost:5001/gen_subgoal"
	}
	return *c.Subgoal.ServerURL
}

// GetSubgoalTimeoutDuration returns the per-attempt refresh timeout.
func (c *Config) GetSubgoalTimeoutDuration() time.Duration {
	return parseDurationOr(c.Subgoal.Timeout, 30*time.Second)
}

// GetSubgoalMaxAttempts returns subgoal.max_attempts or the default.
func (c *Config) GetSubgoalMaxAttempts() int {
	if c.Subgoal.MaxAttempts == nil {
		return 3
	}
	return *c.Subgoal.MaxAttempts
}

// GetSubgoalBackoff returns the base retry backoff.
func (c *Config) GetSubgoalBackoff() time.Duration {
	return parseDurationOr(c.Subgoal.Backoff, 500*time.Millisecond)
}

// GetSubgoalMaxBackoff returns the cap on the retry backoff.
func (c *Config) GetSubgoalMaxBackoff() time.Duration {
	return parseDurationOr(c.Subgoal.MaxBackoff, 10*time.Second)
}

// GetQueueCapacity returns trajlog.queue_capacity or the default.
func (c *Config) GetQueueCapacity() int {
	if c.TrajLog.QueueCapacity == nil {
		return 100
	}
	return *c.TrajLog.QueueCapacity
}

// GetQueuePolicy returns trajlog.queue_policy or the default.
func (c *Config) GetQueuePolicy() string {
	if c.TrajLog.QueuePolicy == nil || *c.TrajLog.QueuePolicy == "" {
		return "drop_oldest"
	}
	return *c.TrajLog.QueuePolicy
}

// GetBatchSize returns trajlog.batch_size or the default.
func (c *Config) GetBatchSize() int {
	if c.TrajLog.BatchSize == nil {
		return 16
	}
	return *c.TrajLog.BatchSize
}

// GetDBPath returns trajlog.db_path or the default.
func (c *Config) GetDBPath() string {
	if c.TrajLog.DBPath == nil || *c.TrajLog.DBPath == "" {
		return "trajectories.db"
	}
	return *c.TrajLog.DBPath
}

// GetTrainerURL returns trajlog.trainer_url, empty when uploads are disabled.
func (c *Config) GetTrainerURL() string {
	if c.TrajLog.TrainerURL == nil {
		return ""
	}
	return *c.TrajLog.TrainerURL
}

// GetRobotLinkPort returns the serial port path, empty when the link is disabled.
func (c *Config) GetRobotLinkPort() string {
	if c.RobotLink.Port == nil {
		return ""
	}
	return *c.RobotLink.Port
}

// GetRobotLinkSerial returns the raw serial parameters. Zero values are left
// for the link to default.
func (c *Config) GetRobotLinkSerial() (baudRate, dataBits, stopBits int, parity string) {
	if c.RobotLink.BaudRate != nil {
		baudRate = *c.RobotLink.BaudRate
	}
	if c.RobotLink.DataBits != nil {
		dataBits = *c.RobotLink.DataBits
	}
	if c.RobotLink.StopBits != nil {
		stopBits = *c.RobotLink.StopBits
	}
	if c.RobotLink.Parity != nil {
		parity = *c.RobotLink.Parity
	}
	return baudRate, dataBits, stopBits, parity
}

// GetHTTPListen returns telemetry.http_listen or the default.
func (c *Config) GetHTTPListen() string {
	if c.Telemetry.HTTPListen == nil || *c.Telemetry.HTTPListen == "" {
		return ":8080"
	}
	return *c.Telemetry.HTTPListen
}

// GetGRPCListen returns telemetry.grpc_listen or the default.
func (c *Config) GetGRPCListen() string {
	if c.Telemetry.GRPCListen == nil || *c.Telemetry.GRPCListen == "" {
		return "localhost:50061"
	}
	return *c.Telemetry.GRPCListen
}

// GetLogLevel returns log_level or the default.
func (c *Config) GetLogLevel() string {
	if c.LogLevel == nil || *c.LogLevel == "" {
		return "info"
	}
	return *c.LogLevel
}

func parseDurationOr(v *string, fallback time.Duration) time.Duration {
	if v == nil || *v == "" {
		return fallback
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fallback
	}
	return d
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }
