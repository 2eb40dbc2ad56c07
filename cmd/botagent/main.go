// The bot agent: handshakes with the dispatch service, polls for work,
// executes claimed tasks, and reports results. One task at a time.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// agentVersion is stamped at build time.
var agentVersion = "dev"

// Config holds the agent configuration.
type Config struct {
	ServerURL string              `yaml:"server_url"`
	BotID     string              `yaml:"bot_id"`
	LogLevel  string              `yaml:"log_level"`
	Pool      string              `yaml:"pool"`
	ExtraDims map[string][]string `yaml:"extra_dimensions"`
}

// LoadConfig reads the agent config, writing defaults if the file is missing.
func LoadConfig(path string) (*Config, error) {
	hostname, _ := os.Hostname()
	defaultConfig := &Config{
		ServerURL: "http://localhost:8080",
		BotID:     hostname,
		LogLevel:  "info",
		Pool:      "default",
	}

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		data, marshalErr := yaml.Marshal(defaultConfig)
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", marshalErr)
		}
		if mkdirErr := os.MkdirAll(filepath.Dir(path), 0755); mkdirErr != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", mkdirErr)
		}
		if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
			return nil, fmt.Errorf("failed to write default config file: %w", writeErr)
		}
		return defaultConfig, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to check config file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = defaultConfig.ServerURL
	}
	if cfg.BotID == "" {
		cfg.BotID = defaultConfig.BotID
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultConfig.LogLevel
	}
	if cfg.Pool == "" {
		cfg.Pool = defaultConfig.Pool
	}
	return &cfg, nil
}

func main() {
	cfg, err := LoadConfig("configs/agent.yaml")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	agent := &Agent{
		cfg:        cfg,
		dimensions: detectDimensions(cfg, logger),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
	logger.Info("Bot agent starting",
		zap.String("bot_id", cfg.BotID),
		zap.String("server", cfg.ServerURL),
		zap.String("version", agentVersion))

	agent.Run(context.Background())
}

// detectDimensions probes the host and merges the configured extras. These
// are the capabilities the scheduler matches task requirements against.
func detectDimensions(cfg *Config, logger *zap.Logger) map[string][]string {
	dims := map[string][]string{
		"pool": {cfg.Pool},
		"os":   {runtime.GOOS},
		"arch": {runtime.GOARCH},
	}

	if counts, err := cpu.Counts(true); err == nil {
		dims["cores"] = []string{strconv.Itoa(counts)}
	} else {
		logger.Warn("Failed to probe CPU count", zap.Error(err))
	}
	if vmStat, err := mem.VirtualMemory(); err == nil {
		dims["ram_gb"] = []string{strconv.Itoa(int(vmStat.Total >> 30))}
	} else {
		logger.Warn("Failed to probe memory", zap.Error(err))
	}
	if info, err := host.Info(); err == nil && info.Platform != "" {
		dims["platform"] = []string{info.Platform}
	}

	for key, values := range cfg.ExtraDims {
		dims[key] = values
	}
	return dims
}

// Agent is the poll loop state.
type Agent struct {
	cfg          *Config
	dimensions   map[string][]string
	httpClient   *http.Client
	sessionToken string
	sleepStreak  int
	logger       *zap.Logger
}

// pollResponse is one server command. For "run" the task payload rides
// inline on the same object.
type pollResponse struct {
	Cmd             string  `json:"cmd"`
	DurationSecs    float64 `json:"duration"`
	Quarantined     bool    `json:"quarantined"`
	ExpectedVersion string  `json:"expected_version"`

	TaskID      uuid.UUID         `json:"task_id"`
	Commands    [][]string        `json:"commands"`
	Env         map[string]string `json:"env"`
	HardTimeout time.Duration     `json:"hard_timeout"`
	IOTimeout   time.Duration     `json:"io_timeout"`
}

// attributes is how the agent describes itself to the server.
func (a *Agent) attributes() map[string]interface{} {
	return map[string]interface{}{
		"id":         a.cfg.BotID,
		"dimensions": a.dimensions,
		"version":    agentVersion,
	}
}

// Run is the main loop: handshake, then poll until the process is killed.
func (a *Agent) Run(ctx context.Context) {
	for {
		if a.sessionToken == "" {
			if err := a.handshake(ctx); err != nil {
				a.logger.Error("Handshake failed, retrying", zap.Error(err))
				time.Sleep(5 * time.Second)
				continue
			}
		}

		res, status, err := a.poll(ctx)
		if err != nil {
			a.logger.Error("Poll failed", zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}
		if status == http.StatusUnauthorized {
			a.logger.Info("Session expired, re-handshaking")
			a.sessionToken = ""
			continue
		}

		switch res.Cmd {
		case "run":
			a.sleepStreak = 0
			a.executeAndReport(ctx, res)
		case "update":
			// No self-update mechanism here; log loudly and keep polling so
			// the operator sees a fleet stuck on an old build.
			a.logger.Warn("Server expects a different agent build",
				zap.String("running", agentVersion),
				zap.String("expected", res.ExpectedVersion))
			time.Sleep(time.Minute)
		case "sleep":
			if res.Quarantined {
				a.logger.Warn("Agent is quarantined, dimensions too broad to match")
			}
			a.sleepStreak++
			time.Sleep(time.Duration(res.DurationSecs * float64(time.Second)))
		default:
			a.logger.Error("Unknown poll command", zap.String("cmd", res.Cmd))
			time.Sleep(5 * time.Second)
		}
	}
}

func (a *Agent) handshake(ctx context.Context) error {
	var out struct {
		ServerVersion string `json:"server_version"`
		SessionToken  string `json:"session_token"`
	}
	status, err := a.postJSON(ctx, "/api/v1/bot/handshake", map[string]interface{}{
		"attributes": a.attributes(),
	}, &out)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("handshake rejected with status %d", status)
	}
	a.sessionToken = out.SessionToken
	a.logger.Info("Handshake complete", zap.String("server_version", out.ServerVersion))
	return nil
}

func (a *Agent) poll(ctx context.Context) (*pollResponse, int, error) {
	var out pollResponse
	status, err := a.postJSON(ctx, "/api/v1/bot/poll", map[string]interface{}{
		"attributes":   a.attributes(),
		"sleep_streak": a.sleepStreak,
		"quarantined":  false,
	}, &out)
	if err != nil {
		return nil, 0, err
	}
	return &out, status, nil
}

// executeAndReport runs the task's commands in order and reports the
// final result. A background pinger keeps the run alive for long tasks.
func (a *Agent) executeAndReport(ctx context.Context, task *pollResponse) {
	if task.TaskID == uuid.Nil {
		a.logger.Error("Run command without a task id")
		return
	}
	a.logger.Info("Executing task", zap.String("task_id", task.TaskID.String()))

	var execCtx context.Context
	var cancel context.CancelFunc
	if task.HardTimeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, task.HardTimeout)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	pingDone := make(chan struct{})
	go a.pingLoop(execCtx, task.TaskID, pingDone)

	exitCodes, outputBuf := runCommands(execCtx, task.Commands, task.Env, a.logger)
	cancel()
	<-pingDone

	codes := make([]string, len(exitCodes))
	for i, code := range exitCodes {
		codes[i] = strconv.Itoa(code)
	}
	var out struct {
		State   string `json:"state"`
		Failure bool   `json:"failure"`
	}
	status, err := a.postJSON(ctx, "/api/v1/bot/result", map[string]interface{}{
		"bot_id":     a.cfg.BotID,
		"task_id":    task.TaskID,
		"exit_codes": strings.Join(codes, ","),
		"output":     outputBuf,
	}, &out)
	if err != nil || status != http.StatusOK {
		a.logger.Error("Failed to report result",
			zap.Int("status", status), zap.Error(err))
		return
	}
	a.logger.Info("Task finished",
		zap.String("task_id", task.TaskID.String()),
		zap.String("state", out.State),
		zap.Bool("failure", out.Failure))
}

// pingLoop reports liveness every minute while a task runs.
func (a *Agent) pingLoop(ctx context.Context, taskID uuid.UUID, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var out struct{}
			if _, err := a.postJSON(ctx, "/api/v1/bot/ping", map[string]interface{}{
				"bot_id":  a.cfg.BotID,
				"task_id": taskID,
			}, &out); err != nil {
				a.logger.Warn("Ping failed", zap.Error(err))
			}
		}
	}
}

func (a *Agent) postJSON(ctx context.Context, path string, payload interface{}, out interface{}) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.ServerURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.sessionToken)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func setupLogger(levelString string) (*zap.Logger, error) {
	var logLevel zapcore.Level
	if err := logLevel.Set(levelString); err != nil {
		logLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(logLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}
