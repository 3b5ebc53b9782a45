package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ConfigFormat represents supported configuration file formats
type ConfigFormat string

const (
	FormatJSON ConfigFormat = "json"
	FormatYAML ConfigFormat = "yaml"
)

// ChangeEvent describes a reloaded data file such as aliases.yaml or denylist.yaml
type ChangeEvent struct {
	File      string    `json:"file"`
	Action    string    `json:"action"` // initial_load, create, modify, delete, manual_reload
	Data      []byte    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Decode unmarshals the event payload according to the file extension
func (e ChangeEvent) Decode(out interface{}) error {
	if detectFormat(e.File) == FormatJSON {
		return json.Unmarshal(e.Data, out)
	}
	return yaml.Unmarshal(e.Data, out)
}

// ChangeHandler is called when a watched file changes. Handlers run synchronously
// on the watch goroutine, in registration order.
type ChangeHandler func(event ChangeEvent) error

// ConfigManager watches the policy directory and hot-reloads the safety deny-list,
// the college alias table and rego policies.
type ConfigManager struct {
	configDir      string
	handlers       map[string][]ChangeHandler
	validators     map[string]func(ChangeEvent) error
	policyHandlers []func() error
	watcher        *fsnotify.Watcher
	started        bool
	stopCh         chan struct{}
	logger         *zap.Logger
	mu             sync.RWMutex
	watcherMu      sync.Mutex

	// settle absorbs editors that write a file in several steps
	settle time.Duration
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(configDir string, logger *zap.Logger) (*ConfigManager, error) {
	if configDir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &ConfigManager{
		configDir:  configDir,
		handlers:   make(map[string][]ChangeHandler),
		validators: make(map[string]func(ChangeEvent) error),
		watcher:    watcher,
		stopCh:     make(chan struct{}),
		logger:     logger,
		settle:     50 * time.Millisecond,
	}, nil
}

// Start loads every data file once, then begins watching for changes
func (cm *ConfigManager) Start(ctx context.Context) error {
	cm.mu.Lock()
	if cm.started {
		cm.mu.Unlock()
		return nil
	}
	cm.mu.Unlock()

	if err := cm.watcher.Add(cm.configDir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	loaded, err := cm.loadAll("initial_load")
	if err != nil {
		return fmt.Errorf("failed to load initial configs: %w", err)
	}

	cm.mu.Lock()
	cm.started = true
	cm.mu.Unlock()

	go cm.watchLoop(ctx)

	cm.logger.Info("Configuration manager started",
		zap.String("config_dir", cm.configDir),
		zap.Int("loaded_files", loaded),
	)
	return nil
}

// Stop stops watching for configuration changes
func (cm *ConfigManager) Stop() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.started {
		return nil
	}
	close(cm.stopCh)
	if err := cm.watcher.Close(); err != nil {
		cm.logger.Error("Error closing file watcher", zap.Error(err))
	}
	cm.started = false
	cm.logger.Info("Configuration manager stopped")
	return nil
}

// Dir returns the watched directory
func (cm *ConfigManager) Dir() string { return cm.configDir }

// RegisterHandler registers a change handler for a specific file name
func (cm *ConfigManager) RegisterHandler(filename string, handler ChangeHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.handlers[filename] = append(cm.handlers[filename], handler)
	cm.logger.Debug("Configuration handler registered",
		zap.String("filename", filename),
		zap.Int("total_handlers", len(cm.handlers[filename])),
	)
}

// RegisterValidator rejects a reload before any handler sees it
func (cm *ConfigManager) RegisterValidator(filename string, validator func(ChangeEvent) error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validators[filename] = validator
}

// RegisterPolicyHandler registers a handler for .rego changes
func (cm *ConfigManager) RegisterPolicyHandler(handler func() error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.policyHandlers = append(cm.policyHandlers, handler)
}

// ReloadConfig manually reloads a specific file
func (cm *ConfigManager) ReloadConfig(filename string) error {
	return cm.loadFile(filepath.Join(cm.configDir, filename), "manual_reload")
}

func (cm *ConfigManager) watchLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.stopCh:
			return
		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}
			cm.handleWatchEvent(event)
		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			cm.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (cm *ConfigManager) handleWatchEvent(event fsnotify.Event) {
	cm.watcherMu.Lock()
	defer cm.watcherMu.Unlock()

	filename := filepath.Base(event.Name)
	isConfig := isConfigFile(event.Name)
	isPolicy := isPolicyFile(event.Name)
	if !isConfig && !isPolicy {
		return
	}

	var action string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		action = "create"
	case event.Op&fsnotify.Write == fsnotify.Write:
		action = "modify"
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		action = "delete"
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		action = "rename"
	default:
		return
	}

	if action == "delete" || action == "rename" {
		if isConfig {
			cm.notify(ChangeEvent{File: filename, Action: "delete", Timestamp: time.Now()})
		}
		if isPolicy {
			cm.reloadPolicies(filename, action)
		}
		return
	}

	time.Sleep(cm.settle)
	if isConfig {
		if err := cm.loadFile(event.Name, action); err != nil {
			cm.logger.Error("Failed to load config file",
				zap.String("file", filename),
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}
	if isPolicy {
		cm.reloadPolicies(filename, action)
	}
}

func (cm *ConfigManager) loadAll(action string) (int, error) {
	count := 0
	err := filepath.WalkDir(cm.configDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConfigFile(path) {
			return nil
		}
		count++
		return cm.loadFile(path, action)
	})
	return count, err
}

func (cm *ConfigManager) loadFile(path, action string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	event := ChangeEvent{File: filepath.Base(path), Action: action, Data: data, Timestamp: time.Now()}

	// Reject syntactically broken files up front
	var decoded interface{}
	if err := event.Decode(&decoded); err != nil {
		return fmt.Errorf("failed to parse %s: %w", event.File, err)
	}

	cm.mu.RLock()
	validator := cm.validators[event.File]
	cm.mu.RUnlock()
	if validator != nil {
		if err := validator(event); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", event.File, err)
		}
	}

	cm.notify(event)
	cm.logger.Info("Configuration loaded",
		zap.String("filename", event.File),
		zap.String("action", action),
		zap.Int("bytes", len(data)),
	)
	return nil
}

func (cm *ConfigManager) notify(event ChangeEvent) {
	cm.mu.RLock()
	handlers := make([]ChangeHandler, len(cm.handlers[event.File]))
	copy(handlers, cm.handlers[event.File])
	cm.mu.RUnlock()

	for _, h := range handlers {
		if err := h(event); err != nil {
			cm.logger.Error("Configuration handler error",
				zap.String("filename", event.File),
				zap.String("action", event.Action),
				zap.Error(err),
			)
		}
	}
}

func (cm *ConfigManager) reloadPolicies(filename, action string) {
	cm.mu.RLock()
	handlers := make([]func() error, len(cm.policyHandlers))
	copy(handlers, cm.policyHandlers)
	cm.mu.RUnlock()

	cm.logger.Info("Policy file changed, triggering reload",
		zap.String("file", filename),
		zap.String("action", action),
		zap.Int("handlers", len(handlers)),
	)
	for _, handler := range handlers {
		if err := handler(); err != nil {
			cm.logger.Error("Policy reload handler failed",
				zap.String("file", filename),
				zap.Error(err),
			)
		}
	}
}

func isConfigFile(filename string) bool {
	ext := filepath.Ext(filename)
	return ext == ".json" || ext == ".yaml" || ext == ".yml"
}

func isPolicyFile(filename string) bool {
	return filepath.Ext(filename) == ".rego"
}

func detectFormat(filename string) ConfigFormat {
	if filepath.Ext(filename) == ".json" {
		return FormatJSON
	}
	return FormatYAML
}
