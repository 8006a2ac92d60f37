package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Preference keys as written to the preferences file
const (
	PrefSystemPrompt    = "system_prompt"
	PrefReasoningEffort = "reasoning_effort"
	PrefHapticsEnabled  = "haptics_enabled"
	PrefShowThinking    = "show_thinking"
)

// Preferences are user settings that change while a session is open
type Preferences struct {
	SystemPrompt    string `mapstructure:"system_prompt"`
	ReasoningEffort string `mapstructure:"reasoning_effort"`
	HapticsEnabled  bool   `mapstructure:"haptics_enabled"`
	ShowThinking    bool   `mapstructure:"show_thinking"`
}

// ValidReasoningEffort reports whether effort is empty or one of low/medium/high
func ValidReasoningEffort(effort string) bool {
	switch strings.ToLower(strings.TrimSpace(effort)) {
	case "", "low", "medium", "high":
		return true
	default:
		return false
	}
}

// PreferenceStore keeps preferences in a YAML file and pushes every change,
// including edits made outside the process, to its observers.
type PreferenceStore struct {
	v      *viper.Viper
	logger *slog.Logger

	mu      sync.Mutex
	current Preferences
	subs    map[int]chan Preferences
	nextID  int
	closed  bool
}

// OpenPreferences loads path, creating it with defaults when missing, and
// starts watching it for changes.
func OpenPreferences(path string, logger *slog.Logger) (*PreferenceStore, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return nil, errors.New("missing preferences path")
	}

	v := viper.New()
	v.SetDefault(PrefSystemPrompt, "")
	v.SetDefault(PrefReasoningEffort, "")
	v.SetDefault(PrefHapticsEnabled, true)
	v.SetDefault(PrefShowThinking, false)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create preferences directory: %w", err)
		}
		if err := v.WriteConfigAs(path); err != nil {
			return nil, fmt.Errorf("failed to write default preferences: %w", err)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read preferences: %w", err)
	}

	s := &PreferenceStore{
		v:      v,
		logger: logger,
		subs:   make(map[int]chan Preferences),
	}
	if err := v.Unmarshal(&s.current); err != nil {
		return nil, fmt.Errorf("failed to decode preferences: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		s.logger.Info("preferences file changed", "file", e.Name, "op", e.Op.String())
		s.reload()
	})
	v.WatchConfig()
	return s, nil
}

// Current returns the latest preferences
func (s *PreferenceStore) Current() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Set updates one key and persists the file
func (s *PreferenceStore) Set(key string, value any) error {
	if key == PrefReasoningEffort {
		if str, _ := value.(string); !ValidReasoningEffort(str) {
			return fmt.Errorf("invalid reasoning effort %v", value)
		}
	}
	s.mu.Lock()
	s.v.Set(key, value)
	err := s.v.WriteConfig()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	s.reload()
	return nil
}

func (s *PreferenceStore) reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err := s.v.ReadInConfig(); err != nil {
		s.logger.Warn("failed to re-read preferences", "error", err)
		return
	}
	var next Preferences
	if err := s.v.Unmarshal(&next); err != nil {
		s.logger.Warn("failed to decode preferences", "error", err)
		return
	}
	if next == s.current {
		return
	}
	s.current = next
	for _, ch := range s.subs {
		offerLatest(ch, next)
	}
}

// Observe emits the current preferences, then every change until ctx ends.
// Slow observers only ever see the latest value.
func (s *PreferenceStore) Observe(ctx context.Context) <-chan Preferences {
	ch := make(chan Preferences, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	ch <- s.current
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}()
	return ch
}

// Close detaches all observers
func (s *PreferenceStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

func offerLatest(ch chan Preferences, p Preferences) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- p:
	default:
	}
}
