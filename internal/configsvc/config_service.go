// Package configsvc watches configuration files and notifies registered
// clients when they change.
package configsvc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"go.uber.org/zap"
)

type subscriber func(event fsnotify.Event)

// Service owns one fsnotify watcher shared by all registered files.
type Service struct {
	log *zap.Logger

	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	subscribers map[string][]subscriber
	ready       chan struct{}
}

func New(log *zap.Logger) *Service {
	return &Service{
		log:         log,
		subscribers: make(map[string][]subscriber),
		ready:       make(chan struct{}),
	}
}

// Start runs the watch loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	s.watcher = watcher
	defer watcher.Close()
	close(s.ready)
	s.log.Info("Config service started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.notify(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Error("Watcher error", zap.Error(err))
		}
	}
}

// Ready is closed once the watch loop is running.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

func (s *Service) notify(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	s.mu.Lock()
	subs := s.subscribers[event.Name]
	s.mu.Unlock()
	for _, sub := range subs {
		sub(event)
	}
}

// Register reads a YAML config file into a value of type T and re-reads it
// on every change, calling fn with the result. A missing file yields the
// default value. The service instance is a parameter rather than the
// receiver to allow the generic type.
func Register[T any](s *Service, path string, def T, fn func(config T, err error)) (T, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return def, fmt.Errorf("failed to get absolute path for %s: %w", path, err)
	}
	config, err := readConfig(absPath, def)
	if err != nil {
		return def, fmt.Errorf("failed to read config: %w", err)
	}

	// Watch the directory: most editors replace the file on save, which
	// would drop a watch on the file itself.
	if err := s.watcher.Add(filepath.Dir(absPath)); err != nil {
		return def, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	s.mu.Lock()
	s.subscribers[absPath] = append(s.subscribers[absPath], func(fsnotify.Event) {
		newConfig, err := readConfig(absPath, def)
		fn(newConfig, err)
	})
	s.mu.Unlock()
	return config, nil
}

func readConfig[T any](path string, def T) (T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return def, nil
		}
		return def, err
	}
	config := def
	if err := yaml.Unmarshal(data, &config); err != nil {
		return def, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return config, nil
}
