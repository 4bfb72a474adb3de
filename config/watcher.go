package config

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

var (
	gLock      sync.RWMutex
	gConfig    *Config
	gListeners []func(*Config)
)

func configFromFile(path string) (*Config, error) {
	config := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p := json.NewDecoder(f)
	p.DisallowUnknownFields()
	if err := p.Decode(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	log.Infof("Loaded configuration: %v", spew.Sdump(config))
	return &config, nil
}

// Get returns the current configuration. Callers must not modify it.
func Get() *Config {
	gLock.RLock()
	defer gLock.RUnlock()
	return gConfig
}

// OnChange registers fn to be called, on the watcher goroutine, with every
// configuration reloaded after the file changes.
func OnChange(fn func(*Config)) {
	gLock.Lock()
	defer gLock.Unlock()
	gListeners = append(gListeners, fn)
}

func set(c *Config) []func(*Config) {
	gLock.Lock()
	defer gLock.Unlock()
	gConfig = c
	return append([]func(*Config)(nil), gListeners...)
}

func waitForChange(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-watcher.Events:
	case err := <-watcher.Errors:
		return err
	}
	// Let the writer finish before reading.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second / 10):
	}
	return ctx.Err()
}

// Load reads the configuration at path and keeps reloading it whenever the
// file changes until ctx is done. An invalid reload keeps the previous
// configuration.
func Load(ctx context.Context, path string) error {
	config, err := configFromFile(path)
	if err != nil {
		return err
	}
	set(config)
	go func() {
		for ctx.Err() == nil {
			if err := waitForChange(ctx, path); err != nil {
				if ctx.Err() == nil {
					log.Errorf("Error waiting for file change: %v", err)
					time.Sleep(time.Second)
				}
				continue
			}

			config, err := configFromFile(path)
			if err != nil {
				log.Errorf("Failed to load new config: %v", err)
				continue
			}
			for _, fn := range set(config) {
				fn(config)
			}
		}
	}()
	return nil
}
