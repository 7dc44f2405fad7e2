package config

import (
	"context"
	"encoding/json"
	"fmt"
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
	gListeners []func(old, new *Config)
)

// configFromFile decodes path over the defaults, then applies overrides
// (typically the explicitly set command line flags).
func configFromFile(path string, overrides func(*Config)) (*Config, error) {
	config := Defaults()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p := json.NewDecoder(f)
	p.DisallowUnknownFields()
	if err := p.Decode(&config); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if overrides != nil {
		overrides(&config)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Infof("Loaded configuration: %v", spew.Sdump(config))
	return &config, nil
}

func Get() *Config {
	gLock.RLock()
	defer gLock.RUnlock()
	return gConfig
}

// Set installs c as the current configuration without a backing file.
func Set(c *Config) {
	set(c)
}

func set(c *Config) {
	gLock.Lock()
	old := gConfig
	gConfig = c
	listeners := append([]func(old, new *Config){}, gListeners...)
	gLock.Unlock()
	if old == nil {
		return
	}
	for _, l := range listeners {
		l(old, c)
	}
}

// OnChange registers fn to run after each reload.
func OnChange(fn func(old, new *Config)) {
	gLock.Lock()
	defer gLock.Unlock()
	gListeners = append(gListeners, fn)
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
	case err := <-watcher.Errors:
		return err
	case <-watcher.Events:
	}
	// Let the writer finish.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second / 10):
	}
	return ctx.Err()
}

// Load reads the configuration file and keeps reloading it when it changes
// until ctx is done. A reload that fails to parse or validate keeps the
// previous configuration.
func Load(ctx context.Context, path string, overrides func(*Config)) error {
	config, err := configFromFile(path, overrides)
	if err != nil {
		return err
	}
	set(config)
	go func() {
		for ctx.Err() == nil {
			if err := waitForChange(ctx, path); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Errorf("Error waiting for file change: %v", err)
				time.Sleep(time.Second)
				continue
			}

			config, err := configFromFile(path, overrides)
			if err != nil {
				log.Errorf("Failed to load new config: %v", err)
				continue
			}
			set(config)
		}
	}()
	return nil
}
