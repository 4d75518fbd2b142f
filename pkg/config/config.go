// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads YAML-file operational tuning knobs — the kind an
// operator wants to tweak without a redeploy — and optionally watches the
// file for changes so a running service can pick them up live.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Runtime holds knobs a deployment may want to change without rebuilding
// a binary. New fields should keep a sensible zero value so an absent or
// partial YAML file still produces a usable Runtime.
type Runtime struct {
	// SessionIdleTimeoutSeconds overrides how long a conversation session
	// may sit inactive before the reaper evicts it. Zero means "use the
	// service's built-in default."
	SessionIdleTimeoutSeconds int `yaml:"session_idle_timeout_seconds"`

	// ModerationEnabled is parsed and logged when the orchestrator reloads
	// its runtime config. No service reads it: the orchestrator runs inbound
	// messages through whatever MessageFilter is installed either way.
	ModerationEnabled bool `yaml:"moderation_enabled"`

	// MaxConcurrentSessions is parsed but no service reads it; the number
	// of sessions an orchestrator node accepts is not capped by it.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`
}

// IdleTimeout returns SessionIdleTimeoutSeconds as a time.Duration, or
// fallback if unset.
func (r Runtime) IdleTimeout(fallback time.Duration) time.Duration {
	if r.SessionIdleTimeoutSeconds <= 0 {
		return fallback
	}
	return time.Duration(r.SessionIdleTimeoutSeconds) * time.Second
}

// Load reads and parses a Runtime from a YAML file at path. A missing
// file is not an error — it returns a zero-value Runtime so callers can
// fall back to their own defaults.
func Load(path string) (Runtime, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Runtime{}, nil
	}
	if err != nil {
		return Runtime{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var rt Runtime
	if err := yaml.Unmarshal(data, &rt); err != nil {
		return Runtime{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return rt, nil
}

// Watcher holds the current Runtime and keeps it current by watching its
// source file for writes.
type Watcher struct {
	path string

	mu      sync.RWMutex
	current Runtime

	fsWatcher *fsnotify.Watcher
	onChange  func(Runtime)
}

// NewWatcher loads path once and starts watching it for changes. onChange,
// if non-nil, is called (from a background goroutine) after each
// successful reload. Call Close when done to stop the underlying
// fsnotify.Watcher.
func NewWatcher(path string, onChange func(Runtime)) (*Watcher, error) {
	initial, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fsWatcher.Add(path); err != nil {
		_ = fsWatcher.Close()
		if os.IsNotExist(err) {
			// Nothing to watch yet; caller keeps the zero-value Runtime
			// until the file is created and a future deploy restarts us.
			return &Watcher{path: path, current: initial}, nil
		}
		return nil, fmt.Errorf("watch config %s: %w", path, err)
	}

	w := &Watcher{path: path, current: initial, fsWatcher: fsWatcher, onChange: onChange}
	go w.loop()
	return w, nil
}

// Current returns the most recently loaded Runtime.
func (w *Watcher) Current() Runtime {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops watching the config file.
func (w *Watcher) Close() error {
	if w.fsWatcher == nil {
		return nil
	}
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			rt, err := Load(w.path)
			if err != nil {
				continue
			}
			w.mu.Lock()
			w.current = rt
			w.mu.Unlock()
			if w.onChange != nil {
				w.onChange(rt)
			}
		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
		}
	}
}
