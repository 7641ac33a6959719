// Package settings persists the daemon's small mutable settings record.
package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/scriptbridge/schema"
)

const fileName = "settings.json"

// Store keeps the settings record in memory and mirrors it to disk on
// every update.
type Store struct {
	path string
	log  pslog.Logger

	mu      sync.RWMutex
	current schema.Settings
}

// Open loads the settings record from dir, falling back to defaults when the
// file does not exist yet.
func Open(dir string, defaults schema.Settings, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fileName)
	if logger != nil {
		logger = logger.With("settings", path)
	}
	s := &Store{path: path, log: logger, current: clone(defaults)}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("settings load miss")
			}
			return s, nil
		}
		if s.log != nil {
			s.log.Warn("settings load failed", "err", err)
		}
		return nil, err
	}
	var loaded schema.Settings
	if err := json.Unmarshal(data, &loaded); err != nil {
		if s.log != nil {
			s.log.Warn("settings load failed", "err", err)
		}
		return nil, err
	}
	s.current = loaded
	if s.log != nil {
		s.log.Debug("settings load ok", "remote_mutation", loaded.RemoteMutationEnabled, "endpoints", len(loaded.Endpoints))
	}
	return s, nil
}

// Get returns a copy of the current settings.
func (s *Store) Get() schema.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.current)
}

// RemoteMutationEnabled reports the remote-mutation gate.
func (s *Store) RemoteMutationEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.RemoteMutationEnabled
}

// AutoReconnect reports the default auto-reconnect flag for new tabs.
func (s *Store) AutoReconnect() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.AutoReconnect
}

// EndpointForHost returns the last endpoint used for host.
func (s *Store) EndpointForHost(host string) (schema.Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.EndpointForHost(host)
}

// RememberEndpoint records the endpoint last connected to from host.
func (s *Store) RememberEndpoint(host string, endpoint schema.Endpoint) error {
	if host == "" || endpoint == "" {
		return nil
	}
	if current, ok := s.EndpointForHost(host); ok && current == endpoint {
		return nil
	}
	_, err := s.Update(func(next *schema.Settings) {
		if next.Endpoints == nil {
			next.Endpoints = make(map[string]schema.Endpoint)
		}
		next.Endpoints[host] = endpoint
	})
	return err
}

// Update applies fn to a copy of the settings, persists the result and makes
// it current. The in-memory record is left untouched when the write fails.
func (s *Store) Update(fn func(*schema.Settings)) (schema.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := clone(s.current)
	fn(&next)
	if err := s.write(next); err != nil {
		if s.log != nil {
			s.log.Warn("settings save failed", "err", err)
		}
		return clone(s.current), err
	}
	s.current = next
	if s.log != nil {
		s.log.Trace("settings save ok", "remote_mutation", next.RemoteMutationEnabled, "auto_reconnect", next.AutoReconnect)
	}
	return clone(next), nil
}

func (s *Store) write(value schema.Settings) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "settings-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func clone(value schema.Settings) schema.Settings {
	if value.Endpoints != nil {
		endpoints := make(map[string]schema.Endpoint, len(value.Endpoints))
		for host, endpoint := range value.Endpoints {
			endpoints[host] = endpoint
		}
		value.Endpoints = endpoints
	}
	return value
}
