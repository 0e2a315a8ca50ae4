package delivery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/roelfdiedericks/goclaw-cron/internal/engine/job"
	. "github.com/roelfdiedericks/goclaw-cron/internal/logging"
)

// Route is the most recent (channel, target) an agent successfully
// replied on for a given session, per §3's LastRoute entity.
type Route struct {
	Channel   string `json:"channel"`
	Target    string `json:"target"`
	UpdatedAt int64  `json:"updatedAt"`
}

type lastRouteFile struct {
	Routes map[string]Route `json:"routes"`
}

// LastRouteStore is the durable session -> route map owned by the
// Delivery Router, persisted at <state>/delivery/last_route.json.
type LastRouteStore struct {
	path string
	mu   sync.Mutex
	data map[string]Route
}

// NewLastRouteStore creates a LastRouteStore persisting at path.
func NewLastRouteStore(path string) *LastRouteStore {
	return &LastRouteStore{path: path, data: make(map[string]Route)}
}

// Load reads the route map from disk. Missing file is not an error.
func (s *LastRouteStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return job.NewError(job.ErrStorageUnavailable, err.Error())
	}
	var file lastRouteFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return job.NewError(job.ErrStorageUnavailable, err.Error())
	}
	if file.Routes == nil {
		file.Routes = make(map[string]Route)
	}
	s.data = file.Routes
	return nil
}

// Get returns the last route for a session key, if any.
func (s *LastRouteStore) Get(sessionKey string) (Route, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[sessionKey]
	return r, ok
}

// Set records a successful delivery's route for a session key and
// persists atomically.
func (s *LastRouteStore) Set(sessionKey string, route Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[sessionKey] = route
	return s.saveLocked()
}

func (s *LastRouteStore) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return job.NewError(job.ErrStorageUnavailable, err.Error())
	}
	data, err := json.MarshalIndent(lastRouteFile{Routes: s.data}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return job.NewError(job.ErrStorageUnavailable, err.Error())
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return job.NewError(job.ErrStorageUnavailable, err.Error())
	}
	L_debug("delivery: saved last_route", "sessions", len(s.data))
	return nil
}
