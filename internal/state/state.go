package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dnl0037/db-migrations/internal/config"
	"github.com/dnl0037/db-migrations/internal/model"
)

const DefaultPath = "~/.dbmigrate/state.yaml"

// State records the progress of the current or most recent run so that a
// separate `status` invocation can report on it.
type State struct {
	RunID       string    `yaml:"run_id,omitempty"`
	Phase       string    `yaml:"phase"`
	PID         int       `yaml:"pid,omitempty"`
	StartedAt   time.Time `yaml:"started_at,omitempty"`
	LastUpdated time.Time `yaml:"last_updated"`
	SourceType  string    `yaml:"source_type,omitempty"`
	TargetType  string    `yaml:"target_type,omitempty"`

	Entities   map[model.EntityType]EntityState `yaml:"entities,omitempty"`
	ReportPath string                           `yaml:"report_path,omitempty"`
	Status     string                           `yaml:"status,omitempty"` // final report status
	Error      string                           `yaml:"error,omitempty"`
}

// EntityState tracks one entity type of the run.
type EntityState struct {
	Status     string `yaml:"status"` // pending, running, completed, failed, cancelled
	Batch      int    `yaml:"batch,omitempty"`
	Read       int    `yaml:"read"`
	Loaded     int    `yaml:"loaded"`
	Rejected   int    `yaml:"rejected"`
	LoadFailed int    `yaml:"load_failed"`
	SourceRows int64  `yaml:"source_rows,omitempty"`
}

// Load reads the run state from disk. A missing file is a fresh state.
func Load(path string) (*State, error) {
	if path == "" {
		path = config.ExpandHome(DefaultPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}

	s := &State{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing state: %w", err)
	}
	if s.Entities == nil {
		s.Entities = make(map[model.EntityType]EntityState)
	}
	return s, nil
}

// Save writes the run state to disk.
func (s *State) Save(path string) error {
	if path == "" {
		path = config.ExpandHome(DefaultPath)
	}

	s.LastUpdated = time.Now()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	// write then rename so a concurrent reader never sees a partial file
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// New creates a state with no run recorded.
func New() *State {
	return &State{
		Phase:       "not_started",
		LastUpdated: time.Now(),
		Entities:    make(map[model.EntityType]EntityState),
	}
}

// Begin resets the state for a new run.
func (s *State) Begin(runID string, entities []model.EntityType) {
	s.RunID = runID
	s.PID = os.Getpid()
	s.StartedAt = time.Now()
	s.Phase = "not_started"
	s.Status = ""
	s.Error = ""
	s.ReportPath = ""
	s.Entities = make(map[model.EntityType]EntityState, len(entities))
	for _, e := range entities {
		s.Entities[e] = EntityState{Status: "pending"}
	}
}

// Update records progress of one entity type.
func (s *State) Update(phase string, e model.EntityType, es EntityState) {
	s.Phase = phase
	if e != "" {
		s.Entities[e] = es
	}
}

// Finish records the outcome of the run.
func (s *State) Finish(phase, status, reportPath string, err error) {
	s.Phase = phase
	s.Status = status
	s.ReportPath = reportPath
	if err != nil {
		s.Error = err.Error()
	}
}

// IsRunning returns true while a run has started and not finished.
func (s *State) IsRunning() bool {
	return s.RunID != "" && s.Status == ""
}
