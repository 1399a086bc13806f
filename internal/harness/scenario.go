package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/lifeboat/internal/restore"
)

// Assertion types.
const (
	AssertEventCount       = "event_count"
	AssertRejectCount      = "reject_count"
	AssertSessionStatus    = "session_status"
	AssertFingerprintMatch = "fingerprint_match"
	AssertFinalState       = "final_state"
)

// DefaultSourceDevice names the source node when a scenario sets none.
const DefaultSourceDevice = "drill-source"

// Scenario defines a restore drill.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this drill validates.
	Description string `yaml:"description"`

	Source SourceSpec `yaml:"source"`
	Target TargetSpec `yaml:"target,omitempty"`
	Backup BackupSpec `yaml:"backup,omitempty"`

	// SessionID is the restore session id. Defaults to "drill-" + Name.
	SessionID string `yaml:"session_id,omitempty"`

	// Flow lists the push steps, each applying one or more batches.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the target after the flow.
	Assertions []Assertion `yaml:"assertions"`
}

// SourceSpec describes the generated source log.
type SourceSpec struct {
	Device      string   `yaml:"device,omitempty"`
	Events      int      `yaml:"events"`
	EntityTypes []string `yaml:"entity_types,omitempty"`
}

// TargetSpec describes what the target holds before the drill.
type TargetSpec struct {
	// Present lists source events already stored on the target.
	Present []int `yaml:"present,omitempty"`

	// Tampered lists source events whose ids the target holds with a
	// different payload.
	Tampered []int `yaml:"tampered,omitempty"`

	// MaxBatchSize bounds events per batch on the target.
	MaxBatchSize int `yaml:"max_batch_size,omitempty"`
}

// BackupSpec controls how the source log is cut into batches.
type BackupSpec struct {
	BatchSize int `yaml:"batch_size,omitempty"`

	// BadHashes lists events sent with a payload_hash that does not match
	// their content.
	BadHashes []int `yaml:"bad_hashes,omitempty"`

	// NoSnapshot leaves the snapshot off the first batch.
	NoSnapshot bool `yaml:"no_snapshot,omitempty"`
}

// FlowStep pushes batches to the target.
type FlowStep struct {
	// Batches lists batch numbers to push, in order. Empty means all.
	Batches []int `yaml:"batches,omitempty"`

	// Fault makes event inserts fail for the duration of the step.
	Fault *Fault `yaml:"fault,omitempty"`

	// Expect is checked against the last batch of the step.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// Fault aborts any event insert once the target holds AfterEvents events.
type Fault struct {
	AfterEvents int `yaml:"after_events"`
}

// ExpectClause specifies the expected outcome of a batch. Unset fields are
// not checked.
type ExpectClause struct {
	Status         string `yaml:"status,omitempty"`
	Error          string `yaml:"error,omitempty"`
	Inserted       *int   `yaml:"inserted,omitempty"`
	AlreadyPresent *int   `yaml:"already_present,omitempty"`
	Rejected       *int   `yaml:"rejected,omitempty"`
}

// Assertion validates the target after the flow.
type Assertion struct {
	Type string `yaml:"type"`

	// Count is used by event_count and reject_count.
	Count *int `yaml:"count,omitempty"`

	// Reason filters reject_count to one reject reason.
	Reason string `yaml:"reason,omitempty"`

	// Status is used by session_status.
	Status string `yaml:"status,omitempty"`

	// Table, Where and Expect are used by final_state. Where must match
	// exactly one row.
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	scenario.applyDefaults()
	return &scenario, nil
}

func (s *Scenario) applyDefaults() {
	if s.Source.Device == "" {
		s.Source.Device = DefaultSourceDevice
	}
	if len(s.Source.EntityTypes) == 0 {
		s.Source.EntityTypes = []string{"shipment"}
	}
	if s.Backup.BatchSize == 0 {
		s.Backup.BatchSize = restore.DefaultMaxBatchSize
	}
	if s.SessionID == "" {
		s.SessionID = "drill-" + s.Name
	}
}

// TotalBatches returns how many batches the backup is cut into.
func (s *Scenario) TotalBatches() int {
	size := s.Backup.BatchSize
	if size <= 0 {
		size = restore.DefaultMaxBatchSize
	}
	return max((s.Source.Events+size-1)/size, 1)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Source.Events < 0 {
		return fmt.Errorf("source.events must not be negative")
	}
	if s.Backup.BatchSize < 0 {
		return fmt.Errorf("backup.batch_size must not be negative")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	positions := map[string][]int{
		"target.present":    s.Target.Present,
		"target.tampered":   s.Target.Tampered,
		"backup.bad_hashes": s.Backup.BadHashes,
	}
	for field, list := range positions {
		for _, p := range list {
			if p < 1 || p > s.Source.Events {
				return fmt.Errorf("%s: event %d out of range 1..%d", field, p, s.Source.Events)
			}
		}
	}
	for _, p := range s.Target.Tampered {
		if slices.Contains(s.Target.Present, p) {
			return fmt.Errorf("target: event %d cannot be both present and tampered", p)
		}
	}

	total := s.TotalBatches()
	for i, step := range s.Flow {
		for _, n := range step.Batches {
			if n < 1 || n > total {
				return fmt.Errorf("flow[%d]: batch %d out of range 1..%d", i, n, total)
			}
		}
		if step.Fault != nil && step.Fault.AfterEvents < 0 {
			return fmt.Errorf("flow[%d].fault: after_events must not be negative", i)
		}
		if e := step.Expect; e != nil && e.Status != "" && e.Error != "" {
			return fmt.Errorf("flow[%d].expect: status and error are mutually exclusive", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertEventCount, AssertRejectCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for %s", index, a.Type)
		}
	case AssertSessionStatus:
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for session_status", index)
		}
	case AssertFingerprintMatch:
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
