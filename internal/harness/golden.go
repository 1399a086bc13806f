package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/lifeboat/internal/canon"
)

// TraceSnapshot captures the batch outcomes of a drill.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []BatchOutcome
}

// toCanonicalMap converts the snapshot for canonical JSON serialization.
// Empty optional fields are left out.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, o := range s.Trace {
		entry := map[string]any{
			"step":            o.Step,
			"batch":           o.BatchNumber,
			"inserted":        o.Inserted,
			"already_present": o.AlreadyPresent,
			"rejected":        o.Rejected,
		}
		if o.Status != "" {
			entry["status"] = o.Status
		}
		if o.Error != "" {
			entry["error"] = o.Error
		}
		if len(o.RejectedEventIDs) > 0 {
			ids := make([]any, len(o.RejectedEventIDs))
			for j, id := range o.RejectedEventIDs {
				ids[j] = id
			}
			entry["rejected_event_ids"] = ids
		}
		traceList[i] = entry
	}

	return map[string]any{
		"scenario": s.ScenarioName,
		"trace":    traceList,
	}
}

// MarshalTrace renders a drill trace as canonical JSON.
func MarshalTrace(scenarioName string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{ScenarioName: scenarioName, Trace: result.Trace}
	return canon.Marshal(snapshot.toCanonicalMap())
}

// RunWithGolden executes a drill and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario, nil)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an already computed result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
