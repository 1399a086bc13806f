package restore

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/roach88/lifeboat/internal/event"
	"github.com/roach88/lifeboat/internal/snapshot"
)

//go:embed batch.cue
var batchSchema string

// Batch is one POST /restore body.
type Batch struct {
	RestoreSessionID string            `json:"restore_session_id"`
	SourceDeviceID   string            `json:"source_device_id"`
	BatchNumber      int               `json:"batch_number"`
	TotalBatches     int               `json:"total_batches"`
	IsFinalBatch     bool              `json:"is_final_batch"`
	Snapshot         snapshot.Snapshot `json:"snapshot,omitempty"`
	Events           []event.Event     `json:"events"`
	EventsCount      int               `json:"events_count"`
}

// Response reports the per-event accounting of one applied batch.
type Response struct {
	Status               string   `json:"status" yaml:"status"`
	RestoreSessionID     string   `json:"restore_session_id" yaml:"restore_session_id"`
	BatchNumber          int      `json:"batch_number" yaml:"batch_number"`
	EventsReceived       int      `json:"events_received" yaml:"events_received"`
	EventsInserted       int      `json:"events_inserted" yaml:"events_inserted"`
	EventsAlreadyPresent int      `json:"events_already_present" yaml:"events_already_present"`
	EventsRejected       int      `json:"events_rejected" yaml:"events_rejected"`
	RejectedEventIDs     []string `json:"rejected_event_ids" yaml:"rejected_event_ids"`
}

// Schema checks raw batch bodies against the embedded CUE definition.
//
// Thread-safety: a cue.Context is not safe for concurrent use, so Validate
// serializes callers.
type Schema struct {
	mu    sync.Mutex
	ctx   *cue.Context
	batch cue.Value
}

// NewSchema compiles the embedded batch schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(batchSchema, cue.Filename("batch.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile batch schema: %w", err)
	}
	batch := v.LookupPath(cue.ParsePath("#Batch"))
	if err := batch.Err(); err != nil {
		return nil, fmt.Errorf("lookup #Batch: %w", err)
	}
	return &Schema{ctx: ctx, batch: batch}, nil
}

// Validate checks body against #Batch. The first violation is returned as a
// *ValidationError naming the offending path.
func (s *Schema) Validate(body []byte) error {
	expr, err := cuejson.Extract("batch", body)
	if err != nil {
		return invalid("", "malformed JSON: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.ctx.BuildExpr(expr)
	if err := data.Err(); err != nil {
		return invalid("", "malformed JSON: %v", err)
	}
	if err := s.batch.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return schemaError(err)
	}
	return nil
}

func schemaError(err error) *ValidationError {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return invalid("", "%v", err)
	}
	first := errs[0]
	format, args := first.Msg()
	return invalid(strings.Join(first.Path(), "."), format, args...)
}

// DecodeBatch validates body against the schema and decodes it.
// Numbers inside snapshot rows are kept as json.Number.
func (s *Schema) DecodeBatch(body []byte) (Batch, error) {
	if err := s.Validate(body); err != nil {
		return Batch{}, err
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var b Batch
	if err := dec.Decode(&b); err != nil {
		return Batch{}, invalid("", "decode batch: %v", err)
	}
	return b, nil
}
