package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lifeboat/internal/clock"
	"github.com/roach88/lifeboat/internal/event"
	"github.com/roach88/lifeboat/internal/identity"
	"github.com/roach88/lifeboat/internal/ledger"
	"github.com/roach88/lifeboat/internal/store"
)

// LocalOptions holds flags for commands that open a node database directly.
type LocalOptions struct {
	*RootOptions
	Database string
}

func (o *LocalOptions) openStore() (*store.Store, error) {
	path := o.Database
	if path == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.Storage.Path
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

type inspectOutput struct {
	Database       string                  `json:"database" yaml:"database"`
	NodeIdentity   string                  `json:"node_identity" yaml:"node_identity"`
	DBFingerprint  string                  `json:"db_fingerprint" yaml:"db_fingerprint"`
	EventsCount    int64                   `json:"events_count" yaml:"events_count"`
	LatestEventID  string                  `json:"latest_event_id,omitempty" yaml:"latest_event_id,omitempty"`
	LatestHLC      string                  `json:"latest_hlc,omitempty" yaml:"latest_hlc,omitempty"`
	EntityTypes    []store.EntityTypeStats `json:"entity_types" yaml:"entity_types"`
	RecentSessions []store.RestoreSession  `json:"recent_sessions" yaml:"recent_sessions"`
}

func (i inspectOutput) String() string {
	node := i.NodeIdentity
	if node == "" {
		node = "(not assigned)"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Database:    %s\n", i.Database)
	fmt.Fprintf(&sb, "Node:        %s\n", node)
	fmt.Fprintf(&sb, "Fingerprint: %s\n", i.DBFingerprint)
	fmt.Fprintf(&sb, "Events:      %d\n", i.EventsCount)
	if i.LatestHLC != "" {
		fmt.Fprintf(&sb, "Latest HLC:  %s\n", i.LatestHLC)
	}
	for _, s := range i.EntityTypes {
		fmt.Fprintf(&sb, "  %-24s %d\n", s.EntityType, s.Count)
	}
	if len(i.RecentSessions) > 0 {
		fmt.Fprintf(&sb, "Recent restores:\n")
		for _, s := range i.RecentSessions {
			fmt.Fprintf(&sb, "  %s %s from %s (%d inserted, %d rejected)\n",
				s.SessionID, s.Status, s.SourceDeviceID, s.EventsInserted, s.EventsRejected)
		}
	}
	return sb.String()
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LocalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show identity and contents of a local node database",
		Long: `Read a node database directly, without a running server, and show
its identity, fingerprint, per-type event counts and recent restores.

The log and node identity are never modified: a fresh database shows no identity.

Examples:
  lifeboat inspect --db ./lifeboat.db
  lifeboat inspect --config ./lifeboat.yaml --format yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default: storage.path from config)")
	return cmd
}

func runInspect(ctx context.Context, opts *LocalOptions, cmd *cobra.Command) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	nodeID, _, err := st.GetConfig(ctx, identity.ConfigKey)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read node identity", err)
	}
	count, err := st.Count(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count events", err)
	}
	latest, err := st.LatestEventID(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read latest event", err)
	}
	hlc, err := st.LatestHLC(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read latest HLC", err)
	}
	stats, err := st.StatsByEntityType(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read entity types", err)
	}
	sessions, err := st.ListSessions(ctx, 5)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read restore sessions", err)
	}

	return opts.formatter(cmd).Success(inspectOutput{
		Database:       st.Path(),
		NodeIdentity:   nodeID,
		DBFingerprint:  event.Fingerprint(latest),
		EventsCount:    count,
		LatestEventID:  latest,
		LatestHLC:      hlc,
		EntityTypes:    stats,
		RecentSessions: sessions,
	})
}

// RecordOptions holds flags for the record command.
type RecordOptions struct {
	LocalOptions
	EntityType    string
	EntityID      string
	EventType     string
	ActorID       string
	Payload       string
	SchemaVersion int64
}

type recordOutput event.Event

func (r recordOutput) String() string {
	hlc := ""
	if r.HLC != nil {
		hlc = *r.HLC
	}
	return fmt.Sprintf("Recorded %s %s/%s at %s\nPayload hash: %s\n",
		r.EventID, r.EntityType, r.EntityID, hlc, r.PayloadHash)
}

// NewRecordCommand creates the record command.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{LocalOptions: LocalOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Append an event to a local node database",
		Long: `Append one event to a node's log, stamped with a new event id, the
node's next HLC and its device id. Useful for seeding a node.

Examples:
  lifeboat record --db ./lifeboat.db --entity-type shipment --entity-id s-1 \
    --event-type created --payload '{"weight_kg": 12}'`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default: storage.path from config)")
	cmd.Flags().StringVar(&opts.EntityType, "entity-type", "", "entity type (required)")
	_ = cmd.MarkFlagRequired("entity-type")
	cmd.Flags().StringVar(&opts.EntityID, "entity-id", "", "entity id (required)")
	_ = cmd.MarkFlagRequired("entity-id")
	cmd.Flags().StringVar(&opts.EventType, "event-type", "", "event type (required)")
	_ = cmd.MarkFlagRequired("event-type")
	cmd.Flags().StringVar(&opts.ActorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "event payload as JSON")
	cmd.Flags().Int64Var(&opts.SchemaVersion, "schema-version", 1, "payload schema version")

	return cmd
}

func runRecord(ctx context.Context, opts *RecordOptions, cmd *cobra.Command) error {
	if !json.Valid([]byte(opts.Payload)) {
		return NewExitError(ExitCommandError, "--payload is not valid JSON")
	}

	prefix := identity.DefaultPrefix
	if opts.Database == "" {
		cfg, err := opts.loadConfig()
		if err != nil {
			return err
		}
		prefix = cfg.Node.Prefix
	}

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	logger := opts.logger()
	ids := identity.NewService(st, prefix, clock.NewGate(nil), logger)
	if err := ids.Load(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to load node identity", err)
	}

	stored, err := ledger.NewRecorder(st, ids, logger).Record(ctx, ledger.Input{
		EntityType:    opts.EntityType,
		EntityID:      opts.EntityID,
		ActorID:       opts.ActorID,
		EventType:     opts.EventType,
		SchemaVersion: opts.SchemaVersion,
		Payload:       json.RawMessage(opts.Payload),
	})
	if err != nil {
		if clock.IsTimeValidityError(err) {
			return WrapExitError(ExitCommandError, "system clock is not trustworthy", err)
		}
		return WrapExitError(ExitFailure, "failed to record event", err)
	}

	return opts.formatter(cmd).Success(recordOutput(stored))
}
