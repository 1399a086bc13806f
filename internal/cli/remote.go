package cli

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lifeboat/internal/api"
	"github.com/roach88/lifeboat/internal/client"
	"github.com/roach88/lifeboat/internal/store"
)

// DefaultURL is the node address remote commands talk to by default.
const DefaultURL = "http://localhost:8420"

// RemoteOptions holds flags shared by commands that talk to a node.
type RemoteOptions struct {
	*RootOptions
	URL     string
	Secret  string
	Retries uint
}

func addRemoteFlags(cmd *cobra.Command, opts *RemoteOptions, guarded bool) {
	cmd.Flags().StringVar(&opts.URL, "url", DefaultURL, "base URL of the node")
	cmd.Flags().UintVar(&opts.Retries, "retries", client.DefaultMaxTries, "attempts per request before giving up")
	if guarded {
		cmd.Flags().StringVar(&opts.Secret, "secret", "", "admin secret (default: restore.secret from config or LIFEBOAT_RESTORE_SECRET)")
	}
}

func (o *RemoteOptions) client() *client.Client {
	secret := o.Secret
	if secret == "" {
		if cfg, err := o.loadConfig(); err == nil {
			secret = cfg.Restore.Secret
		}
	}
	return client.New(o.URL,
		client.WithSecret(secret),
		client.WithMaxTries(o.Retries),
		client.WithLogger(o.logger()),
	)
}

func unreachable(url string, err error) error {
	return WrapExitError(ExitCommandError, fmt.Sprintf("request to %s failed", url), err)
}

type statusOutput api.HealthResponse

func (s statusOutput) String() string {
	return fmt.Sprintf("Node:        %s\nFingerprint: %s\nEvents:      %d\n",
		s.NodeIdentity, s.DBFingerprint, s.EventsCount)
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RemoteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a node's identity and log fingerprint",
		Long: `Show a node's identity, state fingerprint and event count.

Examples:
  lifeboat status
  lifeboat status --url http://backup-host:8420 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			health, err := opts.client().Health(cmd.Context())
			if err != nil {
				return unreachable(opts.URL, err)
			}
			return opts.formatter(cmd).Success(statusOutput(health))
		},
	}

	addRemoteFlags(cmd, opts, false)
	return cmd
}

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	RemoteOptions
	Output   string
	PageSize int
}

type exportOutput struct {
	Path             string `json:"path" yaml:"path"`
	NodeIdentity     string `json:"node_identity" yaml:"node_identity"`
	StateFingerprint string `json:"state_fingerprint" yaml:"state_fingerprint"`
	Events           int    `json:"events" yaml:"events"`
	SnapshotRows     int    `json:"snapshot_rows" yaml:"snapshot_rows"`
}

func (e exportOutput) String() string {
	return fmt.Sprintf("Backed up %d events and %d snapshot rows of %s (fingerprint %s) to %s\n",
		e.Events, e.SnapshotRows, e.NodeIdentity, e.StateFingerprint, e.Path)
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RemoteOptions: RemoteOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Pull a full backup of a node into a file",
		Long: `Pull every event of a node, page by page, plus a snapshot of its
state tables, and write them to a backup file.

Examples:
  lifeboat export --url http://node-a:8420 -o backup.json
  lifeboat export -o backup.json --page-size 500`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), opts, cmd)
		},
	}

	addRemoteFlags(cmd, &opts.RemoteOptions, false)
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "backup file to write (required)")
	_ = cmd.MarkFlagRequired("output")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 1000, "events per export page")

	return cmd
}

func runExport(ctx context.Context, opts *ExportOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	b, err := opts.client().Pull(ctx, opts.PageSize)
	if err != nil {
		return unreachable(opts.URL, err)
	}
	out.VerboseLog("pulled %d events from %s", len(b.Events), b.NodeIdentity)

	if err := client.WriteBackup(opts.Output, b); err != nil {
		return WrapExitError(ExitCommandError, "failed to write backup", err)
	}

	return out.Success(exportOutput{
		Path:             opts.Output,
		NodeIdentity:     b.NodeIdentity,
		StateFingerprint: b.StateFingerprint,
		Events:           len(b.Events),
		SnapshotRows:     b.Snapshot.RowCount(),
	})
}

type pushOutput client.PushResult

func (p pushOutput) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session:          %s\n", p.RestoreSessionID)
	fmt.Fprintf(&sb, "Status:           %s\n", p.Status)
	fmt.Fprintf(&sb, "Batches:          %d\n", len(p.Batches))
	fmt.Fprintf(&sb, "Inserted:         %d\n", p.EventsInserted)
	fmt.Fprintf(&sb, "Already present:  %d\n", p.EventsAlreadyPresent)
	fmt.Fprintf(&sb, "Rejected:         %d\n", p.EventsRejected)
	for _, id := range p.RejectedEventIDs {
		fmt.Fprintf(&sb, "  rejected %s\n", id)
	}
	return sb.String()
}

// RestoreOptions holds flags for the restore command.
type RestoreOptions struct {
	RemoteOptions
	BatchSize int
	SessionID string
}

func addRestoreFlags(cmd *cobra.Command, opts *RestoreOptions) {
	addRemoteFlags(cmd, &opts.RemoteOptions, true)
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 1000, "events per restore batch")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "restore session id (reuse to resume an interrupted restore)")
}

// NewRestoreCommand creates the restore command.
func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RestoreOptions{RemoteOptions: RemoteOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "restore <backup-file>",
		Short: "Push a backup into a node in batches",
		Long: `Push a backup file into a node as a batched restore session.

Events the node already holds are skipped. An event whose id exists with
different content is rejected and audited, never overwritten. Re-running
with the same --session resumes an interrupted restore.

Exit codes:
  0  restore completed
  1  restore completed with rejected events
  2  the restore could not be applied

Examples:
  lifeboat restore backup.json --url http://node-b:8420 --secret "$SECRET"
  lifeboat restore backup.json --session 0192f7c4-... --batch-size 500`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := client.ReadBackup(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read backup", err)
			}
			return runPush(cmd.Context(), opts, cmd, b)
		},
	}

	addRestoreFlags(cmd, opts)
	return cmd
}

func runPush(ctx context.Context, opts *RestoreOptions, cmd *cobra.Command, b *client.Backup) error {
	out := opts.formatter(cmd)

	result, err := opts.client().Push(ctx, b, opts.SessionID, opts.BatchSize)
	if err != nil {
		msg := "restore failed"
		if result != nil {
			msg = fmt.Sprintf("restore failed; resume with --session %s", result.RestoreSessionID)
		}
		return WrapExitError(ExitCommandError, msg, err)
	}

	if err := out.Success(pushOutput(*result)); err != nil {
		return err
	}
	if result.EventsRejected > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d events rejected; see lifeboat history --session %s",
			result.EventsRejected, result.RestoreSessionID))
	}
	return nil
}

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	RestoreOptions
	DryRun bool
}

type syncOutput struct {
	Decision client.Decision    `json:"decision" yaml:"decision"`
	Restore  *client.PushResult `json:"restore,omitempty" yaml:"restore,omitempty"`
}

func (s syncOutput) String() string {
	verdict := "no restore needed"
	if s.Decision.Restore {
		verdict = "restore needed"
	}
	text := fmt.Sprintf("Decision: %s (%s)\n", verdict, s.Decision.Reason)
	if s.Restore != nil {
		text += pushOutput(*s.Restore).String()
	}
	return text
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RestoreOptions: RestoreOptions{RemoteOptions: RemoteOptions{RootOptions: rootOpts}}}

	cmd := &cobra.Command{
		Use:   "sync <backup-file>",
		Short: "Restore a backup only into a fresh or replaced node",
		Long: `Compare a node with a backup and restore only when the node is empty,
or is a different node than the one backed up and holds fewer events.

Examples:
  lifeboat sync backup.json --url http://node-b:8420
  lifeboat sync backup.json --dry-run`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), opts, cmd, args[0])
		},
	}

	addRestoreFlags(cmd, &opts.RestoreOptions)
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report the decision without restoring")
	return cmd
}

func runSync(ctx context.Context, opts *SyncOptions, cmd *cobra.Command, path string) error {
	out := opts.formatter(cmd)

	b, err := client.ReadBackup(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read backup", err)
	}

	c := opts.client()
	health, err := c.Health(ctx)
	if err != nil {
		return unreachable(opts.URL, err)
	}

	decision := client.NeedsRestore(health, b)
	out.VerboseLog("node %s: %s", health.NodeIdentity, decision.Reason)
	if !decision.Restore || opts.DryRun {
		return out.Success(syncOutput{Decision: decision})
	}

	result, err := c.Push(ctx, b, opts.SessionID, opts.BatchSize)
	if err != nil {
		return WrapExitError(ExitCommandError, "restore failed", err)
	}
	if err := out.Success(syncOutput{Decision: decision, Restore: result}); err != nil {
		return err
	}
	if result.EventsRejected > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d events rejected", result.EventsRejected))
	}
	return nil
}

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	RemoteOptions
	Limit     int
	SessionID string
}

type historyOutput struct {
	Sessions []store.RestoreSession `json:"sessions" yaml:"sessions"`
}

func (h historyOutput) String() string {
	if len(h.Sessions) == 0 {
		return "No restore sessions\n"
	}
	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSOURCE\tSTATUS\tBATCHES\tINSERTED\tPRESENT\tREJECTED\tUPDATED")
	for _, s := range h.Sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%d\t%s\n",
			s.SessionID, s.SourceDeviceID, s.Status, s.BatchesReceived, s.TotalBatches,
			s.EventsInserted, s.EventsAlreadyPresent, s.EventsRejected,
			time.UnixMilli(s.UpdatedAt).UTC().Format(time.RFC3339))
	}
	tw.Flush()
	return sb.String()
}

type rejectsOutput struct {
	RestoreSessionID string               `json:"restore_session_id" yaml:"restore_session_id"`
	Rejects          []store.RejectRecord `json:"rejects" yaml:"rejects"`
}

func (r rejectsOutput) String() string {
	if len(r.Rejects) == 0 {
		return fmt.Sprintf("No rejected events in session %s\n", r.RestoreSessionID)
	}
	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tREASON\tBATCH\tSTORED HASH\tINCOMING HASH")
	for _, rj := range r.Rejects {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", rj.EventID, rj.Reason, rj.BatchNumber, rj.OldHash, rj.NewHash)
	}
	tw.Flush()
	return sb.String()
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RemoteOptions: RemoteOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show a node's restore audit trail",
		Long: `List restore sessions applied to a node, newest first. With --session,
list the events that session rejected instead.

Examples:
  lifeboat history --limit 10
  lifeboat history --session 0192f7c4-... --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			c := opts.client()
			if opts.SessionID != "" {
				rejects, err := c.Rejects(cmd.Context(), opts.SessionID)
				if err != nil {
					if client.IsAPIError(err, http.StatusNotFound) {
						return WrapExitError(ExitCommandError, "unknown restore session", err)
					}
					return unreachable(opts.URL, err)
				}
				return out.Success(rejectsOutput{RestoreSessionID: opts.SessionID, Rejects: rejects})
			}

			sessions, err := c.History(cmd.Context(), opts.Limit)
			if err != nil {
				return unreachable(opts.URL, err)
			}
			return out.Success(historyOutput{Sessions: sessions})
		},
	}

	addRemoteFlags(cmd, &opts.RemoteOptions, true)
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum sessions to list")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "list rejected events of one session")
	return cmd
}
