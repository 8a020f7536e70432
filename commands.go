package models

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// ConfigLoader supplies the Config and options used to open the Manager.
// It runs after flag parsing, so it may read flags of parent commands.
type ConfigLoader func(cmd *cobra.Command) (Config, []ManagerOption, error)

// NewCommand creates a Cobra command tree for model management.
// The returned command should be added to a parent CLI's root command.
//
// Commands provided:
//   - model list
//   - model download <id> [--revision] [--force] [--concurrency]
//   - model register <id> [--overwrite] [--no-wait]
//   - model show <id>
//   - model verify <id> [--content]
//   - model path <id>
//   - model delete <id> [--yes] [--no-wait]
//
// Global flags: --json, --quiet
func NewCommand(cfg Config, opts ...ManagerOption) *cobra.Command {
	return NewCommandFunc(func(*cobra.Command) (Config, []ManagerOption, error) {
		return cfg, opts, nil
	})
}

// NewCommandFunc is like NewCommand but defers building the Config until a
// subcommand runs.
func NewCommandFunc(load ConfigLoader) *cobra.Command {
	var (
		jsonOutput bool
		quiet      bool
	)

	// env is filled in PersistentPreRunE
	env := &commandEnv{}

	cmd := &cobra.Command{
		Use:     "model",
		Aliases: []string{"models"},
		Short:   "Manage local models",
		Long:    "Download, register, verify and remove models kept in the local model registry.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip manager creation for help commands
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}

			cfg, opts, err := load(cmd)
			if err != nil {
				return err
			}
			mgr, err := Open(cfg, opts...)
			if err != nil {
				return fmt.Errorf("failed to open model registry: %w", err)
			}

			mcfg := newManagerConfig()
			for _, opt := range opts {
				opt(mcfg)
			}
			env.mgr = mgr
			env.cfg = cfg
			env.logger = mcfg.logger
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	cmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")
	env.jsonOutput = &jsonOutput
	env.quiet = &quiet

	// Add subcommands
	cmd.AddCommand(listCmd(env))
	cmd.AddCommand(downloadCmd(env))
	cmd.AddCommand(registerCmd(env))
	cmd.AddCommand(showCmd(env))
	cmd.AddCommand(verifyCmd(env))
	cmd.AddCommand(pathCmd(env))
	cmd.AddCommand(deleteCmd(env))

	return cmd
}

// commandEnv is shared by all subcommands of one tree.
type commandEnv struct {
	mgr        Manager
	cfg        Config
	logger     Logger
	jsonOutput *bool
	quiet      *bool
}

func listCmd(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return outputModels(cmd.OutOrStdout(), env.mgr.List(), *env.jsonOutput)
		},
	}
}

func downloadCmd(env *commandEnv) *cobra.Command {
	var (
		force       bool
		revision    string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "download <model-id>",
		Short: "Download a model from the hub and register it",
		Long:  "Download every file of a model from the hub into the local registry, then record it in the index.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			modelID := args[0]

			if !cmd.Flags().Changed("concurrency") && env.cfg.Concurrency > 0 {
				concurrency = env.cfg.Concurrency
			}

			opts := []PullOption{WithRevision(revision), WithConcurrency(concurrency)}
			if force {
				opts = append(opts, WithForce())
			}

			var bar *progressBar
			if !*env.quiet {
				bar = &progressBar{w: cmd.OutOrStdout()}
				opts = append(opts, WithProgress(bar.update))
			}

			// Bodies may stream for a long time; only the headers are bounded.
			transport := http.DefaultTransport.(*http.Transport).Clone()
			transport.ResponseHeaderTimeout = DefaultRequestTimeout
			client := &http.Client{Transport: transport}
			hub := NewHubClient(env.cfg.HubURL, env.cfg.HubToken, client, env.logger)
			dl := NewDownloader(hub, env.mgr, WithLogger(env.logger))

			info, err := dl.Pull(ctx, modelID, opts...)
			if bar != nil {
				bar.finish()
			}
			if err != nil {
				if errors.Is(err, ErrModelAlreadyExists) {
					if !*env.quiet {
						fmt.Fprintf(cmd.OutOrStdout(), "Model %s is already registered (use --force to re-download)\n", modelID)
					}
					return nil
				}
				return err
			}

			if !*env.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %s (%d files, %s)\n", info.ModelID, len(info.Files), humanize.IBytes(uint64(info.TotalSize())))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Download again even if already registered")
	cmd.Flags().StringVar(&revision, "revision", "main", "Hub revision (branch, tag or commit)")
	cmd.Flags().IntVar(&concurrency, "concurrency", DefaultConcurrency, "Number of parallel file downloads")
	return cmd
}

func registerCmd(env *commandEnv) *cobra.Command {
	var (
		overwrite bool
		noWait    bool
	)

	cmd := &cobra.Command{
		Use:   "register <model-id>",
		Short: "Register files already present in a model directory",
		Long:  "Scan the model's directory and record every regular file in the index. Useful after copying a model in by hand.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			modelID := args[0]

			files, err := env.mgr.Scan(modelID)
			if err != nil {
				return err
			}

			var opts []MutateOption
			if overwrite {
				opts = append(opts, WithOverwrite())
			}
			if noWait {
				opts = append(opts, NoWait())
			}

			info, err := env.mgr.Register(ctx, modelID, files, opts...)
			if err != nil {
				return err
			}

			if !*env.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%d files, %s)\n", info.ModelID, len(info.Files), humanize.IBytes(uint64(info.TotalSize())))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing registration")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Fail immediately if the index is locked")
	return cmd
}

func showCmd(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "show <model-id>",
		Short: "Show a registered model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := env.mgr.Lookup(args[0])
			if err != nil {
				return err
			}
			dir, err := env.mgr.ModelDir(info.ModelID)
			if err != nil {
				return err
			}
			return outputModelDetail(cmd.OutOrStdout(), info, dir, *env.jsonOutput)
		},
	}
}

func verifyCmd(env *commandEnv) *cobra.Command {
	var content bool

	cmd := &cobra.Command{
		Use:   "verify <model-id>",
		Short: "Check a model's files against the index",
		Long:  "Re-check every recorded file of a model. Exits non-zero if any file is missing or differs.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			modelID := args[0]

			var opts []VerifyOption
			if content {
				opts = append(opts, WithContentCheck())
			}

			mismatches, err := env.mgr.Verify(ctx, modelID, opts...)
			if err != nil {
				return err
			}

			if err := outputMismatches(cmd.OutOrStdout(), modelID, mismatches, *env.jsonOutput, *env.quiet); err != nil {
				return err
			}
			if len(mismatches) > 0 {
				return newError("verify", modelID, wrapf(ErrIncompleteDownload, "%d file(s) differ from the index", len(mismatches)))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&content, "content", false, "Also compare SHA-256 hashes where recorded")
	return cmd
}

func pathCmd(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "path <model-id>",
		Short: "Print the directory of a verified model",
		Long:  "Verify a registered model and print its directory, ready to hand to an inference runtime.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			modelID := args[0]

			mismatches, err := env.mgr.Verify(ctx, modelID)
			if err != nil {
				return err
			}
			if len(mismatches) > 0 {
				return newError("path", modelID, wrapf(ErrIncompleteDownload, "%d file(s) differ from the index; run verify for details", len(mismatches)))
			}

			dir, err := env.mgr.ModelDir(modelID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dir)
			return nil
		},
	}
}

func deleteCmd(env *commandEnv) *cobra.Command {
	var (
		yes    bool
		noWait bool
	)

	cmd := &cobra.Command{
		Use:     "delete <model-id>",
		Aliases: []string{"remove", "rm"},
		Short:   "Delete a model and its files",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			modelID := args[0]

			if _, err := env.mgr.Lookup(modelID); err != nil {
				return err
			}

			// Confirmation prompt
			if !yes {
				fmt.Fprintf(cmd.OutOrStdout(), "Delete %s and all its files? [y/N]: ", modelID)
				if !confirmPrompt(cmd.InOrStdin()) {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}

			var opts []MutateOption
			if noWait {
				opts = append(opts, NoWait())
			}
			if err := env.mgr.Remove(ctx, modelID, opts...); err != nil {
				return err
			}

			if !*env.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", modelID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Fail immediately if the index is locked")
	return cmd
}

// confirmPrompt reads from stdin and returns true only if the user types 'y' or 'Y'.
// Returns false for empty input or any other response (default is no).
func confirmPrompt(r io.Reader) bool {
	scanner := bufio.NewScanner(r)
	if scanner.Scan() {
		response := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return response == "y" || response == "yes"
	}
	return false
}

// Output helpers

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outputModels(w io.Writer, models []ModelInfo, asJSON bool) error {
	if asJSON {
		return writeJSON(w, models)
	}

	if len(models) == 0 {
		fmt.Fprintln(w, "No models registered")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tFILES\tSIZE\tREGISTERED")
	for _, m := range models {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
			m.ModelID,
			len(m.Files),
			humanize.IBytes(uint64(m.TotalSize())),
			m.RegisteredAt.Local().Format("2006-01-02 15:04"),
		)
	}
	return tw.Flush()
}

func outputModelDetail(w io.Writer, m ModelInfo, dir string, asJSON bool) error {
	if asJSON {
		return writeJSON(w, struct {
			ModelInfo
			Path string `json:"path"`
		}{m, dir})
	}

	fmt.Fprintf(w, "Model:        %s\n", m.ModelID)
	fmt.Fprintf(w, "Size:         %s\n", humanize.IBytes(uint64(m.TotalSize())))
	fmt.Fprintf(w, "Files:        %d\n", len(m.Files))
	fmt.Fprintf(w, "Registered:   %s (%s)\n", m.RegisteredAt.Local().Format("2006-01-02 15:04:05"), humanize.Time(m.RegisteredAt))
	fmt.Fprintf(w, "Path:         %s\n", dir)

	if len(m.Files) > 0 {
		fmt.Fprintln(w, "\nFiles:")
		for _, f := range m.Files {
			fmt.Fprintf(w, "  %s (%s)\n", f.Path, humanize.IBytes(uint64(f.Size)))
		}
	}
	return nil
}

func outputMismatches(w io.Writer, modelID string, mismatches []Mismatch, asJSON, quiet bool) error {
	if asJSON {
		if mismatches == nil {
			mismatches = []Mismatch{}
		}
		return writeJSON(w, mismatches)
	}

	if len(mismatches) == 0 {
		if !quiet {
			fmt.Fprintf(w, "%s: OK\n", modelID)
		}
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tPROBLEM\tEXPECTED\tACTUAL")
	for _, m := range mismatches {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Path, m.Problem, orDash(m.Expected), orDash(m.Actual))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// progressBar renders PullProgress updates on a single terminal line.
type progressBar struct {
	w io.Writer

	mu      sync.Mutex
	started bool
	start   time.Time
	last    PullProgress
}

func (b *progressBar) update(p PullProgress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch p.Phase {
	case "listing":
		fmt.Fprintln(b.w, "Fetching file list...")
	case "files":
		if !b.started {
			b.started = true
			b.start = time.Now()
			// Hide cursor
			fmt.Fprint(b.w, "\x1b[?25l")
		}
		b.last = p
		renderProgress(b.w, p, b.start)
	case "registering":
		b.stop()
	}
}

// finish restores the cursor if a bar is still on screen.
func (b *progressBar) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stop()
}

func (b *progressBar) stop() {
	if !b.started {
		return
	}
	b.started = false
	renderProgress(b.w, b.last, b.start)
	fmt.Fprint(b.w, "\x1b[?25h\n") // Show cursor and new line
}

// renderProgress renders the progress bar to the writer.
// Format: Downloading [============>                 ]  45% 3/7 files (5.2 MiB/s, elapsed: 30s, remaining: 2m 15s)
func renderProgress(w io.Writer, p PullProgress, startTime time.Time) {
	elapsed := time.Since(startTime)
	current := p.BytesCompleted + p.BytesInProgress

	var pct float64
	if p.BytesTotal > 0 {
		pct = float64(current) / float64(p.BytesTotal) * 100
		if pct > 100 {
			pct = 100
		}
	}

	var speed float64
	if elapsed.Seconds() > 0 && current > 0 {
		speed = float64(current) / elapsed.Seconds()
	}

	var remaining time.Duration
	if speed > 0 && current < p.BytesTotal {
		remaining = time.Duration(float64(p.BytesTotal-current)/speed) * time.Second
	}

	const barWidth = 30
	filled := int(pct / 100 * float64(barWidth))

	var bar string
	switch {
	case filled >= barWidth:
		bar = strings.Repeat("=", barWidth)
	case filled > 0:
		bar = strings.Repeat("=", filled) + ">" + strings.Repeat(" ", barWidth-filled-1)
	default:
		bar = ">" + strings.Repeat(" ", barWidth-1)
	}

	// \r to overwrite, \x1b[K to clear to end of line
	fmt.Fprintf(w, "\r\x1b[KDownloading [%s] %3.0f%% %d/%d files (%s/s, elapsed: %s, remaining: %s)",
		bar, pct, p.FilesCompleted, p.FilesTotal, humanize.IBytes(uint64(speed)), formatDuration(elapsed), formatDuration(remaining))
}

// formatDuration formats a duration as human-readable text (e.g., "5s", "2m 30s", "1h 5m").
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	d = d.Round(time.Second)

	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if hours > 0 {
		if mins > 0 {
			return fmt.Sprintf("%dh %dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	if mins > 0 {
		if secs > 0 {
			return fmt.Sprintf("%dm %ds", mins, secs)
		}
		return fmt.Sprintf("%dm", mins)
	}
	return fmt.Sprintf("%ds", secs)
}
