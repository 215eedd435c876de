package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/session"
)

var (
	sessionDownload    bool
	sessionInstall     bool
	sessionReboot      bool
	sessionAcceptEulas bool
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Run one search, download and install cycle locally",
	Long: `session searches for updates and, when asked, downloads and installs the
selected ones, printing progress as it goes. No management server is needed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		closeLog, err := setupLogging(cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer closeLog()

		eng, closeEngine, err := newEngine(cfg)
		if err != nil {
			return err
		}
		defer closeEngine()

		ctrl := session.New(eng, session.Options{
			AutoAcceptEulas:   cfg.AutoAcceptEulas || sessionAcceptEulas,
			AutoSelectUpdates: cfg.AutoSelectUpdates,
			SearchCriteria:    cfg.SearchCriteria,
		})
		defer ctrl.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runLocalSession(ctx, ctrl, localOptions{
			Download:        sessionDownload || sessionInstall,
			Install:         sessionInstall,
			Reboot:          sessionReboot,
			SearchTimeout:   cfg.SearchTimeoutSeconds,
			DownloadTimeout: cfg.DownloadTimeoutSeconds,
			InstallTimeout:  cfg.InstallTimeoutSeconds,
		}, cmd.OutOrStdout())
	},
}

func init() {
	sessionCmd.Flags().BoolVar(&sessionDownload, "download", false, "download the selected updates")
	sessionCmd.Flags().BoolVar(&sessionInstall, "install", false, "install the selected updates (implies --download)")
	sessionCmd.Flags().BoolVar(&sessionReboot, "reboot", false, "restart the machine if the installation requires it")
	sessionCmd.Flags().BoolVar(&sessionAcceptEulas, "accept-eulas", false, "accept license agreements of selected updates")
}

type localOptions struct {
	Download        bool
	Install         bool
	Reboot          bool
	SearchTimeout   int
	DownloadTimeout int
	InstallTimeout  int
}

// runLocalSession drives ctrl through search and, as requested, download,
// install and reboot. Cancelling ctx aborts the running job.
func runLocalSession(ctx context.Context, ctrl *session.Controller, opts localOptions, w io.Writer) error {
	out := &lockedWriter{w: w}
	defer out.close()

	results := make(chan session.StateID, 4)
	cancel := ctrl.Subscribe(session.ListenerFuncs{
		OnOperationCompleted: func(_ session.Operation, result session.StateID) {
			select {
			case results <- result:
			default:
			}
		},
		OnProgressChanged: func(state session.StateID, p session.ProgressDescription) {
			fmt.Fprintln(out, formatProgress(state, p))
		},
	})
	defer cancel()

	steps := []struct {
		enabled bool
		begin   func(int) (session.StateID, error)
		abort   func() (session.StateID, error)
		timeout int
		ok      []session.StateID
	}{
		{true, ctrl.BeginSearch, ctrl.AbortSearch, opts.SearchTimeout,
			[]session.StateID{session.StateSearchCompleted}},
		{opts.Download, ctrl.BeginDownload, ctrl.AbortDownload, opts.DownloadTimeout,
			[]session.StateID{session.StateDownloadCompleted, session.StateDownloadPartiallyFailed}},
		{opts.Install, ctrl.BeginInstall, ctrl.AbortInstall, opts.InstallTimeout,
			[]session.StateID{session.StateInstallCompleted, session.StateInstallPartiallyFailed, session.StateRebootRequired, session.StateUserInputRequired}},
	}

	for i, step := range steps {
		if !step.enabled {
			break
		}
		if i == 1 && !printSelection(out, ctrl.AvailableUpdates()) {
			return nil
		}

		started, err := step.begin(step.timeout)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s...\n", started.DisplayName())

		var result session.StateID
		select {
		case result = <-results:
		case <-ctx.Done():
			if _, err := step.abort(); err != nil {
				log.Warn("abort failed", "error", err)
			}
			return ctx.Err()
		}
		fmt.Fprintf(out, "%s\n", describeResult(ctrl, result))

		if !containsState(step.ok, result) {
			return fmt.Errorf("session ended in %s", result)
		}
	}

	if !opts.Install {
		if !opts.Download {
			printSelection(out, ctrl.AvailableUpdates())
		}
		return nil
	}

	if ctrl.CurrentID() == session.StateRebootRequired {
		if !opts.Reboot {
			fmt.Fprintln(out, "A restart is required to finish the installation. Rerun with --reboot or restart manually.")
			return nil
		}
		state, err := ctrl.Reboot()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, state.DisplayName())
	}
	return nil
}

// printSelection lists the updates and reports whether any is selected.
func printSelection(out io.Writer, records []session.UpdateRecord) bool {
	selected := 0
	for _, r := range records {
		mark := " "
		if r.SelectedForInstallation {
			mark = "x"
			selected++
		}
		fmt.Fprintf(out, "[%s] %s  %s  %s\n", mark, r.Title, humanize.Bytes(uint64(max(r.MaxDownloadSize, 0))), flags(r))
	}
	fmt.Fprintf(out, "%d of %d updates selected\n", selected, len(records))
	return selected > 0
}

func flags(r session.UpdateRecord) string {
	var f []string
	if r.IsImportant {
		f = append(f, "important")
	}
	if r.IsDownloaded {
		f = append(f, "downloaded")
	}
	if r.IsInstalled {
		f = append(f, "installed")
	}
	if !r.EulaAccepted {
		f = append(f, "eula pending")
	}
	return strings.Join(f, ",")
}

func formatProgress(state session.StateID, p session.ProgressDescription) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  %s", state.DisplayName())
	if p.Percent != nil {
		fmt.Fprintf(&b, " %3d%%", *p.Percent)
	}
	if p.Index != nil && p.Count != nil {
		fmt.Fprintf(&b, " (%d/%d)", *p.Index+1, *p.Count)
	}
	if p.CurrentUpdate != nil {
		fmt.Fprintf(&b, " %s", p.CurrentUpdate.Title)
	}
	return b.String()
}

func describeResult(ctrl *session.Controller, result session.StateID) string {
	st := ctrl.Status()
	if st.State == result && st.Description != "" {
		return fmt.Sprintf("%s: %s", result.DisplayName(), st.Description)
	}
	return result.DisplayName()
}

func containsState(ids []session.StateID, id session.StateID) bool {
	for _, s := range ids {
		if s == id {
			return true
		}
	}
	return false
}

// lockedWriter serializes writes from the engine's progress callbacks and
// the session loop. Writes after close are discarded.
type lockedWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return len(p), nil
	}
	return l.w.Write(p)
}

func (l *lockedWriter) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}
