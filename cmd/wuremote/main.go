package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/config"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/logging"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/session"
)

var log = logging.L("main")

var (
	version      = "0.1.0"
	cfgFile      string
	serverURL    string
	engineName   string
	statusAsJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "wuremote",
	Short: "Windows Update remote session service",
	Long: `wuremote drives Windows Update search, download and install sessions
on behalf of a management server, or locally from the command line.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the management server and serve session commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runService()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("wuremote v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and the state of a fresh session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkStatus(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is wuremote.yaml in the config directory)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "management server URL")
	rootCmd.PersistentFlags().StringVar(&engineName, "engine", "", "update engine: wua or simulated")
	statusCmd.Flags().BoolVar(&statusAsJSON, "json", false, "print the session status as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, applies flag overrides and validates.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if engineName != "" {
		cfg.Engine = engineName
	}

	if res := cfg.Validate(); res.HasFatals() {
		return nil, fmt.Errorf("invalid config: %v", res.Fatals[0])
	}
	return cfg, nil
}

// setupLogging installs the configured handler and returns a function that
// closes the log file, if any.
func setupLogging(cfg *config.Config, console io.Writer) (func(), error) {
	if cfg.LogFile == "" {
		logging.Init(cfg.LogFormat, cfg.LogLevel, console)
		return func() {}, nil
	}

	rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	out := io.Writer(rw)
	if console != nil {
		out = io.MultiWriter(console, rw)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	return func() { rw.Close() }, nil
}

func checkStatus(out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logging.Init(cfg.LogFormat, "error", os.Stderr)

	eng, closeEngine, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer closeEngine()

	ctrl := session.New(eng, session.Options{
		AutoAcceptEulas:   cfg.AutoAcceptEulas,
		AutoSelectUpdates: cfg.AutoSelectUpdates,
		SearchCriteria:    cfg.SearchCriteria,
	})
	defer ctrl.Close()

	st := ctrl.Status()
	if statusAsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	agent := cfg.AgentID
	if agent == "" {
		agent = "(not configured)"
	}
	fmt.Fprintf(out, "Agent ID:     %s\n", agent)
	fmt.Fprintf(out, "Server:       %s\n", cfg.ServerURL)
	fmt.Fprintf(out, "Engine:       %s\n", cfg.Engine)
	printEnvironment(out, st.Environment)
	return nil
}

func printEnvironment(out io.Writer, env session.EnvironmentDescription) {
	fmt.Fprintf(out, "Host:         %s (%s %s)\n", env.Hostname, env.Platform, env.PlatformVersion)
	now := time.Now()
	boot := now.Add(-time.Duration(env.UptimeSeconds) * time.Second)
	fmt.Fprintf(out, "Uptime:       %s\n", strings.TrimSpace(humanize.RelTime(boot, now, "", "")))
	fmt.Fprintf(out, "Free disk:    %s\n", humanize.IBytes(env.FreeDiskSpace))
	if env.UpdateServer != "" {
		fmt.Fprintf(out, "WSUS server:  %s (group %q)\n", env.UpdateServer, env.TargetGroup)
	}
	fmt.Fprintf(out, "Reboot:       pending=%t requiredBeforeInstall=%t\n", env.RebootPending, env.RebootRequiredBeforeInstallation)
	fmt.Fprintf(out, "Installer:    busy=%t\n", env.InstallerBusy)
	fmt.Fprintf(out, "Health:       %s\n", env.Health.Status)
	for _, e := range env.Errors {
		fmt.Fprintf(out, "  ! %s\n", e)
	}
}
