package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/codefionn/resident/internal/config"
	"github.com/codefionn/resident/internal/consts"
	"github.com/codefionn/resident/internal/core/scratch"
	"github.com/codefionn/resident/internal/daemon"
	"github.com/codefionn/resident/internal/logger"
	"github.com/codefionn/resident/internal/pprof"
	"github.com/codefionn/resident/internal/protocol"
	"github.com/codefionn/resident/internal/registry"
	"github.com/codefionn/resident/internal/relay"
	"github.com/codefionn/resident/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	serverMode  bool
	attachMode  bool
	listMode    bool
	killMode    bool
	killAll     bool
	killIdle    time.Duration
	sessionName string
	workDir     string
	idleTimeout time.Duration
	configPath  string
	logLevel    string
	openFiles   []string
	pprofAddr   string
)

var rootCmd = &cobra.Command{
	Use:   "resident [PATH]",
	Short: "Detachable editing sessions that outlive the terminal",
	Long: `resident keeps an editor session with embedded terminals running in a
background server. Closing the terminal detaches; running resident again in the
same directory (or with the same --session-name) reattaches.

Examples:
  # Attach to the session of the current directory, starting it if needed
  resident

  # Named session
  resident --session-name notes

  # Run a server in the foreground
  resident --server ~/src/project

  # List and stop sessions
  resident --list-sessions
  resident --kill notes
  resident --kill --idle 24h
  resident --kill --all`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()
	flags.BoolVar(&serverMode, "server", false, "Run the session server in the foreground")
	flags.BoolVar(&attachMode, "attach", false, "Attach to the session, starting it if needed (default)")
	flags.BoolVar(&listMode, "list-sessions", false, "List running sessions")
	flags.BoolVar(&killMode, "kill", false, "Stop the named session, or the sessions selected by --all or --idle")
	flags.BoolVar(&killAll, "all", false, "With --kill: stop every session")
	flags.DurationVar(&killIdle, "idle", 0, "With --kill: stop sessions without clients for at least this long")
	flags.StringVar(&sessionName, "session-name", "", "Use a named session instead of the directory's")
	flags.StringVar(&workDir, "workdir", "", "Working directory of the session (default: PATH or the current directory)")
	flags.DurationVar(&idleTimeout, "idle-timeout", 0, "End the server after this long without clients (0 keeps it running)")
	flags.StringVar(&configPath, "config", config.GetConfigPath(), "Configuration file (TOML)")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error, none")
	flags.StringVar(&pprofAddr, "pprof", "", "With --server: serve profiles on this address or unix socket path")
	flags.StringSliceVar(&openFiles, "open", nil, "Files to open when the session starts without a checkpoint")
	rootCmd.MarkFlagsMutuallyExclusive("server", "attach", "list-sessions", "kill")
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) (err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	switch {
	case listMode:
		return listSessions(cfg)
	case killMode:
		return killSessions(cmd.Context(), cfg, args, cmd.Flags().Changed("idle"))
	}

	if (killAll || cmd.Flags().Changed("idle")) && !killMode {
		return errors.New("--all and --idle only apply to --kill")
	}

	t, err := resolveTarget(args, false)
	if err != nil {
		return err
	}

	if serverMode {
		timeout := cfg.Session.IdleTimeout.D()
		if cmd.Flags().Changed("idle-timeout") {
			timeout = idleTimeout
		}
		return runServer(cfg, t, timeout)
	}
	return runAttach(cfg, t)
}

// target is the session a command applies to.
type target struct {
	key     string
	name    string
	workDir string
	files   []string
}

// resolveTarget picks the session from --session-name, the positional PATH
// or the current directory. A PATH naming a file opens that file in the
// session of its directory. For --kill, a PATH that does not exist is
// taken as a session name.
func resolveTarget(args []string, nameFallback bool) (target, error) {
	t := target{workDir: workDir, files: openFiles}

	if len(args) == 1 {
		path := args[0]
		info, err := os.Stat(path)
		switch {
		case err == nil && info.IsDir():
			if t.workDir == "" {
				t.workDir = path
			}
		case err == nil:
			t.files = append(t.files, path)
			if t.workDir == "" {
				t.workDir = filepath.Dir(path)
			}
		case nameFallback && sessionName == "":
			key, err := registry.KeyForName(path)
			return target{key: key, name: path}, err
		default:
			return target{}, fmt.Errorf("cannot open %s: %w", path, err)
		}
	}

	if t.workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return target{}, fmt.Errorf("failed to get working directory: %w", err)
		}
		t.workDir = wd
	}
	abs, err := filepath.Abs(t.workDir)
	if err != nil {
		return target{}, fmt.Errorf("failed to resolve %s: %w", t.workDir, err)
	}
	t.workDir = abs

	if sessionName != "" {
		t.name = sessionName
		t.key, err = registry.KeyForName(sessionName)
	} else {
		t.key, err = registry.KeyForPath(t.workDir)
	}
	return t, err
}

// runServer runs the session in this process until it ends. A session
// that already has a server is attached to instead, when there is a
// terminal to attach.
func runServer(cfg *config.Config, t target, timeout time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if pprofAddr != "" {
		cfg.Debug.PprofAddr = pprofAddr
	}
	profiles := pprof.Config{Addr: cfg.Debug.PprofAddr, CPUProfile: cfg.Debug.CPUProfile, HeapProfile: cfg.Debug.HeapProfile}
	if profiles.Enabled() {
		h := pprof.NewHandler(profiles)
		if err := h.Start(); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), consts.Timeout5Seconds)
			defer cancel()
			if err := h.Stop(stopCtx); err != nil {
				logger.Warn("failed to stop profiling: %v", err)
			}
		}()
	}

	srv := server.New(server.Options{
		Config:      cfg,
		Key:         t.key,
		Name:        t.name,
		WorkDir:     t.workDir,
		Version:     version,
		IdleTimeout: timeout,
		Core:        scratch.Factory,
		Files:       t.files,
	})
	err := srv.Run(ctx)
	if errors.Is(err, registry.ErrAlive) && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintf(os.Stderr, "session %s is already running, attaching\n", t.key)
		stop()
		return runAttach(cfg, t)
	}
	return err
}

// runAttach connects the terminal to the session, spawning its server
// when none is running.
func runAttach(cfg *config.Config, t target) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT)
	defer stop()

	reg := registry.New(cfg.Paths.RuntimeDir)
	restarted := false
	for attempt := 0; ; attempt++ {
		entry, err := ensureServer(ctx, cfg, reg, t)
		if err != nil {
			return err
		}

		result, err := relay.Attach(ctx, relay.Options{
			Endpoint:    entry.Endpoint(),
			Version:     version,
			In:          os.Stdin,
			Out:         os.Stdout,
			DialTimeout: consts.Timeout5Seconds,
		})
		if err == nil {
			fmt.Fprintf(os.Stderr, "[%s] %s\n", entry.Key, result.Reason)
			return nil
		}

		var mismatch *protocol.MismatchError
		if !errors.As(err, &mismatch) {
			return err
		}
		switch mismatch.Action {
		case protocol.ActionRestartServer:
			if restarted {
				return err
			}
			restarted = true
			fmt.Fprintf(os.Stderr, "restarting session server %s (%s -> %s)\n", entry.Key, mismatch.ServerVersion, version)
			if err := stopServer(ctx, entry, "restarting for a newer client"); err != nil {
				return err
			}
		case protocol.ActionReconnect:
			if attempt >= 3 {
				return err
			}
			if err := waitExit(ctx, entry.PID); err != nil {
				return err
			}
		default:
			return fmt.Errorf("this client is too old for the running session: %w", err)
		}
	}
}

// ensureServer returns the live entry of t, spawning a server if needed.
func ensureServer(ctx context.Context, cfg *config.Config, reg *registry.Registry, t target) (registry.Entry, error) {
	entry, err := reg.Resolve(t.key)
	if err == nil {
		return entry, nil
	}
	if errors.Is(err, registry.ErrUnresponsive) {
		return registry.Entry{}, fmt.Errorf("%w; stop it with: resident --kill %s", err, t.key)
	}

	entry, err = daemon.Spawn(ctx, daemon.SpawnOptions{
		RuntimeDir:  cfg.Paths.RuntimeDir,
		Key:         t.key,
		Name:        t.name,
		WorkDir:     t.workDir,
		IdleTimeout: cfg.Session.AttachIdleTimeout.D(),
		ConfigPath:  configPath,
		Files:       t.files,
	})
	if err != nil {
		return registry.Entry{}, fmt.Errorf("failed to start session %s: %w", t.key, err)
	}
	return entry, nil
}

// stopServer asks the server to quit over its control socket and falls
// back to SIGTERM when it cannot be reached or does not speak our
// protocol.
func stopServer(ctx context.Context, entry registry.Entry, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, consts.Timeout30Seconds)
	defer cancel()

	err := relay.Kill(ctx, entry.Endpoint(), version, reason)
	var mismatch *protocol.MismatchError
	var remote *protocol.RemoteError
	switch {
	case errors.As(err, &mismatch), errors.As(err, &remote) && remote.Op == "connect":
		logger.Info("stopping %s (pid %d) with SIGTERM: %v", entry.Key, entry.PID, err)
		return daemon.Terminate(ctx, entry)
	case err != nil:
		return err
	}
	return daemon.WaitExit(ctx, entry.PID)
}

func waitExit(ctx context.Context, pid int) error {
	ctx, cancel := context.WithTimeout(ctx, consts.Timeout30Seconds)
	defer cancel()
	return daemon.WaitExit(ctx, pid)
}

func listSessions(cfg *config.Config) error {
	entries, err := registry.New(cfg.Paths.RuntimeDir).Enumerate()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tPID\tCLIENTS\tCREATED\tLAST DISCONNECT\tWORKDIR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\n",
			e.Key, e.PID, e.Clients, formatTime(e.CreatedAt), formatTime(e.LastDisconnect), e.WorkDir)
	}
	return w.Flush()
}

// killSessions stops the target session, every session (--all) or the
// sessions idle for at least --idle. idleSet reports whether --idle was given.
func killSessions(ctx context.Context, cfg *config.Config, args []string, idleSet bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if idleSet && killIdle <= 0 {
		return fmt.Errorf("--idle must be positive, got %s", killIdle)
	}
	reg := registry.New(cfg.Paths.RuntimeDir)

	var victims []registry.Entry
	switch {
	case killAll || idleSet:
		if len(args) > 0 || sessionName != "" {
			return errors.New("--kill takes either a session or --all/--idle")
		}
		entries, err := reg.Enumerate()
		if err != nil {
			return err
		}
		now := time.Now()
		for _, e := range entries {
			if killAll || e.IdleFor(now) >= killIdle {
				victims = append(victims, e)
			}
		}
	default:
		t, err := resolveTarget(args, true)
		if err != nil {
			return err
		}
		entry, err := reg.Resolve(t.key)
		if err != nil && !errors.Is(err, registry.ErrUnresponsive) {
			return err
		}
		victims = append(victims, entry)
	}

	var failed []string
	for _, e := range victims {
		if err := stopServer(ctx, e, "killed"); err != nil {
			logger.Warn("failed to stop %s: %v", e.Key, err)
			failed = append(failed, e.Key)
			continue
		}
		fmt.Printf("stopped %s\n", e.Key)
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to stop: %s", strings.Join(failed, ", "))
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
