// Command rtcd runs the Manager process: it resolves a
// home directory, loads the bootstrap configuration, wires the
// transport registry, starts the broker-facing Manager, and blocks
// until a signal or an explicit shutdown request.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to the Manager via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - The Manager scopes its own logger with its own attributes
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"rtcd/internal/factory"
	"rtcd/internal/home"
	"rtcd/internal/logging"
	"rtcd/internal/manager"
	"rtcd/internal/port"
	"rtcd/internal/port/transport/corbacdr"
	"rtcd/internal/port/transport/dataservice"
	"rtcd/internal/port/transport/shm"
	"rtcd/internal/props"
	"rtcd/internal/rtcomp"
	"rtcd/internal/rtcomp/echo"
)

// Process exit codes.
const (
	exitNormal       = 0
	exitInitFailure  = 1
	exitConfigParse  = 2
	exitBrokerFailed = 3
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	if os.Getenv("MANAGER_DEBUG") == "1" {
		filterHandler.SetLevel("manager", slog.LevelDebug)
	}
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "rtcd",
		Short: "RT component middleware manager",
	}
	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")
	rootCmd.PersistentFlags().String("config", os.Getenv("MANAGER_CONFIG"), "path to the bootstrap configuration file (overrides --home's default)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the Manager and block until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			homeFlag, _ := cmd.Flags().GetString("home")
			configFlag, _ := cmd.Flags().GetString("config")
			bootstrap, _ := cmd.Flags().GetBool("bootstrap")
			rate, _ := cmd.Flags().GetFloat64("rate")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			code := run(ctx, logger, homeFlag, configFlag, bootstrap, rate)
			if code != exitNormal {
				os.Exit(code)
			}
			return nil
		},
	}
	runCmd.Flags().Bool("bootstrap", false, "create one demo Echo component for smoke-testing the runtime")
	runCmd.Flags().Float64("rate", 0, "override exec_cxt.periodic.rate (Hz); 0 keeps the configured/default rate")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitInitFailure)
	}
}

func run(ctx context.Context, logger *slog.Logger, homeFlag, configFlag string, bootstrap bool, rateOverride float64) int {
	hd, err := resolveHome(homeFlag)
	if err != nil {
		logger.Error("resolve home directory", "error", err)
		return exitInitFailure
	}
	if configFlag == "" {
		if err := hd.EnsureExists(); err != nil {
			logger.Error("ensure home directory", "error", err)
			return exitInitFailure
		}
	}

	transports := port.NewTransports()
	corbacdr.Register(transports)
	shm.Register(transports)
	dataservice.Register(transports)

	configPath := configFlag
	if configPath == "" {
		configPath = hd.ConfigPath()
	}
	var configText string
	if b, err := os.ReadFile(configPath); err == nil {
		configText = string(b)
	} else if configFlag != "" {
		// An explicitly named config file must exist; the home default
		// is optional.
		logger.Error("read config file", "path", configFlag, "error", err)
		return exitConfigParse
	}
	if rateOverride > 0 {
		configText += "\nexec_cxt.periodic.rate = " + strconv.FormatFloat(rateOverride, 'f', -1, 64) + "\n"
	}

	tree, err := props.Load(configText)
	if err != nil {
		logger.Error("parse config file", "path", configPath, "error", err)
		return exitConfigParse
	}
	logger, logClose, err := configureLogger(logger, tree)
	if err != nil {
		logger.Error("configure logger", "error", err)
		return exitInitFailure
	}
	if logClose != nil {
		defer logClose.Close()
	}

	cfg := manager.Config{Logger: logger, Home: hd, Transports: transports, ConfigText: configText}
	mgr, err := manager.New(cfg)
	if err != nil {
		logger.Error("manager init failed", "error", err)
		return exitInitFailure
	}

	if err := mgr.RegisterFactory(manager.ComponentFactory{
		Profile: factory.Profile{TypeName: "Echo", Category: "demo"},
		New:     func() (rtcomp.Object, error) { return echo.New(mgr.Logger()), nil },
	}); err != nil {
		logger.Error("register Echo factory failed", "error", err)
		return exitInitFailure
	}

	if err := preloadModules(mgr); err != nil {
		logger.Error("preload modules failed", "error", err)
		return exitBrokerFailed
	}

	if err := mgr.Activate(ctx, func(m *manager.Manager) error {
		if !bootstrap {
			return nil
		}
		_, err := m.CreateComponent(ctx, "Echo")
		return err
	}); err != nil {
		logger.Error("activate failed", "error", err)
		return exitBrokerFailed
	}

	if err := mgr.Run(false); err != nil {
		logger.Error("run failed", "error", err)
		return exitBrokerFailed
	}
	logger.Info("rtcd running", "home", hd.Root())

	<-ctx.Done()
	logger.Info("shutdown requested")
	mgr.Shutdown(context.Background())
	<-mgr.Done()
	logger.Info("rtcd stopped")
	return exitNormal
}

// preloadModules loads every module named in manager.modules.preload
// before Activate runs the user init procedure, so their
// factories are available to CreateComponent calls made there.
func preloadModules(mgr *manager.Manager) error {
	preload := mgr.Config().Get("manager.modules.preload")
	if preload == "" {
		return nil
	}
	for _, name := range strings.Split(preload, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if err := mgr.ModuleLoader().Load(name, mgr); err != nil {
			return fmt.Errorf("load module %q: %w", name, err)
		}
	}
	return nil
}

// configureLogger applies the logger.* config keys: logger.enable
// set to NO discards all output, and logger.file_name redirects output
// to a file, with %p expanded to the pid and %h to the hostname. The
// returned closer is non-nil when a log file was opened.
func configureLogger(base *slog.Logger, tree *props.Node) (*slog.Logger, io.Closer, error) {
	if strings.EqualFold(tree.Get("logger.enable"), "NO") {
		return logging.Discard(), nil, nil
	}
	fileName := tree.Get("logger.file_name")
	if fileName == "" {
		return base, nil, nil
	}

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	fileName = strings.ReplaceAll(fileName, "%p", strconv.Itoa(os.Getpid()))
	fileName = strings.ReplaceAll(fileName, "%h", host)

	f, err := os.OpenFile(fileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return base, nil, fmt.Errorf("open log file %s: %w", fileName, err)
	}
	handler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(logging.NewComponentFilterHandler(handler, slog.LevelInfo)), f, nil
}

func resolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}
