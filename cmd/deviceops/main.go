package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/fleetward/deviceops/internal/agent"
	"github.com/fleetward/deviceops/internal/executor"
	"github.com/fleetward/deviceops/internal/log"
	"github.com/fleetward/deviceops/internal/model"
	"github.com/fleetward/deviceops/internal/security"
	"github.com/fleetward/deviceops/internal/transport"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

const systemConfigPath = "/etc/deviceops/deviceops.yaml"

var (
	configPath string // actual config file used
	config     *model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+systemConfigPath+" or deviceops.yaml in current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// load the config, setup logging
	rootCmd.PersistentPreRunE = initAgent

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("deviceops failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "deviceops",
	Short:        "Device agent executing remotely issued jobs",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run connects to the broker and executes jobs until stopped",
	RunE:  doRun,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "validate loads the configuration and prints the effective values",
	RunE:  doValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of a deviceops",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("deviceops: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:    %s\n", configPath)
		}
		fmt.Printf("deviceops: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("deviceops",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	client, err := transport.Dial(ctx, config.Connection, slog.Default())
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer client.Close()

	sub, err := client.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to job topics: %w", err)
	}

	var policy *security.Policy
	if config.Security.Enabled {
		policy = security.NewPolicy(config.Security)
	}

	runner := executor.NewSystemRunner(slog.Default())
	exec := executor.New(config.Execution, policy, runner, slog.Default())

	handler := agent.NewHandler(client, sub, exec, slog.Default())
	if expr := config.Service.PollSchedule; expr != "" {
		handler.WithPollSchedule(expr)
	}

	slog.InfoContext(ctx, "agent starting",
		"thing", config.Connection.ThingName, "broker", config.Connection.Broker)
	return handler.Run(ctx)
}

func doValidate(*cobra.Command, []string) error {
	// the password may come expanded from the environment, never echo it
	c := *config
	if c.Connection.Password != "" {
		c.Connection.Password = "********"
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("rendering configuration: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("rendering configuration: %w", err)
	}

	fmt.Printf("# %s\n", configPath)
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("rendering configuration: %w", err)
	}
	return enc.Close()
}

func initAgent(cmd *cobra.Command, _ []string) error {
	// version must work on an unprovisioned device
	if cmd == versionCmd {
		return nil
	}

	if envConfig, ok := os.LookupEnv("DEVICEOPS_CONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, path := range []string{systemConfigPath, "deviceops.yaml"} {
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// a device agent cannot invent its broker or identity
	if configPath == "" {
		return fmt.Errorf("no configuration found: pass --config or create %s", systemConfigPath)
	}

	f, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	config, err = model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error("invalid configuration", d.Attr("detail"))
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// identity provisioned through the environment wins
	if thing, ok := os.LookupEnv("AWS_IOT_THING_NAME"); ok && thing != "" {
		config.Connection.ThingName = thing
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	slog.SetDefault(log.New(config.Service.Verbose, config.Service.Log))

	slog.Debug("deviceops run", "configPath", configPath)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
