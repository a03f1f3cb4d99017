package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/needlestack/needlestack/internal/svc"
)

var (
	svcRole           string
	serviceConfigPath string
	serviceName       string
	serviceUser       string
	forceInstall      bool
	logsFollow        bool
	logsLines         int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage needlestack system services",
		Long: `Install, control, and manage a needlestack role as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  # Install a store machine service
  sudo needlestack service install store --config /etc/needlestack/store.yaml

  # Install a directory replica
  sudo needlestack service install directory

  # Control a service
  sudo needlestack service start --role store
  sudo needlestack service stop --role store
  sudo needlestack service status --role store

  # View logs
  sudo needlestack service logs --role store --follow`,
	}

	// Install subcommand
	installCmd := &cobra.Command{
		Use:   "install <role>",
		Short: "Install a needlestack role as a system service",
		Long: `Install a needlestack role as a system service that starts at boot.

Roles: store, directory, cache, gateway.
Requires administrator/root privileges.`,
		Args: cobra.ExactArgs(1),
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVarP(&serviceConfigPath, "config", "c", "", "Path to configuration file")
	installCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name (default: needlestack-<role>)")
	installCmd.Flags().StringVar(&serviceUser, "user", "", "Run service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "Force reinstall if service already exists")
	serviceCmd.AddCommand(installCmd)

	// Uninstall subcommand
	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove a needlestack system service",
		RunE:  runServiceUninstall,
	}
	addRoleFlags(uninstallCmd)
	serviceCmd.AddCommand(uninstallCmd)

	// Start subcommand
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a needlestack service",
		RunE:  runServiceStart,
	}
	addRoleFlags(startCmd)
	serviceCmd.AddCommand(startCmd)

	// Stop subcommand
	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a needlestack service",
		RunE:  runServiceStop,
	}
	addRoleFlags(stopCmd)
	serviceCmd.AddCommand(stopCmd)

	// Restart subcommand
	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart a needlestack service",
		RunE:  runServiceRestart,
	}
	addRoleFlags(restartCmd)
	serviceCmd.AddCommand(restartCmd)

	// Status subcommand
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show needlestack service status",
		RunE:  runServiceStatus,
	}
	addRoleFlags(statusCmd)
	serviceCmd.AddCommand(statusCmd)

	// Logs subcommand
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View needlestack service logs",
		Long: `View logs from a needlestack service.

Log locations by platform:
  - Linux:   journalctl -u needlestack-<role>
  - macOS:   /var/log/needlestack-<role>.{out,err}.log
  - Windows: Event Viewer > Application log`,
		RunE: runServiceLogs,
	}
	addRoleFlags(logsCmd)
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "Number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func addRoleFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&svcRole, "role", svc.RoleStore, "Service role: store, directory, cache, or gateway")
	cmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name (default: needlestack-<role>)")
}

func getServiceConfig(role string) *svc.ServiceConfig {
	name := serviceName
	if name == "" {
		name = svc.DefaultServiceName(role)
	}

	configPath := serviceConfigPath
	if configPath == "" {
		configPath = svc.DefaultConfigPath(role)
	}

	return &svc.ServiceConfig{
		Name:        name,
		DisplayName: svc.DefaultDisplayName(role),
		Description: svc.DefaultDescription(role),
		Role:        role,
		ConfigPath:  configPath,
		UserName:    serviceUser,
	}
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	role := args[0]
	if !svc.ValidRole(role) {
		return fmt.Errorf("invalid role %q: must be store, directory, cache, or gateway", role)
	}

	cfg := getServiceConfig(role)

	// Validate config file exists
	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s\nCreate the config file first or specify a different path with --config", cfg.ConfigPath)
	}

	log.Info().
		Str("name", cfg.Name).
		Str("role", cfg.Role).
		Str("config", cfg.ConfigPath).
		Msg("installing service")

	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	fmt.Printf("Service %q installed successfully.\n", cfg.Name)
	fmt.Printf("\nTo start the service:\n")
	fmt.Printf("  needlestack service start --role %s\n", role)
	fmt.Printf("\nTo view logs:\n")
	fmt.Printf("  needlestack service logs --role %s\n", role)

	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig(svcRole)

	log.Info().Str("name", cfg.Name).Msg("uninstalling service")

	if err := svc.Uninstall(cfg); err != nil {
		return err
	}

	fmt.Printf("Service %q uninstalled successfully.\n", cfg.Name)
	return nil
}

func runServiceStart(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig(svcRole)

	log.Info().Str("name", cfg.Name).Msg("starting service")

	if err := svc.Start(cfg); err != nil {
		return err
	}

	fmt.Printf("Service %q started.\n", cfg.Name)
	return nil
}

func runServiceStop(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig(svcRole)

	log.Info().Str("name", cfg.Name).Msg("stopping service")

	if err := svc.Stop(cfg); err != nil {
		return err
	}

	fmt.Printf("Service %q stopped.\n", cfg.Name)
	return nil
}

func runServiceRestart(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig(svcRole)

	log.Info().Str("name", cfg.Name).Msg("restarting service")

	if err := svc.Restart(cfg); err != nil {
		return err
	}

	fmt.Printf("Service %q restarted.\n", cfg.Name)
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg := getServiceConfig(svcRole)

	status, err := svc.Status(cfg)
	if err != nil {
		// Service might not be installed
		fmt.Printf("Service: %s\n", cfg.Name)
		fmt.Printf("Status:  not installed or unknown\n")
		fmt.Printf("Error:   %v\n", err)
		return nil
	}

	fmt.Printf("Service: %s\n", cfg.Name)
	fmt.Printf("Status:  %s\n", svc.StatusString(status))
	fmt.Printf("Role:    %s\n", cfg.Role)
	fmt.Printf("Config:  %s\n", cfg.ConfigPath)

	return nil
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	cfg := getServiceConfig(svcRole)

	return svc.ViewLogs(svc.LogOptions{
		ServiceName: cfg.Name,
		Follow:      logsFollow,
		Lines:       logsLines,
	})
}

// runAsService is invoked when the process is started by a service manager
// with the hidden --service-run flag.
func runAsService() {
	setupServiceLogging()

	role := serviceRoleFromArgs(os.Args)
	if !svc.ValidRole(role) {
		log.Error().Str("role", role).Msg("invalid service role")
		os.Exit(1)
	}
	run, err := runnerForRole(role)
	if err != nil {
		log.Error().Err(err).Msg("resolve service role")
		os.Exit(1)
	}

	prg := &svc.Program{
		Role:       role,
		ConfigPath: configPathFromArgs(os.Args),
		Run:        run,
	}
	cfg := getServiceConfig(role)

	if err := svc.Run(prg, cfg); err != nil {
		log.Error().Err(err).Msg("service run failed")
		os.Exit(1)
	}
}

// serviceRoleFromArgs extracts the --service-role value without cobra,
// since service mode bypasses normal command parsing.
func serviceRoleFromArgs(args []string) string {
	for i, arg := range args {
		if arg == "--service-role" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func configPathFromArgs(args []string) string {
	for i, arg := range args {
		if (arg == "--config" || arg == "-c") && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
