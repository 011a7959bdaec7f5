// newtdeploy installs SONiC images onto lab switches and DPUs.
//
// It drives each device from whatever state it is in (running SONiC, in
// ONIE, or dead) to a verified install of the requested image, with one
// reboot-and-retry on installer failure.
//
// Usage:
//
//	newtdeploy deploy --setup_name S --device D --base_version P [--target_version P]
//	newtdeploy probe --setup_name S [--device D]
//	newtdeploy resolve <family> <branch>
//	newtdeploy dhcp-relay add|del|show ...
//	newtdeploy serve <file>...
//	newtdeploy settings show|set|get|clear
//
// Global settings resolve as: flag > NEWTDEPLOY_* env > --config file >
// ~/.newtdeploy/settings.json > built-in default.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/newtron-network/newtdeploy/pkg/audit"
	"github.com/newtron-network/newtdeploy/pkg/settings"
	"github.com/newtron-network/newtdeploy/pkg/util"
)

var (
	cfgFile string
	verbose bool

	// conf holds flag, env, config file and settings values merged.
	conf = viper.New()
)

// Configuration keys. Flag names match the keys.
const (
	keySetupDir      = "setup_dir"
	keyHTTPBase      = "http_base"
	keyResultsDir    = "results_dir"
	keyLogFile       = "log_file"
	keyLogLevel      = "log_level"
	keyLogJSON       = "log_json"
	keyMinIOEndpoint = "minio_endpoint"
	keyMinIOBucket   = "minio_bucket"
	keyMinIOAccess   = "minio_access_key"
	keyMinIOSecret   = "minio_secret_key"
	keyMinIOSecure   = "minio_secure"
	keyAuditLog      = "audit_log"
)

func main() {
	err := rootCmd.Execute()
	util.CloseLogFile()
	if err != nil {
		fmt.Fprintln(os.Stderr, red("Error:"), err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "newtdeploy",
	Short:             "SONiC image deployment for lab setups",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `newtdeploy installs SONiC images onto the devices of a lab setup.

It probes each device, recovers it when unreachable, installs via ONIE,
sonic-installer, bfb-install or PXE, and verifies the result.

  newtdeploy deploy --setup_name <setup> --base_version <image>`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if isSettingsOrHelp(cmd) {
			return nil
		}
		return initConfig(cmd)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	pf.String(keySetupDir, "", "directory holding <setup>.yaml files")
	pf.String(keyHTTPBase, "", "lab HTTP server prefixed to NFS image paths")
	pf.String(keyResultsDir, "", "local results directory")
	pf.String(keyLogFile, "", "also write logs to this rotated file")
	pf.String(keyLogLevel, "info", "log level (debug, info, warn, error)")
	pf.Bool(keyLogJSON, false, "log in JSON")
	pf.String(keyMinIOEndpoint, "", "store results in this MinIO endpoint instead of results_dir")
	pf.String(keyMinIOBucket, "newtdeploy", "MinIO bucket")
	pf.String(keyMinIOAccess, "", "MinIO access key")
	pf.String(keyMinIOSecret, "", "MinIO secret key")
	pf.Bool(keyMinIOSecure, false, "use TLS for MinIO")
	pf.String(keyAuditLog, "", "deployment history file (default ~/.newtdeploy/audit.log)")
	conf.BindPFlags(pf)

	rootCmd.AddCommand(
		newDeployCmd(),
		newProbeCmd(),
		newSSHCheckCmd(),
		newResolveCmd(),
		newDHCPRelayCmd(),
		newServeCmd(),
		newResultsCmd(),
		newHistoryCmd(),
		newSettingsCmd(),
		newVersionCmd(),
	)
}

// initConfig layers settings.json under env and config file values and
// configures logging.
func initConfig(cmd *cobra.Command) error {
	s, err := settings.Load()
	if err != nil {
		util.Warnf("Could not load settings: %v", err)
		s = &settings.Settings{}
	}
	applySettings(conf, s)
	bindEnv(conf)

	if cfgFile != "" {
		conf.SetConfigFile(cfgFile)
		if err := conf.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", cfgFile, err)
		}
	}

	level := conf.GetString(keyLogLevel)
	if verbose {
		level = "debug"
	}
	if err := util.SetLogLevel(level); err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	if conf.GetBool(keyLogJSON) {
		util.SetJSONFormat()
	}
	if f := conf.GetString(keyLogFile); f != "" {
		util.SetLogFile(f, 50, 5, 30)
	}

	auditLogger, err := audit.NewFileLogger(auditPath(), audit.RotationConfig{MaxSizeMB: 10, MaxBackups: 10})
	if err != nil {
		util.Warnf("Could not initialize audit logging: %v", err)
	} else {
		audit.SetDefaultLogger(auditLogger)
	}
	return nil
}

func auditPath() string {
	if p := conf.GetString(keyAuditLog); p != "" {
		return p
	}
	return filepath.Join(filepath.Dir(settings.DefaultSettingsPath()), "audit.log")
}

// applySettings registers persistent settings as viper defaults, the
// lowest precedence layer above built-in defaults.
func applySettings(v *viper.Viper, s *settings.Settings) {
	v.SetDefault(keySetupDir, s.GetSetupDir())
	v.SetDefault(keyResultsDir, s.GetResultsDir())
	if s.HTTPBase != "" {
		v.SetDefault(keyHTTPBase, s.HTTPBase)
	}
	if s.LogFile != "" {
		v.SetDefault(keyLogFile, s.LogFile)
	}
	if s.MinIOEndpoint != "" {
		v.SetDefault(keyMinIOEndpoint, s.MinIOEndpoint)
	}
	if s.MinIOBucket != "" {
		v.SetDefault(keyMinIOBucket, s.MinIOBucket)
	}
}

// bindEnv maps NEWTDEPLOY_<KEY> variables onto keys.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("NEWTDEPLOY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
}

func isSettingsOrHelp(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "settings", "help", "version":
			return true
		}
	}
	return false
}
