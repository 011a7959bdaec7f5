// Package settings manages persistent user settings for newtdeploy.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Settings holds persistent user preferences
type Settings struct {
	// SetupDir holds <setup>.yaml files
	SetupDir string `json:"setup_dir,omitempty"`

	// HTTPBase is prefixed to NFS image paths to form installer URLs
	HTTPBase string `json:"http_base,omitempty"`

	// ResultsDir is the local results root; ignored when MinIO is set
	ResultsDir string `json:"results_dir,omitempty"`

	// LogFile, when set, receives a rotated copy of the log
	LogFile string `json:"log_file,omitempty"`

	MinIOEndpoint string `json:"minio_endpoint,omitempty"`
	MinIOBucket   string `json:"minio_bucket,omitempty"`
}

// Defaults used when a setting is empty.
const (
	DefaultSetupDir   = "/etc/newtdeploy/setups"
	DefaultResultsDir = "/var/lib/newtdeploy/results"
)

// DefaultSettingsPath returns the default path for the settings file
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "newtdeploy_settings.json"
	}
	return filepath.Join(home, ".newtdeploy", "settings.json")
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from a specific path. A missing file yields
// empty settings.
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return s, nil
}

// Save writes settings to the default location
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path
func (s *Settings) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetSetupDir returns the setup directory (with fallback)
func (s *Settings) GetSetupDir() string {
	if s.SetupDir != "" {
		return s.SetupDir
	}
	return DefaultSetupDir
}

// GetResultsDir returns the results directory (with fallback)
func (s *Settings) GetResultsDir() string {
	if s.ResultsDir != "" {
		return s.ResultsDir
	}
	return DefaultResultsDir
}

// fields maps setting names to their storage. Aliases share a pointer.
func (s *Settings) fields() map[string]*string {
	return map[string]*string{
		"setup_dir":      &s.SetupDir,
		"setups":         &s.SetupDir,
		"http_base":      &s.HTTPBase,
		"results_dir":    &s.ResultsDir,
		"results":        &s.ResultsDir,
		"log_file":       &s.LogFile,
		"minio_endpoint": &s.MinIOEndpoint,
		"minio_bucket":   &s.MinIOBucket,
	}
}

// Names lists the canonical setting names, sorted.
func Names() []string {
	names := []string{"setup_dir", "http_base", "results_dir", "log_file", "minio_endpoint", "minio_bucket"}
	sort.Strings(names)
	return names
}

// Set assigns a setting by name.
func (s *Settings) Set(name, value string) error {
	p, ok := s.fields()[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("unknown setting: %s (valid: %s)", name, strings.Join(Names(), ", "))
	}
	*p = value
	return nil
}

// Get returns a setting by name.
func (s *Settings) Get(name string) (string, error) {
	p, ok := s.fields()[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("unknown setting: %s (valid: %s)", name, strings.Join(Names(), ", "))
	}
	return *p, nil
}

// Clear resets all settings to defaults
func (s *Settings) Clear() {
	*s = Settings{}
}
