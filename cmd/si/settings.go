package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	models "github.com/seeai/si-models"
)

const settingsFileName = "config.yaml"

// Settings is the persisted CLI configuration.
type Settings struct {
	ModelsDir   string `yaml:"models_dir"`
	HubURL      string `yaml:"hub_url"`
	HubToken    string `yaml:"hub_token"`
	LockTimeout string `yaml:"lock_timeout"`
	HashPolicy  string `yaml:"hash_policy"`
	Concurrency int    `yaml:"concurrency"`
	LogLevel    string `yaml:"log_level"`
}

// DefaultSettings returns the settings used when no file exists.
// An empty ModelsDir selects the platform default.
func DefaultSettings() Settings {
	return Settings{
		HubURL:      models.DefaultHubURL,
		LockTimeout: models.DefaultLockTimeout.String(),
		HashPolicy:  string(models.HashOff),
		Concurrency: models.DefaultConcurrency,
		LogLevel:    "info",
	}
}

// defaultSettingsPath returns <user config dir>/si/config.yaml.
func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return settingsFileName
	}
	return filepath.Join(dir, appName, settingsFileName)
}

// loadSettings reads path over the defaults. A missing file is not an error.
func loadSettings(path string) (Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("reading settings: %w", err)
	}

	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parsing settings %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return s, fmt.Errorf("settings %s: %w", path, err)
	}
	return s, nil
}

// save writes the settings with write-then-rename.
func (s Settings) save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating settings dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+settingsFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	// The file may hold a hub token.
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func (s Settings) validate() error {
	for _, k := range settingKeys {
		if err := k.check(s); err != nil {
			return fmt.Errorf("%s: %w", k.name, err)
		}
	}
	return nil
}

// settingKey describes one key accepted by "config get/set".
type settingKey struct {
	name  string
	get   func(Settings) string
	set   func(*Settings, string) error
	check func(Settings) error
}

var settingKeys = []settingKey{
	{
		name:  "models_dir",
		get:   func(s Settings) string { return s.ModelsDir },
		set:   func(s *Settings, v string) error { s.ModelsDir = v; return nil },
		check: func(Settings) error { return nil },
	},
	{
		name: "hub_url",
		get:  func(s Settings) string { return s.HubURL },
		set:  func(s *Settings, v string) error { s.HubURL = v; return nil },
		check: func(s Settings) error {
			if s.HubURL != "" && !strings.HasPrefix(s.HubURL, "http://") && !strings.HasPrefix(s.HubURL, "https://") {
				return fmt.Errorf("must be an http or https URL")
			}
			return nil
		},
	},
	{
		name:  "hub_token",
		get:   func(s Settings) string { return s.HubToken },
		set:   func(s *Settings, v string) error { s.HubToken = v; return nil },
		check: func(Settings) error { return nil },
	},
	{
		name: "lock_timeout",
		get:  func(s Settings) string { return s.LockTimeout },
		set:  func(s *Settings, v string) error { s.LockTimeout = v; return nil },
		check: func(s Settings) error {
			_, err := s.lockTimeout()
			return err
		},
	},
	{
		name: "hash_policy",
		get:  func(s Settings) string { return s.HashPolicy },
		set:  func(s *Settings, v string) error { s.HashPolicy = v; return nil },
		check: func(s Settings) error {
			_, err := models.ParseHashPolicy(s.HashPolicy)
			return err
		},
	},
	{
		name: "concurrency",
		get:  func(s Settings) string { return strconv.Itoa(s.Concurrency) },
		set: func(s *Settings, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("not an integer: %q", v)
			}
			s.Concurrency = n
			return nil
		},
		check: func(s Settings) error {
			if s.Concurrency < 1 || s.Concurrency > models.MaxConcurrency {
				return fmt.Errorf("must be between 1 and %d", models.MaxConcurrency)
			}
			return nil
		},
	},
	{
		name: "log_level",
		get:  func(s Settings) string { return s.LogLevel },
		set:  func(s *Settings, v string) error { s.LogLevel = v; return nil },
		check: func(s Settings) error {
			if s.LogLevel == "" {
				return nil
			}
			_, err := zerolog.ParseLevel(strings.ToLower(s.LogLevel))
			return err
		},
	},
}

func lookupKey(name string) (settingKey, error) {
	for _, k := range settingKeys {
		if k.name == name {
			return k, nil
		}
	}
	names := make([]string, 0, len(settingKeys))
	for _, k := range settingKeys {
		names = append(names, k.name)
	}
	sort.Strings(names)
	return settingKey{}, fmt.Errorf("unknown config key %q (valid keys: %s)", name, strings.Join(names, ", "))
}

func (s Settings) lockTimeout() (time.Duration, error) {
	if s.LockTimeout == "" {
		return models.DefaultLockTimeout, nil
	}
	d, err := time.ParseDuration(s.LockTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s.LockTimeout)
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return d, nil
}

// redacted returns a copy safe to print.
func (s Settings) redacted() Settings {
	if s.HubToken != "" {
		s.HubToken = "********"
	}
	return s
}

// newConfigCmd builds "config show|get|set|reset" over the settings file
// named by *path.
func newConfigCmd(path *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
		Long:  "Show and edit the settings file used by the si command.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(*path)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(s.redacted())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", *path, data)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := lookupKey(args[0])
			if err != nil {
				return err
			}
			s, err := loadSettings(*path)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), k.get(s))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := lookupKey(args[0])
			if err != nil {
				return err
			}
			s, err := loadSettings(*path)
			if err != nil {
				return err
			}
			if err := k.set(&s, args[1]); err != nil {
				return fmt.Errorf("%s: %w", k.name, err)
			}
			if err := k.check(s); err != nil {
				return fmt.Errorf("%s: %w", k.name, err)
			}
			if err := s.save(*path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", k.name, k.get(s.redacted()))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Reset configuration to defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.Remove(*path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("removing settings: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration reset to defaults")
			return nil
		},
	})

	return cmd
}
