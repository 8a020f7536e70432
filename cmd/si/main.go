// Command si manages the local model registry.
//
// Settings are read from <user config dir>/si/config.yaml (see "si config").
// Environment variables override the file:
//   - SI_MODELS_DIR: storage root for models
//   - HF_TOKEN: bearer token for the model hub
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	models "github.com/seeai/si-models"
)

const appName = "si"

// CLI exit codes for standardized error reporting.
const (
	// ExitSuccess indicates the operation completed successfully.
	ExitSuccess = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError = 1

	// ExitInvalidArgs indicates an invalid model id or file path.
	ExitInvalidArgs = 2

	// ExitModelNotFound indicates the model was not found on the hub.
	ExitModelNotFound = 3

	// ExitNotInstalled indicates the model is not registered locally.
	ExitNotInstalled = 4

	// ExitNetworkError indicates a network or connection failure.
	ExitNetworkError = 5

	// ExitIncomplete indicates missing or mismatching model files.
	ExitIncomplete = 6

	// ExitStorageError indicates the storage root or index is unusable.
	ExitStorageError = 7

	// ExitLocked indicates the index lock could not be acquired.
	ExitLocked = 8

	// ExitAlreadyExists indicates the model is already registered.
	ExitAlreadyExists = 9
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	stop()
	os.Exit(exitCodeFromError(err))
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	root := &cobra.Command{
		Use:          appName,
		Short:        "Manage models for the si image generator",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultSettingsPath(), "Path to the settings file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides settings)")

	root.AddCommand(models.NewCommandFunc(func(cmd *cobra.Command) (models.Config, []models.ManagerOption, error) {
		s, err := loadSettings(configPath)
		if err != nil {
			return models.Config{}, nil, err
		}
		return managerConfig(s, logLevel)
	}))
	root.AddCommand(newConfigCmd(&configPath))

	return root
}

// managerConfig turns settings into a models.Config and options.
// HF_TOKEN overrides hub_token; SI_MODELS_DIR is applied by models.Open.
func managerConfig(s Settings, logLevel string) (models.Config, []models.ManagerOption, error) {
	if logLevel == "" {
		logLevel = s.LogLevel
	}
	log, err := newLogger(os.Stderr, logLevel)
	if err != nil {
		return models.Config{}, nil, fmt.Errorf("log level: %w", err)
	}

	timeout, err := s.lockTimeout()
	if err != nil {
		return models.Config{}, nil, fmt.Errorf("lock_timeout: %w", err)
	}
	policy, err := models.ParseHashPolicy(s.HashPolicy)
	if err != nil {
		return models.Config{}, nil, err
	}

	token := s.HubToken
	if env := os.Getenv("HF_TOKEN"); env != "" {
		token = env
	}

	cfg := models.Config{
		AppName:     appName,
		DataDir:     s.ModelsDir,
		HubURL:      s.HubURL,
		HubToken:    token,
		Concurrency: s.Concurrency,
	}
	opts := []models.ManagerOption{
		models.WithLogger(zerologAdapter{log: log}),
		models.WithLockTimeout(timeout),
		models.WithHashPolicy(policy),
	}
	return cfg, opts, nil
}

// exitCodeFromError maps error kinds to exit codes.
func exitCodeFromError(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if errors.Is(err, context.Canceled) {
		return ExitGeneralError
	}

	switch models.KindOf(err) {
	case models.KindInvalidModelID, models.KindInvalidPath, models.KindInvalidSize, models.KindDuplicateFile:
		return ExitInvalidArgs
	case models.KindModelNotFound:
		return ExitModelNotFound
	case models.KindNotFound:
		return ExitNotInstalled
	case models.KindNetworkError, models.KindHubError:
		return ExitNetworkError
	case models.KindIncompleteDownload:
		return ExitIncomplete
	case models.KindStorageUnavailable, models.KindCorruptIndex:
		return ExitStorageError
	case models.KindIndexLocked:
		return ExitLocked
	case models.KindModelAlreadyExists:
		return ExitAlreadyExists
	default:
		return ExitGeneralError
	}
}
