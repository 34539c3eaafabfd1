// Package cli implements the narrator command line.
package cli

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/logging"
	"github.com/spf13/cobra"
)

type commandContext struct {
	configFlag *string
	envFlag    *string
	verbose    *bool

	configOnce sync.Once
	config     config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	c.configOnce.Do(func() {
		if err := config.LoadDotEnv(strings.TrimSpace(*c.envFlag)); err != nil {
			c.configErr = err
			return
		}
		c.config, c.configErr = config.Load(strings.TrimSpace(*c.configFlag))
	})
	return c.config, c.configErr
}

func (c *commandContext) logger(cmd *cobra.Command) *slog.Logger {
	level := c.config.Telemetry.LogLevel
	if *c.verbose {
		level = "debug"
	}
	return logging.New(level, c.config.Telemetry.LogFormat, cmd.ErrOrStderr())
}

// NewRootCommand builds the narrator command tree.
func NewRootCommand() *cobra.Command {
	var (
		configFlag string
		envFlag    string
		verbose    bool
	)
	ctx := &commandContext{configFlag: &configFlag, envFlag: &envFlag, verbose: &verbose}

	root := &cobra.Command{
		Use:           "narrator",
		Short:         "Narrate editor lessons in sync with a sprite renderer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	root.PersistentFlags().StringVar(&envFlag, "env-file", ".env", "Dotenv file with NARRATOR_* overrides")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	root.AddCommand(
		newPlayCommand(ctx),
		newMarkupCommand(ctx),
		newSRTCommand(ctx),
		newSessionsCommand(ctx),
	)
	return root
}
