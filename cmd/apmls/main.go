// Command apmls is a terminal client for encrypted group conversations over
// ActivityPub.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/apmls"
	"github.com/opd-ai/apmls/config"
)

const defaultConfigFile = "apmls.yaml"

// app holds state shared by every subcommand of one invocation.
type app struct {
	configFile string
	logLevel   string
	cfg        *config.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "apmls",
		Short: "End-to-end encrypted group chat over ActivityPub",
		Long: `apmls keeps encrypted group conversations with other ActivityPub actors.

Messages are sealed locally, posted to your outbox and read back from your
mls:messages collection. Group state lives in a local store.`,
		Example: `  # Create a configuration and publish a key package
  apmls init --actor https://example.com/users/alice --token $TOKEN

  # Start a group and invite someone
  apmls create --name friends
  apmls add <group-id> https://example.com/users/bob

  # Talk
  apmls send <group-id> hello
  apmls messages <group-id>`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "configuration file (default "+defaultConfigFile+" if present)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "logging level (trace, debug, info, warn, error)")

	cmd.AddCommand(
		a.initCommand(),
		a.publishCommand(),
		a.groupsCommand(),
		a.createCommand(),
		a.addCommand(),
		a.sendCommand(),
		a.messagesCommand(),
		a.renameCommand(),
		a.deleteCommand(),
		a.listenCommand(),
		a.configCommand(),
	)
	return cmd
}

// configPath returns the file to read, or "" when none exists yet.
func (a *app) configPath() string {
	if a.configFile != "" {
		return a.configFile
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}

func (a *app) loadConfig(cmd *cobra.Command) error {
	path := a.configPath()
	if cmd.Name() == "init" {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(cmd.ErrOrStderr())

	a.cfg = cfg
	return nil
}

// client opens the configured client. The caller closes it.
func (a *app) client(cmd *cobra.Command) (*apmls.Client, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	return apmls.New(cmd.Context(), apmls.OptionsFromConfig(a.cfg))
}

func printf(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format, args...)
}
