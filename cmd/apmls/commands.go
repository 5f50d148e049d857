package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opd-ai/apmls/config"
	"github.com/opd-ai/apmls/group"
	"github.com/opd-ai/apmls/model"
)

const timeLayout = "2006-01-02 15:04"

func (a *app) initCommand() *cobra.Command {
	var (
		actor, token, outbox, messages string
		driver, path, passphrase       string
		noPublish                      bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file and publish a key package",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			flags := cmd.Flags()
			if flags.Changed("actor") {
				cfg.Actor.ID = actor
			}
			if flags.Changed("token") {
				cfg.Actor.Token = token
			}
			if flags.Changed("outbox") {
				cfg.Actor.Outbox = outbox
			}
			if flags.Changed("messages") {
				cfg.Actor.Messages = messages
			}
			if flags.Changed("store-driver") {
				cfg.Store.Driver = driver
			}
			if flags.Changed("store-path") {
				cfg.Store.Path = path
			}
			if flags.Changed("passphrase") {
				cfg.Store.Passphrase = passphrase
			}
			switch cfg.Store.Driver {
			case config.DriverMemory, config.DriverBolt, config.DriverSQLite:
			default:
				return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			file := a.configFile
			if file == "" {
				file = defaultConfigFile
			}
			if err := cfg.Write(file); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "wrote %s\n", file)

			c, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			if noPublish {
				_, err := c.EnsureKeyPackage(cmd.Context())
				return err
			}
			location, err := c.PublishKeyPackage(cmd.Context())
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "published key package %s\n", location)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&actor, "actor", "", "your actor id")
	f.StringVar(&token, "token", "", "bearer token for your server")
	f.StringVar(&outbox, "outbox", "", "outbox URL (discovered when empty)")
	f.StringVar(&messages, "messages", "", "mls:messages collection URL (discovered when empty)")
	f.StringVar(&driver, "store-driver", config.DriverBolt, "store driver: memory, bolt or sqlite")
	f.StringVar(&path, "store-path", "apmls.db", "store file")
	f.StringVar(&passphrase, "passphrase", "", "seal the bolt store with this passphrase")
	f.BoolVar(&noPublish, "no-publish", false, "generate the key package without publishing it")
	return cmd
}

func (a *app) publishCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Publish your key package so others can add you",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			location, err := c.PublishKeyPackage(cmd.Context())
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "%s\n", location)
			return nil
		},
	}
}

func (a *app) groupsCommand() *cobra.Command {
	var sync bool

	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			if sync {
				if err := c.Poll(cmd.Context()); err != nil {
					return err
				}
			}
			groups, err := c.Groups(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tMEMBERS\tUPDATED\tLAST")
			for _, g := range groups {
				name := g.Name
				if g.Unread() {
					name += " *"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", g.ID, name, len(g.Members), g.UpdateDate.Local().Format(timeLayout), g.LastMessage)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&sync, "sync", true, "poll for new messages first")
	return cmd
}

func (a *app) createCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a group containing only you",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			g, err := c.CreateGroup(cmd.Context())
			if err != nil {
				return err
			}
			if name != "" {
				if err := c.RenameGroup(cmd.Context(), g.ID, name); err != nil {
					return err
				}
			}
			printf(cmd.OutOrStdout(), "%s\n", g.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "group name")
	return cmd
}

func (a *app) addCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add <group-id> <actor>...",
		Short: "Add actors to a group",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			err = c.AddMembers(cmd.Context(), args[0], args[1:])
			if errors.Is(err, group.ErrDelivery) {
				printf(cmd.ErrOrStderr(), "members added locally but delivery failed; they will not see the group until it is retried\n")
			}
			return err
		},
	}
}

func (a *app) sendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send <group-id> <text>...",
		Short: "Send a message to a group",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			msg, err := c.SendMessage(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if errors.Is(err, group.ErrDelivery) && msg != nil {
				printf(cmd.ErrOrStderr(), "message %s saved locally but delivery failed\n", msg.ID)
			}
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "%s\n", msg.ID)
			return nil
		},
	}
}

func (a *app) messagesCommand() *cobra.Command {
	var sync bool

	cmd := &cobra.Command{
		Use:   "messages <group-id>",
		Short: "Show the messages of a group and mark it read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			if sync {
				if err := c.Poll(cmd.Context()); err != nil {
					return err
				}
			}
			msgs, err := c.Messages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(cmd, m)
			}
			return c.MarkRead(cmd.Context(), args[0])
		},
	}
	cmd.Flags().BoolVar(&sync, "sync", true, "poll for new messages first")
	return cmd
}

func printMessage(cmd *cobra.Command, m *model.Message) {
	printf(cmd.OutOrStdout(), "[%s] %s: %s\n", m.CreateDate.Local().Format(timeLayout), m.Sender, m.Plaintext)
}

func (a *app) renameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <group-id> <name>",
		Short: "Rename a group locally",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.RenameGroup(cmd.Context(), args[0], args[1])
		},
	}
}

func (a *app) deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <group-id>",
		Short: "Forget a group and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.DeleteGroup(cmd.Context(), args[0])
		},
	}
}

func (a *app) configCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.cfg.Render()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
