package main

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mpg-foss/autofoss/controller/daemon"
	"github.com/mpg-foss/autofoss/controller/prompts"
)

type CLI struct {
	Name string
	V    *viper.Viper
	// Prompt overrides the console prompt, nil picks one for stdin
	Prompt prompts.Prompt
	// Options are handed to the daemon
	Options daemon.Options
	// ExitCode is the process exit status after a successful command
	ExitCode int
}

func NewCLI(name string) *CLI {
	return &CLI{
		Name: name,
		V:    viper.New(),
	}
}

func (cli *CLI) init() {
	cli.V.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cli.V.SetEnvPrefix("AUTOFOSS")
	cli.V.AutomaticEnv()
}

func (cli *CLI) bindFlags(flags *pflag.FlagSet) {
	cli.V.BindPFlags(flags)
}

func (cli *CLI) prompt(headless bool) prompts.Prompt {
	if cli.Prompt != nil {
		return cli.Prompt
	}
	return prompts.New(headless)
}

func RootCmd(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:           cli.Name,
		Short:         "Record drain experiments on the MPG-FOSS rig",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cli.bindFlags(cmd.Flags())
			level, err := logrus.ParseLevel(cli.V.GetString("log-level"))
			if err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}
			logrus.SetLevel(level)
			return nil
		},
	}

	cmd.PersistentFlags().String("config", "", "Path to the YAML configuration file")
	cmd.PersistentFlags().String("db", "", "Path to the run database (overrides the configuration)")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(RunCmd(cli))
	cmd.AddCommand(RunsCmd(cli))
	cmd.AddCommand(PasswdCmd(cli))

	cobra.OnInitialize(func() {
		cli.init()
	})
	return cmd
}
