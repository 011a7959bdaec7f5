package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtdeploy/pkg/cli"
	"github.com/newtron-network/newtdeploy/pkg/settings"
)

const notSet = "(not set)"

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Manage persistent settings",
		Long: `Settings live in ~/.newtdeploy/settings.json and are the lowest
precedence layer: flags, NEWTDEPLOY_* variables and --config files win.

  newtdeploy settings show
  newtdeploy settings set setups /etc/newtdeploy/setups
  newtdeploy settings set minio_endpoint minio.lab:9000
  newtdeploy settings clear`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print every setting",
			Args:  cobra.NoArgs,
			RunE: settingsAction(false, func(s *settings.Settings, _ []string) error {
				fmt.Printf("%s\n\n", settings.DefaultSettingsPath())
				t := cli.NewTable("SETTING", "VALUE")
				for _, name := range settings.Names() {
					v, _ := s.Get(name)
					t.Row(name, orNotSet(v))
				}
				t.Flush()
				return nil
			}),
		},
		&cobra.Command{
			Use:   "get <setting>",
			Short: "Print one setting",
			Args:  cobra.ExactArgs(1),
			RunE: settingsAction(false, func(s *settings.Settings, args []string) error {
				v, err := s.Get(args[0])
				if err != nil {
					return err
				}
				fmt.Println(orNotSet(v))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "set <setting> <value>",
			Short: "Change one setting",
			Args:  cobra.ExactArgs(2),
			RunE: settingsAction(true, func(s *settings.Settings, args []string) error {
				return s.Set(args[0], args[1])
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Reset every setting",
			Args:  cobra.NoArgs,
			RunE: settingsAction(true, func(s *settings.Settings, _ []string) error {
				s.Clear()
				return nil
			}),
		},
	)
	return cmd
}

// settingsAction loads the settings file, applies fn and saves the result
// when save is set.
func settingsAction(save bool, fn func(*settings.Settings, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := settings.Load()
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}
		if err := fn(s, args); err != nil {
			return err
		}
		if !save {
			return nil
		}
		if err := s.Save(); err != nil {
			return fmt.Errorf("saving settings: %w", err)
		}
		fmt.Println(green("saved"), settings.DefaultSettingsPath())
		return nil
	}
}

func orNotSet(v string) string {
	if v == "" {
		return notSet
	}
	return v
}
