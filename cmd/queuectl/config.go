package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/VsevolodSauta/queuectl"
	"github.com/spf13/cobra"
)

func configCmd(settings *queuectl.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write queue configuration",
	}

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, ok := settings.Get(args[0])
			if !ok {
				return fmt.Errorf("unknown configuration key: %s", args[0])
			}
			fmt.Println(value)
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("value must be an integer: %w", err)
			}
			if err := settings.Set(args[0], value); err != nil {
				return err
			}
			fmt.Printf("%s = %d\n", args[0], value)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print all configuration values",
		RunE: func(cmd *cobra.Command, args []string) error {
			values := settings.All()
			keys := make([]string, 0, len(values))
			for key := range values {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Printf("%s = %d\n", key, values[key])
			}
			return nil
		},
	}

	cmd.AddCommand(getCmd)
	cmd.AddCommand(setCmd)
	cmd.AddCommand(listCmd)
	return cmd
}
