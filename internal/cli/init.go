package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relayhub/relayhub/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "relayhub.json"
			}
			force, _ := cmd.Flags().GetBool("force")

			if !force {
				if _, err := os.Stat(output); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", output)
				}
			}

			data, err := json.MarshalIndent(config.Default(), "", "  ")
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			data = append(data, '\n')

			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./relayhub.json)")
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}
