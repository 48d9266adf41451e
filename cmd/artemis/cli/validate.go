package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/redmage123/artemis-sub002/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a pipeline definition file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pipeline, err := config.ParseFile(args[0])
		if err != nil {
			return fmt.Errorf("%s %v", errorStyle.Sprint(xmark), err)
		}
		fmt.Printf("%s pipeline %s is valid (%d stages)\n",
			successStyle.Sprint(checkmark), pipeline.Name, len(pipeline.Stages))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
