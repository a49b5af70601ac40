package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newToolsCmd() *cobra.Command {
	var (
		asJSON bool
		gemini bool
	)
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the registered tools and their schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := demoRegistry()

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			switch {
			case gemini:
				return enc.Encode(r.GeminiTools())
			case asJSON:
				return enc.Encode(r.GetAllSchemas())
			}

			for _, s := range r.GetAllSchemas() {
				fmt.Printf("%-20s %s\n", s.Name, s.Description)
				if len(s.Parameters.Required) > 0 {
					fmt.Printf("%-20s required: %v\n", "", s.Parameters.Required)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the function-calling schemas")
	cmd.Flags().BoolVar(&gemini, "gemini", false, "print the schemas as Gemini tool declarations")
	return cmd
}
