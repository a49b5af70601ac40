package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"duet/internal/intent"

	"github.com/spf13/cobra"
)

func newClassifyCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "classify <utterance>...",
		Short: "Classify utterances and print intent, mode and entities",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			classifier, err := newClassifier(cfg.Classifier.PatternsFile, cfg.Classifier.PatternsGlob)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			for _, text := range args {
				res := classifier.ClassifyWithTimeout(text, cfg.Classifier.Timeout)
				if asJSON {
					if err := enc.Encode(res); err != nil {
						return err
					}
					continue
				}
				fmt.Printf("%-40q %-16s %-5s %.2f%s\n", text, res.Intent, res.Mode, res.Confidence, formatEntities(res.Entities))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON result per line")
	return cmd
}

// newClassifier loads the configured pattern table, or the built-in one.
func newClassifier(file, glob string) (*intent.Classifier, error) {
	switch {
	case glob != "":
		t, err := intent.LoadTableGlob(glob)
		if err != nil {
			return nil, fmt.Errorf("failed to load patterns: %w", err)
		}
		return intent.New(t), nil
	case file != "":
		t, err := intent.LoadTable(file)
		if err != nil {
			return nil, fmt.Errorf("failed to load patterns: %w", err)
		}
		return intent.New(t), nil
	}
	return intent.New(nil), nil
}

func formatEntities(entities map[string]string) string {
	if len(entities) == 0 {
		return ""
	}
	parts := make([]string, 0, len(entities))
	for k, v := range entities {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return "  " + strings.Join(parts, " ")
}
