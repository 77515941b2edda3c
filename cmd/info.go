package cmd

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicecheck/internal/config"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show resolved configuration with inheritance",
	Long:  `Display the resolved configuration with inheritance indicators. Shows which values are inherited from default, set by the profile, or overridden by the environment or a flag.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := flatten(cfg)
		if err != nil {
			return err
		}

		fmt.Printf("=== RESOLVED CONFIGURATION ===\n")
		fmt.Printf("file: %s\n", cfgFile)
		if profile != "" {
			fmt.Printf("profile: %s\n", profile)
		}

		section := ""
		for _, key := range config.Keys() {
			head, name, _ := strings.Cut(key, ".")
			if head != section {
				section = head
				fmt.Printf("\n[%s]\n", section)
			}
			fmt.Printf("%s: %v %s\n", name, values[key], getInheritanceIndicator(cfg.Inheritance[key]))
		}

		fmt.Printf("\n=== FLOW RULES ===\n")
		for _, flow := range []config.Flow{config.FlowEnroll, config.FlowCompare} {
			fmt.Printf("%s: min %s, max %s\n", flow, cfg.Flows.MinDuration(flow), cfg.Capture.MaxDuration())
		}
		return nil
	},
}

// flatten maps dotted keys to values through the yaml representation.
func flatten(c *config.Config) (map[string]interface{}, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("error marshaling config: %w", err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(out, &tree); err != nil {
		return nil, err
	}

	flat := make(map[string]interface{})
	var walk func(prefix string, m map[string]interface{})
	walk = func(prefix string, m map[string]interface{}) {
		for k, v := range m {
			if sub, ok := v.(map[string]interface{}); ok {
				walk(prefix+k+".", sub)
				continue
			}
			flat[prefix+k] = v
		}
	}
	walk("", tree)
	return flat, nil
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	case "environment":
		return "[environment]"
	case "flag":
		return "[flag]"
	default:
		return "[unknown]"
	}
}
