package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicecheck/internal/audio"
)

var devicesCmd = &cobra.Command{
	Use:     "devices",
	Aliases: []string{"sources"},
	Short:   "List available capture devices",
	Long:    `List the capture devices ffmpeg reports for the configured input format.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		check, _ := cmd.Flags().GetBool("check")

		backend, err := audio.NewBackend(cfg.Capture)
		if err != nil {
			return err
		}

		fmt.Printf("🎙  Capture Devices (%s, %s/%s)\n", backend.GetType(), runtime.GOOS, cfg.Capture.InputFormat)
		fmt.Printf("═══════════════════════════════════════\n\n")

		sources, err := backend.ListSources()
		if err != nil {
			return fmt.Errorf("failed to list capture devices: %w", err)
		}

		fmt.Printf("📋 DEVICES (%d found):\n", len(sources))
		for i, s := range sources {
			marker := " "
			if s.Default {
				marker = "*"
			}
			fmt.Printf(" %s%d. %s", marker, i+1, s.Name)
			if s.Description != "" {
				fmt.Printf("  %s", styles.Help.Render(s.Description))
			}
			fmt.Println()
		}

		if check {
			fmt.Println()
			if err := backend.ValidateSource(cfg.Capture.Device); err != nil {
				fmt.Printf("%s configured device %q: %v\n", styles.Miss.Render("✗"), cfg.Capture.Device, err)
				return err
			}
			fmt.Printf("%s configured device %q is available\n", styles.Match.Render("✓"), cfg.Capture.Device)
		}

		fmt.Printf("\n💡 Usage:\n")
		fmt.Printf("  • Set capture.device in the config file to one of the names above\n")
		fmt.Printf("  • Set capture.input_format to change the ffmpeg input (pulse, alsa, avfoundation, dshow)\n\n")
		return nil
	},
}

func init() {
	devicesCmd.Flags().Bool("check", false, "verify that the configured device is available")
}
