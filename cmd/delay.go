package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/jamsync/internal/mix"
)

var delayCmd = &cobra.Command{
	Use:   "delay [input]",
	Short: "Prepend silence to a local audio file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		secs, _ := cmd.Flags().GetFloat64("seconds")
		if secs <= 0 {
			return fmt.Errorf("--seconds must be positive")
		}

		inputs, err := readInputs(args)
		if err != nil {
			return err
		}

		out, err := newMixer().Process(context.Background(), mix.Request{
			Operation: mix.OpDelay,
			Inputs:    inputs,
			Delay:     seconds(secs),
		})
		if err != nil {
			return fmt.Errorf("delay failed: %w", err)
		}

		if err := os.WriteFile(output, out, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", output, err)
		}
		fmt.Printf("Wrote %s delayed by %.2fs\n", output, secs)
		return nil
	},
}

func init() {
	delayCmd.Flags().StringP("output", "o", "extend.mp3", "output file")
	delayCmd.Flags().Float64P("seconds", "s", 1, "silence to prepend in seconds")
}
