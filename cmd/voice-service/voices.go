package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/book-expert/voice-service/internal/synthesis"
	"github.com/spf13/cobra"
)

func newVoicesCommand(open func() (*app, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voices",
		Short: "Maintain the voice library without a running server",
		Long: `Maintain the voice library directly on disk.

These commands use the same library and cache directories as the server, so
deleting a voice here also evicts its cached embedding.`,
	}

	cmd.AddCommand(
		newVoicesListCommand(open),
		newVoicesShowCommand(open),
		newVoicesCreateCommand(open),
		newVoicesDeleteCommand(open),
	)

	return cmd
}

// withApp opens the application for the duration of fn.
func withApp(open func() (*app, error), fn func(*app) error) error {
	application, err := open()
	if err != nil {
		return err
	}

	runErr := fn(application)

	closeErr := application.Close()
	if closeErr != nil {
		fmt.Fprintf(os.Stderr, "error closing service: %v\n", closeErr)
	}

	return runErr
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")

	err := encoder.Encode(value)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	return nil
}

func newVoicesListCommand(open func() (*app, error)) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List voices, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(open, func(application *app) error {
				records, err := application.orchestrator.ListVoices()
				if err != nil {
					return err
				}

				if asJSON {
					return printJSON(cmd.OutOrStdout(), records)
				}

				writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(writer, "VOICE ID\tNAME\tCREATED\tTEXT")

				for _, record := range records {
					fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", record.VoiceID, record.Name,
						record.CreatedAt.Local().Format(time.DateTime), truncate(record.ReferenceText, 40))
				}

				return writer.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	return cmd
}

func newVoicesShowCommand(open func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "show <voice_id>",
		Short: "Print a voice record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(open, func(application *app) error {
				record, err := application.orchestrator.GetVoice(args[0])
				if err != nil {
					return err
				}

				return printJSON(cmd.OutOrStdout(), record)
			})
		},
	}
}

func newVoicesCreateCommand(open func() (*app, error)) *cobra.Command {
	var name, audioPath, referenceText string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a voice from a reference recording",
		Long: `Register a voice from a reference recording.

Without --text the recording is transcribed, which requires transcriber.enabled.

Examples:
  voice-service voices create --name Narrator --audio narrator.wav --text "Once upon a time."`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(open, func(application *app) error {
				record, err := application.orchestrator.CreateVoice(cmd.Context(), synthesis.CreateVoiceRequest{
					Name:          name,
					AudioPath:     audioPath,
					ReferenceText: referenceText,
				})
				if err != nil {
					return err
				}

				return printJSON(cmd.OutOrStdout(), record)
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name of the voice")
	cmd.Flags().StringVar(&audioPath, "audio", "", "reference recording (wav, mp3, flac, ogg, m4a)")
	cmd.Flags().StringVar(&referenceText, "text", "", "transcript of the recording")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("audio")

	return cmd
}

func newVoicesDeleteCommand(open func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <voice_id>",
		Short: "Delete a voice and its cached embedding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(open, func(application *app) error {
				err := application.orchestrator.DeleteVoice(args[0])
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Voice '%s' deleted\n", args[0])

				return nil
			})
		},
	}
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}

	return string(runes[:limit-1]) + "…"
}
