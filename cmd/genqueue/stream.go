package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/storyforge/genqueue/internal/batch"
	"github.com/storyforge/genqueue/internal/provider"
	"github.com/storyforge/genqueue/internal/ws"
	"github.com/storyforge/genqueue/internal/wsclient"
)

// batchFile is the YAML form of a streaming batch.
type batchFile struct {
	Style      string          `yaml:"style"`
	Options    map[string]any  `yaml:"options"`
	MaxRetries int             `yaml:"max_retries"`
	References []referenceFile `yaml:"references"`
	Items      []struct {
		ID      string         `yaml:"id"`
		Prompt  string         `yaml:"prompt"`
		Options map[string]any `yaml:"options"`
	} `yaml:"items"`
}

type referenceFile struct {
	Name     string `yaml:"name"`
	MimeType string `yaml:"mime_type"`
	Data     string `yaml:"data"`
	URL      string `yaml:"url"`
}

func loadBatchFile(r io.Reader) (ws.GenerateMessage, error) {
	var f batchFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return ws.GenerateMessage{}, fmt.Errorf("parse batch file: %w", err)
	}
	if len(f.Items) == 0 {
		return ws.GenerateMessage{}, batch.ErrNoItems
	}

	req := batch.Request{
		Style:      f.Style,
		Options:    f.Options,
		MaxRetries: f.MaxRetries,
	}
	for _, ref := range f.References {
		req.References = append(req.References, provider.Reference{
			Name:     ref.Name,
			MimeType: ref.MimeType,
			Data:     ref.Data,
			URL:      ref.URL,
		})
	}
	for _, item := range f.Items {
		req.Items = append(req.Items, batch.Item{ID: item.ID, Prompt: item.Prompt, Options: item.Options})
	}
	return ws.GenerateMessage{Type: "generate", Request: req}, nil
}

func newStreamCmd() *cobra.Command {
	var (
		url     string
		file    string
		key     string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream a batch from a YAML file over websocket and print events",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				fh, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open batch file: %w", err)
				}
				defer fh.Close()
				in = fh
			}
			msg, err := loadBatchFile(in)
			if err != nil {
				return err
			}

			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			client := wsclient.New(url, logger)
			client.SetProviderKey(key)
			return runStream(ctx, client, msg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://localhost:8000/ws/generate", "websocket endpoint")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "batch YAML file, - for stdin")
	cmd.Flags().StringVar(&key, "key", os.Getenv("PROVIDER_API_KEY"), "provider key sent as X-Provider-Key")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log connection details")
	return cmd
}

// runStream prints every event as one JSON line, then a summary line.
func runStream(ctx context.Context, client *wsclient.Client, msg ws.GenerateMessage, out io.Writer) error {
	summary, err := client.Stream(ctx, msg, func(_ string, raw json.RawMessage) error {
		_, err := fmt.Fprintf(out, "%s\n", bytes.TrimSpace(raw))
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "done: %d succeeded, %d failed of %d\n", summary.SuccessCount, summary.ErrorCount, summary.Total)
	if summary.ErrorCount > 0 {
		return fmt.Errorf("%d items failed", summary.ErrorCount)
	}
	return nil
}
