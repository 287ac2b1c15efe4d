package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/ternarybob/revisor/internal/services/workitems"
)

func enqueueCmd() *cobra.Command {
	var (
		manifest   string
		original   string
		priority   string
		batch      string
		attributes map[string]string
	)

	cmd := &cobra.Command{
		Use:   "enqueue [pipeline subject]",
		Short: "Add pending work items from a manifest or the command line",
		Long: `Creates pending work items. Use --file with a YAML or JSON manifest to add many
items at once; items that share a batch are numbered in file order after any items
already in that batch. Without --file, pass the pipeline and subject as arguments
and the original payload with --original.`,
		Example: `  revisor enqueue --file spring-refresh.yaml
  revisor enqueue pressure_correction article-101 --original '{"title":"Corolla"}' --batch spring --priority high`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var requests []workitems.EnqueueRequest
			switch {
			case manifest != "":
				if len(args) > 0 {
					return misconfigured(errors.New("pass either --file or pipeline and subject, not both"))
				}
				loaded, err := workitems.LoadManifest(manifest)
				if err != nil {
					return misconfigured(err)
				}
				requests = loaded
			case len(args) == 2:
				if !json.Valid([]byte(original)) {
					return misconfigured(errors.New("--original must be valid JSON"))
				}
				requests = []workitems.EnqueueRequest{{
					Pipeline:   args[0],
					SubjectRef: args[1],
					Priority:   priority,
					BatchID:    batch,
					Original:   json.RawMessage(original),
					Attributes: attributes,
				}}
			default:
				return misconfigured(errors.New("enqueue needs --file or <pipeline> <subject>"))
			}

			store, release, err := openOperator()
			defer release()
			if err != nil {
				return err
			}

			items, err := store.Enqueue(context.Background(), requests)
			for _, item := range items {
				position := ""
				if item.BatchID != "" {
					position = fmt.Sprintf(" batch %s #%d", item.BatchID, item.BatchPosition)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s%s\n", item.ID, item.Pipeline, item.SubjectRef, position)
			}
			if err != nil {
				return misconfigured(err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifest, "file", "f", "", "YAML or JSON manifest of items")
	cmd.Flags().StringVar(&original, "original", "", "Original payload as JSON")
	cmd.Flags().StringVar(&priority, "priority", "", "Priority: high, medium, low or none")
	cmd.Flags().StringVar(&batch, "batch", "", "Batch id")
	cmd.Flags().StringToStringVar(&attributes, "attr", nil, "Subject attributes such as vehicle=corolla (repeatable)")

	return cmd
}
