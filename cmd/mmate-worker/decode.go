package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/glimte/mmate-worker/contracts"
	"github.com/glimte/mmate-worker/interceptors"
	"github.com/glimte/mmate-worker/schema"
	"github.com/glimte/mmate-worker/serialization"
)

// decodeResult is printed once per message, as a JSON line
type decodeResult struct {
	ID         string             `json:"id"`
	Source     string             `json:"source"`
	Value      any                `json:"value"`
	Error      string             `json:"error,omitempty"`
	Violations []schema.Violation `json:"violations,omitempty"`
}

func newDecodeCommand(opts *globalOptions) *cobra.Command {
	var (
		parser     string
		schemaPath string
	)

	cmd := &cobra.Command{
		Use:   "decode [files...]",
		Short: "Decode message bodies the way a worker would receive them",
		Long: `Reads each file as one message body ("-" or no file reads stdin) and decodes
them as one delivery with the chosen body parser. Several files form a batch.
With --schema, decoded JSON payloads are validated as well. Prints one JSON
line per message and fails when any message does not decode or validate.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			selector, err := selectorFor(parser)
			if err != nil {
				return err
			}

			var validator interceptors.PayloadValidator
			if schemaPath != "" {
				s, err := schema.Load(schemaPath)
				if err != nil {
					return err
				}
				v, err := schema.NewValidator(s, schema.WithSkipUndecoded(true), schema.WithLogger(opts.logger()))
				if err != nil {
					return err
				}
				validator = v
			}

			if len(args) == 0 {
				args = []string{"-"}
			}

			delivery, err := readDelivery(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			payload := serialization.NewBodyParser(opts.logger()).ParseDelivery(selector, delivery)

			results := make([]decodeResult, delivery.Len())
			failed := 0
			for i, msg := range delivery.Messages() {
				results[i] = decodeResult{ID: msg.GetID(), Source: args[i], Value: payload.Values()[i]}
				if err := payload.Err(i); err != nil {
					results[i].Error = err.Error()
					failed++
				}
			}

			if validator != nil {
				n, err := validate(cmd.Context(), validator, delivery, payload, results)
				if err != nil {
					return err
				}
				failed += n
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			for _, r := range results {
				if err := encoder.Encode(r); err != nil {
					return err
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d message(s) failed", failed, delivery.Len())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&parser, "parser", "p", "json", "Body parser: json or text")
	cmd.Flags().StringVarP(&schemaPath, "schema", "s", "", "JSON schema file to validate decoded payloads against")

	return cmd
}

func selectorFor(name string) (serialization.Selector, error) {
	switch name {
	case "json":
		return serialization.JSON(), nil
	case "text":
		return serialization.Text(), nil
	default:
		return serialization.Selector{}, fmt.Errorf("unknown body parser %q, want json or text", name)
	}
}

func readDelivery(stdin io.Reader, sources []string) (*contracts.Delivery, error) {
	msgs := make([]contracts.Message, len(sources))
	for i, source := range sources {
		var (
			body []byte
			err  error
		)
		if source == "-" {
			body, err = io.ReadAll(stdin)
		} else {
			body, err = os.ReadFile(source)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", source, err)
		}

		msgs[i] = contracts.NewBaseMessage(uuid.NewString(), body)
	}

	if len(msgs) == 1 {
		return contracts.NewDelivery(msgs[0]), nil
	}
	return contracts.NewBatchDelivery(msgs...), nil
}

// validate runs validator and records its violations on results. Errors
// other than a *schema.ValidationError are returned as is.
func validate(ctx context.Context, validator interceptors.PayloadValidator, delivery *contracts.Delivery, payload contracts.Payload, results []decodeResult) (int, error) {
	err := validator.Validate(ctx, delivery, payload)
	if err == nil {
		return 0, nil
	}

	var verr *schema.ValidationError
	if !errors.As(err, &verr) {
		return 0, fmt.Errorf("validation failed: %w", err)
	}
	return addViolations(results, verr.Violations), nil
}

// addViolations attaches violations to their messages and returns how many
// messages gained their first failure
func addViolations(results []decodeResult, violations []schema.Violation) int {
	added := 0
	for _, v := range violations {
		for i := range results {
			if results[i].ID != v.MessageID {
				continue
			}
			if results[i].Error == "" && len(results[i].Violations) == 0 {
				added++
			}
			results[i].Violations = append(results[i].Violations, v)
		}
	}
	return added
}
