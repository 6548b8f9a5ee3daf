package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/glimte/mmate-worker/contracts"
	"github.com/glimte/mmate-worker/messaging"
	"github.com/glimte/mmate-worker/transports/jetstream"
	"github.com/glimte/mmate-worker/transports/redisstream"
	"github.com/glimte/mmate-worker/transports/sqs"
)

func newLeaseCommand(opts *globalOptions) *cobra.Command {
	leaseCmd := &cobra.Command{
		Use:   "lease",
		Short: "Show the lease renewal a worker would schedule for a queue",
		Long: `Reads the visibility timeout V of a queue the way a processor does and prints
the renewal interval, max(V - margin, min-interval). Fails when V is not larger
than the margin, since processors would then run without renewal.`,
	}

	leaseCmd.AddCommand(newLeaseSQSCommand(opts), newLeaseJetStreamCommand(opts), newLeaseRedisCommand(opts))
	return leaseCmd
}

func newLeaseSQSCommand(opts *globalOptions) *cobra.Command {
	var (
		queueURL string
		region   string
	)

	cmd := &cobra.Command{
		Use:   "sqs <queue-name>",
		Short: "Plan renewal for an SQS queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := contracts.QueueRef{Address: queueURL}
			if len(args) == 1 {
				queue.Name = args[0]
			}
			if queue.Name == "" && queue.Address == "" {
				return errors.New("a queue name or --queue-url is required")
			}
			if queue.Name == "" {
				queue.Name = queue.Address
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			var loadOpts []func(*config.LoadOptions) error
			if region != "" {
				loadOpts = append(loadOpts, config.WithRegion(region))
			}
			awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
			if err != nil {
				return fmt.Errorf("failed to load AWS config: %w", err)
			}

			transport, err := sqs.New(&awsCfg, sqs.WithLogger(opts.logger()))
			if err != nil {
				return err
			}

			return printPlan(ctx, cmd.OutOrStdout(), opts, transport, queue)
		},
	}

	cmd.Flags().StringVar(&queueURL, "queue-url", "", "Queue URL, skips the name lookup")
	cmd.Flags().StringVar(&region, "region", "", "AWS region, defaults to the environment")

	return cmd
}

func newLeaseJetStreamCommand(opts *globalOptions) *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "jetstream <stream> <consumer>",
		Short: "Plan renewal for a JetStream durable consumer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			nc, err := nats.Connect(url, nats.Timeout(opts.timeout))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
			}
			defer nc.Close()

			js, err := nc.JetStream()
			if err != nil {
				return fmt.Errorf("failed to get JetStream context: %w", err)
			}

			transport, err := jetstream.NewTransport(js, jetstream.WithLogger(opts.logger()))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			queue := contracts.QueueRef{Name: args[0], Address: args[0], Group: args[1]}
			return printPlan(ctx, cmd.OutOrStdout(), opts, transport, queue)
		},
	}

	cmd.Flags().StringVarP(&url, "url", "u", nats.DefaultURL, "NATS server URL")

	return cmd
}

func newLeaseRedisCommand(opts *globalOptions) *cobra.Command {
	var (
		addr      string
		claimIdle time.Duration
	)

	cmd := &cobra.Command{
		Use:   "redis <stream> <group>",
		Short: "Plan renewal for a Redis stream consumer group",
		Long: `Redis streams have no visibility timeout. Workers treat the claim-idle
threshold after which other consumers may reclaim an entry as V. The command
checks that the group exists before planning.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, group := args[0], args[1]

			client := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: opts.timeout})
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			groups, err := client.XInfoGroups(ctx, stream).Result()
			if err != nil {
				return fmt.Errorf("failed to read groups of stream %s: %w", stream, err)
			}

			var found *redis.XInfoGroup
			for i := range groups {
				if groups[i].Name == group {
					found = &groups[i]
				}
			}
			if found == nil {
				return fmt.Errorf("stream %s has no consumer group %s", stream, group)
			}

			transport, err := redisstream.NewTransport(client, "mmate-worker-cli",
				redisstream.WithClaimIdle(claimIdle),
				redisstream.WithLogger(opts.logger()),
			)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Pending entries:   %d\n", found.Pending)

			queue := contracts.QueueRef{Name: stream, Address: stream, Group: group}
			return printPlan(ctx, cmd.OutOrStdout(), opts, transport, queue)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "localhost:6379", "Redis address")
	cmd.Flags().DurationVar(&claimIdle, "claim-idle", redisstream.DefaultClaimIdle, "Idle time after which entries may be reclaimed")

	return cmd
}

// printPlan runs the extender's own computation so the output matches what
// processors will do
func printPlan(ctx context.Context, w io.Writer, opts *globalOptions, transport messaging.VisibilityTransport, queue contracts.QueueRef) error {
	extender := messaging.NewVisibilityExtender(transport, opts.extenderOptions()...)

	timeout, interval, err := extender.Plan(ctx, queue)
	if err != nil {
		var cfgErr *contracts.RenewalConfigurationError
		if errors.As(err, &cfgErr) && errors.Is(err, contracts.ErrVisibilityTimeoutTooSmall) {
			fmt.Fprintf(w, "Queue:              %s\n", queue.Name)
			fmt.Fprintf(w, "Visibility timeout: %s\n", timeout)
			fmt.Fprintf(w, "Renewal:            disabled, timeout must exceed the %s margin\n", opts.margin)
		}
		return err
	}

	fmt.Fprintf(w, "Queue:              %s\n", queue.Name)
	fmt.Fprintf(w, "Visibility timeout: %s\n", timeout)
	fmt.Fprintf(w, "Renewal interval:   %s\n", interval)
	fmt.Fprintf(w, "Renewal slack:      %s\n", timeout-interval)

	return nil
}
