package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/nexbus"
)

var demoEvents int

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Emit sample events between two bridged instances and print metrics",
	RunE:  runDemo,
}

func init() {
	demoCmd.Flags().IntVarP(&demoEvents, "events", "n", 5, "number of events to emit")
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, err := nexbus.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := nexbus.NewSlogServiceLogger(newLogger(os.Stderr, *cfg))
	ctx := cmd.Context()

	factory := nexbus.NewFactory(nexbus.FactoryOptions{Namespace: "demo", Logger: log})
	defer func() { _ = factory.Destroy(context.Background()) }()

	conf := cfg.Bus
	conf.CrossInstanceCommunication = true
	conf.Isolated = false

	conf.InstanceID = "producer"
	producer, err := factory.CreateInstance(ctx, conf)
	if err != nil {
		return err
	}
	conf.InstanceID = "consumer"
	consumer, err := factory.CreateInstance(ctx, conf)
	if err != nil {
		return err
	}

	received := make(chan nexbus.Event, demoEvents)
	sub, err := consumer.Subscribe("demo.order.*", nexbus.HandlerFunc(func(_ context.Context, evt nexbus.Event) error {
		received <- evt
		return nil
	}))
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for i := range demoEvents {
		_, err := producer.Emit(ctx, "demo.order.created", map[string]any{"order": i + 1},
			nexbus.WithSource("demo"),
			nexbus.WithDeduplication(fmt.Sprintf("order-%d", i+1), time.Minute),
		)
		if err != nil {
			return err
		}
	}

	timeout := time.After(2 * time.Second)
	for got := 0; got < demoEvents; got++ {
		select {
		case evt := <-received:
			fmt.Fprintf(cmd.OutOrStdout(), "consumer received %s from %s\n", evt, evt.Metadata.InstanceID)
		case <-timeout:
			return fmt.Errorf("received %d of %d events", got, demoEvents)
		}
	}

	metrics, err := factory.Metrics()
	if err != nil {
		return err
	}
	out, err := nexbus.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
