package daemoncli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/glasswing-wm/glasswing/input"
	"github.com/glasswing-wm/glasswing/inputwire"
	"github.com/glasswing-wm/glasswing/transport"
)

// NewBench measures round-trip latency over a loopback channel pair:
// publish a motion event, consume it, send the finished signal, receive
// the acknowledgment.
func NewBench() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure loopback channel round-trip latency",
		RunE: func(cmd *cobra.Command, args []string) error {
			server, client, err := transport.Pair("bench", zap.NewNop())
			if err != nil {
				return err
			}
			defer server.Close()
			defer client.Close()

			pub := transport.NewPublisher(server)
			cons := transport.NewConsumer(client, transport.WithResampling(false))
			factory := transport.SimpleFactory{}

			motion := benchMotion()
			var total time.Duration
			for i := 1; i <= count; i++ {
				start := time.Now()
				motion.EventTime = start.UnixNano()
				if err := pub.PublishMotionEvent(uint32(i), motion); err != nil {
					return fmt.Errorf("publish: %w", err)
				}
				client.WaitForMessage(time.Second)
				seq, _, err := cons.Consume(factory, true, -1)
				if err != nil {
					return fmt.Errorf("consume: %w", err)
				}
				if err := cons.SendFinishedSignal(seq, true); err != nil {
					return fmt.Errorf("finish: %w", err)
				}
				server.WaitForMessage(time.Second)
				if _, err := pub.ReceiveConsumerResponse(); err != nil {
					return fmt.Errorf("response: %w", err)
				}
				total += time.Since(start)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d round trips, avg %s\n", count, total/time.Duration(count))
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 1000, "number of round trips")
	return cmd
}

func benchMotion() *inputwire.MotionBody {
	motion := &inputwire.MotionBody{
		DeviceID:     1,
		Source:       input.SourceTouchscreen,
		Action:       input.ActionDown,
		PointerCount: 1,
	}
	motion.Pointers[0].Properties = inputwire.PointerProperties{ID: 0, ToolType: input.ToolTypeFinger}
	motion.Pointers[0].Coords.SetX(100)
	motion.Pointers[0].Coords.SetY(200)
	return motion
}
