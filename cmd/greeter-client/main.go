// Command greeter-client dials an example wsbridge server and drives
// the greeter.Greeter service: a unary SayHello call and a
// time-bounded InfiniteTicker subscription.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/metadata"

	"github.com/nggorpc/wsbridge"
	pb "github.com/nggorpc/wsbridge/generated"
)

func main() {
	var (
		url       string
		name      string
		authToken string
		tickFor   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "greeter-client",
		Short: "Drive the example greeter.Greeter service over wsbridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			client, err := wsbridge.Dial(ctx, url, wsbridge.ClientOption{
				AuthToken: authToken,
			})
			if err != nil {
				return errors.Wrap(err, "dial failed")
			}
			defer client.Close()

			if err := sayHello(ctx, client, name); err != nil {
				return err
			}
			return runTicker(ctx, client, tickFor)
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080", "wsbridge server URL")
	cmd.Flags().StringVar(&name, "name", "World", "name to greet")
	cmd.Flags().StringVar(&authToken, "auth-token", "", "bearer token sent on every new stream")
	cmd.Flags().DurationVar(&tickFor, "tick-for", 2*time.Second, "how long to subscribe to InfiniteTicker before cancelling")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func sayHello(ctx context.Context, client *wsbridge.Client, name string) error {
	call, err := client.Call(ctx, "/greeter.Greeter/SayHello", &pb.HelloRequest{Name: name}, metadata.MD{})
	if err != nil {
		return errors.Wrap(err, "SayHello call failed")
	}
	defer call.Cancel()

	var resp pb.HelloResponse
	if err := call.Recv(ctx, &resp); err != nil {
		return errors.Wrap(err, "SayHello recv failed")
	}
	fmt.Println(resp.GetMessage())
	return nil
}

func runTicker(ctx context.Context, client *wsbridge.Client, d time.Duration) error {
	call, err := client.Call(ctx, "/greeter.Greeter/InfiniteTicker", &pb.Empty{}, metadata.MD{})
	if err != nil {
		return errors.Wrap(err, "InfiniteTicker call failed")
	}

	tickCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	var lastCount int64
	for {
		var tick pb.Tick
		if err := call.Recv(tickCtx, &tick); err != nil {
			call.Cancel()
			if errors.Is(err, context.DeadlineExceeded) {
				fmt.Printf("stopped after %s, last tick: %d\n", d, lastCount)
				return nil
			}
			return errors.Wrap(err, "InfiniteTicker recv failed")
		}
		lastCount = tick.GetCount()
		fmt.Printf("tick %d at %d\n", tick.GetCount(), tick.GetTimestamp())
	}
}
