/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/execution-engine/internal/config"
	"github.com/krobus00/execution-engine/internal/entity"
	grpcHandler "github.com/krobus00/execution-engine/internal/handler/orderengine/grpc"
	"github.com/krobus00/execution-engine/internal/util"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	orderClientAddr    string
	orderClientTimeout time.Duration
)

// orderCmd talks to a running gateway over gRPC
var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Place, inspect and cancel orders on a running gateway",
}

var orderPlaceCmd = &cobra.Command{
	Use:   "place",
	Short: "Place an order request read from a JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		payload, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var req entity.PlaceOrderRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}

		return withOrderClient(func(ctx context.Context, client *grpcHandler.Client) (any, error) {
			return client.PlaceOrder(ctx, &req)
		})
	},
}

var orderCancelCmd = &cobra.Command{
	Use:   "cancel [strategy-id]",
	Short: "Cancel every open leg of a strategy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrderClient(func(ctx context.Context, client *grpcHandler.Client) (any, error) {
			return client.CancelStrategy(ctx, &grpcHandler.StrategyRequest{StrategyID: args[0]})
		})
	},
}

var orderGetCmd = &cobra.Command{
	Use:   "get [strategy-id]",
	Short: "Show a strategy with its legs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrderClient(func(ctx context.Context, client *grpcHandler.Client) (any, error) {
			return client.GetStrategy(ctx, &grpcHandler.StrategyRequest{StrategyID: args[0]})
		})
	},
}

var orderOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "List open legs grouped by strategy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrderClient(func(ctx context.Context, client *grpcHandler.Client) (any, error) {
			return client.GetOpenOrders(ctx, &grpcHandler.GetOpenOrdersRequest{})
		})
	},
}

var orderHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List terminal legs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		symbol, _ := cmd.Flags().GetString("symbol")
		limit, _ := cmd.Flags().GetInt("limit")

		return withOrderClient(func(ctx context.Context, client *grpcHandler.Client) (any, error) {
			return client.GetOrderHistory(ctx, &entity.OrderHistoryFilter{
				Symbol: strings.ToUpper(strings.TrimSpace(symbol)),
				Limit:  limit,
			})
		})
	},
}

func withOrderClient(call func(ctx context.Context, client *grpcHandler.Client) (any, error)) error {
	addr := util.FirstNonEmpty(orderClientAddr, "localhost:"+strings.TrimPrefix(config.Env.Port["execution_engine_gateway_grpc"], ":"))

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), orderClientTimeout)
	defer cancel()

	result, err := call(ctx, grpcHandler.NewClient(conn))
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func init() {
	rootCmd.AddCommand(orderCmd)
	orderCmd.PersistentFlags().StringVar(&orderClientAddr, "addr", "", "gateway grpc address (default: localhost:<port.execution_engine_gateway_grpc>)")
	orderCmd.PersistentFlags().DurationVar(&orderClientTimeout, "timeout", 10*time.Second, "request timeout")

	orderPlaceCmd.Flags().String("file", "order.json", "path to a JSON place order request")
	orderHistoryCmd.Flags().String("symbol", "", "filter by symbol")
	orderHistoryCmd.Flags().Int("limit", 0, "maximum number of legs")

	orderCmd.AddCommand(orderPlaceCmd, orderCancelCmd, orderGetCmd, orderOpenCmd, orderHistoryCmd)
}
