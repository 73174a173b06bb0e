/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/execution-engine/internal/bootstrap"
	"github.com/spf13/cobra"
)

// executionEngineGatewayCmd represents the execution engine gateway command
var executionEngineGatewayCmd = &cobra.Command{
	Use:   "execution-engine-gateway",
	Short: "Start the execution engine gateway",
	Long: `Starts the execution engine with its HTTP and gRPC surfaces, the
JetStream place-order consumer and the in-process order status sync loop.
Open strategies are restored from postgres before requests are accepted.`,
	Run: bootstrap.StartExecutionEngineGateway,
}

func init() {
	rootCmd.AddCommand(executionEngineGatewayCmd)
}
