/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/execution-engine/internal/bootstrap"
	"github.com/spf13/cobra"
)

// orderStatusSyncWorkerCmd represents the order status sync worker command
var orderStatusSyncWorkerCmd = &cobra.Command{
	Use:   "order-status-sync-worker",
	Short: "Reconcile persisted order legs with the exchange",
	Long: `Restores persisted strategies, then polls the exchange for every leg that
is not terminal and writes the observed status back. Legs left in
PENDING_SUBMIT by a previous process are resolved by client request id.
Run it while no gateway is serving the same database.`,
	Run: bootstrap.StartOrderStatusSyncWorker,
}

func init() {
	rootCmd.AddCommand(orderStatusSyncWorkerCmd)
	orderStatusSyncWorkerCmd.Flags().Bool("once", false, "run a single reconciliation pass and exit")
}
