package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/nscoord/pkg/nsclient"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nsctl",
	Short: "nsctl - admin CLI for the name server control plane",
}

func init() {
	rootCmd.PersistentFlags().String("ns-addr", "127.0.0.1:8081", "Name server admin RPC address")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(showTableCmd)
	rootCmd.AddCommand(dropTableCmd)
	rootCmd.AddCommand(showOPCmd)
	rootCmd.AddCommand(cancelOPCmd)
	rootCmd.AddCommand(showReplicaClusterCmd)
	rootCmd.AddCommand(confCmd)
}

func dial(cmd *cobra.Command) (*nsclient.Client, error) {
	addr, _ := cmd.Flags().GetString("ns-addr")
	return nsclient.Dial(addr)
}

var showTableCmd = &cobra.Command{
	Use:   "show-table [name]",
	Short: "Show one table, or every table if name is omitted",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		tables, err := c.ShowTable(context.Background(), name)
		if err != nil {
			return err
		}
		for _, t := range tables {
			fmt.Printf("%-20s partitions=%-4d replicas=%-3d version=%d\n", t.Name, t.PartitionNum, t.ReplicaNum, t.Version)
		}
		return nil
	},
}

var dropTableCmd = &cobra.Command{
	Use:   "drop-table NAME",
	Short: "Drop a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ids, err := c.DropTable(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("submitted ops: %v\n", ids)
		return nil
	},
}

var showOPCmd = &cobra.Command{
	Use:   "show-op ID",
	Short: "Show an OP's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		var id uint64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("invalid op id %q: %w", args[0], err)
		}
		op, err := c.ShowOPStatus(context.Background(), id)
		if err != nil {
			return err
		}
		fmt.Printf("op %d: type=%s table=%s pid=%d state=%s tasks=%d\n", op.OPID, op.Type, op.TableName, op.PID, op.State, len(op.Tasks))
		return nil
	},
}

var cancelOPCmd = &cobra.Command{
	Use:   "cancel-op ID",
	Short: "Cancel a not-yet-terminal OP",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		var id uint64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("invalid op id %q: %w", args[0], err)
		}
		return c.CancelOP(context.Background(), id)
	},
}

var showReplicaClusterCmd = &cobra.Command{
	Use:   "show-replica-cluster",
	Short: "List every registered peer replica cluster",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		clusters, err := c.ShowReplicaCluster(context.Background())
		if err != nil {
			return err
		}
		for _, cl := range clusters {
			fmt.Printf("%-12s mode=%-16s zone=%-10s addresses=%v\n", cl.Alias, cl.Mode, cl.Zone, cl.Addresses)
		}
		return nil
	},
}

var confCmd = &cobra.Command{
	Use:   "conf",
	Short: "Get or set a runtime configuration flag",
}

var confGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Get a runtime configuration flag (auto_failover, auto_recover_table)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		value, err := c.ConfGet(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

var confSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a runtime configuration flag",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		return c.ConfSet(context.Background(), args[0], args[1])
	},
}

func init() {
	confCmd.AddCommand(confGetCmd)
	confCmd.AddCommand(confSetCmd)
}
