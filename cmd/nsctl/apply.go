package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/nscoord/pkg/nsclient"
	"github.com/cuemby/nscoord/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a table or replica-cluster resource from a YAML file",
	Long: `Apply a name server resource from a YAML file.

Examples:
  # Create or update a table
  nsctl apply -f table.yaml

  # Register a peer replica cluster
  nsctl apply -f replica-cluster.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")
}

// Resource is a generic nsctl resource envelope, matching the teacher's
// WarrenResource shape with Kind: Table or Kind: ReplicaCluster instead
// of Kind: Service.
type Resource struct {
	APIVersion string                 `yaml:"apiVersion"`
	Kind       string                 `yaml:"kind"`
	Metadata   ResourceMetadata       `yaml:"metadata"`
	Spec       map[string]interface{} `yaml:"spec"`
}

type ResourceMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

func runApply(cmd *cobra.Command, _ []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	var resource Resource
	if err := yaml.Unmarshal(data, &resource); err != nil {
		return fmt.Errorf("parse YAML: %w", err)
	}

	c, err := dial(cmd)
	if err != nil {
		return fmt.Errorf("connect to name server: %w", err)
	}
	defer c.Close()

	switch resource.Kind {
	case "Table":
		return applyTable(c, &resource)
	case "ReplicaCluster":
		return applyReplicaCluster(c, &resource)
	default:
		return fmt.Errorf("unsupported resource kind: %s", resource.Kind)
	}
}

func applyTable(c *nsclient.Client, resource *Resource) error {
	name := resource.Metadata.Name
	partitionNum := getInt(resource.Spec, "partitionNum", 1)
	replicaNum := getInt(resource.Spec, "replicaNum", 1)
	storageMode := getString(resource.Spec, "storageMode", "kMemory")

	columns, err := parseColumns(resource.Spec)
	if err != nil {
		return err
	}
	if len(columns) == 0 {
		return fmt.Errorf("table %s: at least one column is required", name)
	}

	table := &types.TableInfo{
		Name:         name,
		Columns:      columns,
		PartitionNum: uint32(partitionNum),
		ReplicaNum:   uint32(replicaNum),
		StorageMode:  types.StorageMode(storageMode),
	}

	fmt.Printf("Creating table: %s\n", name)
	ids, err := c.CreateTable(context.Background(), table)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	fmt.Printf("✓ Table created: %s (ops: %v)\n", name, ids)
	return nil
}

func applyReplicaCluster(c *nsclient.Client, resource *Resource) error {
	alias := resource.Metadata.Name
	zone := getString(resource.Spec, "zone", "")

	var addresses []string
	if raw, ok := resource.Spec["addresses"].([]interface{}); ok {
		for _, a := range raw {
			addresses = append(addresses, fmt.Sprintf("%v", a))
		}
	}
	if len(addresses) == 0 {
		return fmt.Errorf("replica cluster %s: at least one address is required", alias)
	}

	fmt.Printf("Registering replica cluster: %s\n", alias)
	if err := c.AddReplicaCluster(context.Background(), alias, addresses, zone); err != nil {
		return fmt.Errorf("add replica cluster: %w", err)
	}
	fmt.Printf("✓ Replica cluster registered: %s\n", alias)
	return nil
}

func parseColumns(spec map[string]interface{}) ([]types.Column, error) {
	raw, ok := spec["columns"].([]interface{})
	if !ok {
		return nil, nil
	}
	cols := make([]types.Column, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("invalid column entry: %v", item)
		}
		cols = append(cols, types.Column{
			Name:     getString(m, "name", ""),
			DataType: getString(m, "dataType", "string"),
			Nullable: getBool(m, "nullable", true),
			IsTS:     getBool(m, "isTS", false),
		})
	}
	return cols, nil
}

func getString(m map[string]interface{}, key, defaultValue string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return defaultValue
}

func getInt(m map[string]interface{}, key string, defaultValue int) int {
	if v, ok := m[key]; ok {
		switch val := v.(type) {
		case int:
			return val
		case float64:
			return int(val)
		}
	}
	return defaultValue
}

func getBool(m map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultValue
}
