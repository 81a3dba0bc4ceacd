package escluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/gehel/estools/pkg/observability"
)

// RepairReport summarises one pass of ForceAllocateUnassignedReplicas.
type RepairReport struct {
	Initial   int
	Allocated int
	Skipped   int
	Abandoned int
}

// ForceAllocateUnassignedReplicas nudges stuck replicas back onto nodes. The
// control plane sometimes gives up on placing a replica after repeated
// failures; explicitly asking again after the cause is fixed unsticks it.
//
// The loop is bounded by the initial count of unassigned shards and re-fetches
// both the shard list and the candidate node list on every iteration, so
// concurrent recovery shrinking the set never causes extra work and nodes that
// join or leave mid-pass are picked up. For each shard the candidate nodes are
// tried in random order; a shard every node refuses is logged and abandoned
// rather than failing the pass, since refusal usually means the cluster is
// still working on the underlying cause.
func (c *Controller) ForceAllocateUnassignedReplicas(ctx context.Context) (RepairReport, error) {
	initial, err := c.client.UnassignedShards(ctx)
	if err != nil {
		return RepairReport{}, fmt.Errorf("list unassigned shards: %w", err)
	}
	report := RepairReport{Initial: len(initial)}
	if report.Initial == 0 {
		return report, nil
	}

	for attempt := 0; attempt < report.Initial; attempt++ {
		remaining, err := c.client.UnassignedShards(ctx)
		if err != nil {
			return report, fmt.Errorf("refresh unassigned shards: %w", err)
		}
		if len(remaining) == 0 {
			return report, nil
		}
		shard := remaining[0]

		if c.dryRun {
			c.log(ctx, observability.LevelInfo, "allocate_replica_skipped", map[string]interface{}{
				"index": shard.Index,
				"shard": shard.Shard,
			})
			report.Skipped++
			continue
		}

		nodeNames, err := c.client.NodeNames(ctx)
		if err != nil {
			return report, fmt.Errorf("list candidate nodes: %w", err)
		}
		if len(nodeNames) == 0 {
			return report, errors.New("cluster reports no live nodes")
		}

		allocated, err := c.allocateAnywhere(ctx, shard, nodeNames)
		if err != nil {
			return report, err
		}
		if allocated {
			report.Allocated++
			c.log(ctx, observability.LevelInfo, "replica_allocated", map[string]interface{}{
				"index": shard.Index,
				"shard": shard.Shard,
			})
		} else {
			report.Abandoned++
			c.log(ctx, observability.LevelWarn, "replica_allocation_abandoned", map[string]interface{}{
				"index": shard.Index,
				"shard": shard.Shard,
			})
		}
	}
	return report, nil
}

// allocateAnywhere tries every candidate node in random order until one
// accepts the replica. Per-node refusals are expected; only transport-level
// failures abort.
func (c *Controller) allocateAnywhere(ctx context.Context, shard UnassignedShard, nodeNames []string) (bool, error) {
	candidates := append([]string(nil), nodeNames...)
	c.rnd.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	for _, node := range candidates {
		err := c.client.AllocateReplica(ctx, shard, node)
		if err == nil {
			return true, nil
		}
		var rejected *AllocationRejectedError
		if errors.As(err, &rejected) {
			continue
		}
		return false, fmt.Errorf("allocate %s: %w", shard, err)
	}
	return false, nil
}
