package orchestrator

import (
	"context"
	"fmt"

	"github.com/gehel/estools/pkg/nodes"
)

// Task names the disruptive operation applied to each batch while the
// cluster is wrapped in the protective freeze/allocation envelope.
type Task string

const (
	// TaskRestart restarts the search service in place.
	TaskRestart Task = "restart"
	// TaskUpgrade upgrades the search packages and reboots, picking up kernel
	// and JVM updates in the same window.
	TaskUpgrade Task = "upgrade"
	// TaskUpgradePlugins upgrades only the plugin packages, then restarts.
	TaskUpgradePlugins Task = "upgrade-plugins"
	// TaskReboot reboots the hosts entirely.
	TaskReboot Task = "reboot"
)

// ParseTask validates a task name from the command line.
func ParseTask(value string) (Task, error) {
	switch Task(value) {
	case TaskRestart, TaskUpgrade, TaskUpgradePlugins, TaskReboot:
		return Task(value), nil
	}
	return "", fmt.Errorf("unknown task %q (expected restart, upgrade, upgrade-plugins or reboot)", value)
}

func (t Task) String() string {
	return string(t)
}

// apply runs the task against one batch of hosts. Every variant ends with the
// search service answering queries again; pooling and cluster-level recovery
// are the runner's business.
func (r *Runner) apply(ctx context.Context, set *nodes.Set) error {
	switch r.cfg.Task {
	case TaskRestart:
		if err := set.StopService(ctx); err != nil {
			return err
		}
		if err := set.StartService(ctx); err != nil {
			return err
		}
	case TaskUpgrade:
		if err := set.StopService(ctx); err != nil {
			return err
		}
		if err := set.UpgradePackages(ctx, r.cfg.Packages); err != nil {
			return err
		}
		if err := set.Reboot(ctx); err != nil {
			return err
		}
	case TaskUpgradePlugins:
		if err := set.StopService(ctx); err != nil {
			return err
		}
		if err := set.UpgradePackages(ctx, r.cfg.PluginPackages); err != nil {
			return err
		}
		if err := set.StartService(ctx); err != nil {
			return err
		}
	case TaskReboot:
		if err := set.Reboot(ctx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown task %q", r.cfg.Task)
	}

	if r.cfg.DryRun {
		return nil
	}
	return set.WaitForElasticsearch(ctx)
}
