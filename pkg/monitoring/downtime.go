// Package monitoring schedules alerting downtime for hosts about to undergo
// disruptive maintenance.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gehel/estools/pkg/remote"
)

// Downtimer schedules a timed downtime window for hosts.
type Downtimer interface {
	ScheduleDowntime(ctx context.Context, hosts []string, duration time.Duration, reason string) error
}

// NoopDowntimer skips downtime scheduling, for clusters without a
// monitoring handle.
type NoopDowntimer struct{}

// ScheduleDowntime implements Downtimer.
func (NoopDowntimer) ScheduleDowntime(context.Context, []string, time.Duration, string) error {
	return nil
}

// IcingaDowntimer schedules downtimes by invoking icinga-downtime on the
// monitoring host.
type IcingaDowntimer struct {
	monitoringHost string
	exec           remote.Executor
}

// NewIcingaDowntimer builds a downtimer driving the given monitoring host.
func NewIcingaDowntimer(monitoringHost string, exec remote.Executor) (*IcingaDowntimer, error) {
	if strings.TrimSpace(monitoringHost) == "" {
		return nil, errors.New("monitoring host must not be empty")
	}
	if exec == nil {
		return nil, errors.New("executor must not be nil")
	}
	return &IcingaDowntimer{monitoringHost: monitoringHost, exec: exec}, nil
}

// ScheduleDowntime implements Downtimer. Icinga identifies hosts by their
// short name, so the domain suffix is stripped from each FQDN.
func (d *IcingaDowntimer) ScheduleDowntime(ctx context.Context, hosts []string, duration time.Duration, reason string) error {
	for _, host := range hosts {
		shortName := strings.SplitN(host, ".", 2)[0]
		cmd := remote.Command{Args: []string{
			"icinga-downtime",
			"-h", shortName,
			"-d", strconv.Itoa(int(duration.Seconds())),
			"-r", strconv.Quote(reason),
		}}
		if _, err := d.exec.Run(ctx, []string{d.monitoringHost}, cmd); err != nil {
			return fmt.Errorf("schedule downtime for %s: %w", host, err)
		}
	}
	return nil
}

var _ Downtimer = NoopDowntimer{}
var _ Downtimer = (*IcingaDowntimer)(nil)
