// Package nodes wraps host-level operations for one batch of cluster nodes.
// A Set is always non-empty and every operation fans out to all members,
// blocking until each host has reported.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gehel/estools/pkg/remote"
	"github.com/gehel/estools/pkg/waiter"
)

// State is the tri-state answer of a host probe. Probes never use errors for
// ordinary branching: a failed check yields StateUnknown plus the cause.
type State int

const (
	StateUnknown State = iota
	StateInactive
	StateActive
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Set is an ordered, non-empty group of hosts from one failure domain,
// processed as a single maintenance unit.
type Set struct {
	hosts              []string
	exec               remote.Executor
	wait               *waiter.Waiter
	clock              clock.Clock
	serviceName        string
	rebootTimeout      time.Duration
	serviceWaitTimeout time.Duration
	pollInterval       time.Duration
	dryRun             bool
}

// Option customises a Set.
type Option func(*Set)

// WithServiceName sets the managed service unit (default elasticsearch).
func WithServiceName(name string) Option {
	return func(s *Set) {
		if strings.TrimSpace(name) != "" {
			s.serviceName = name
		}
	}
}

// WithRebootTimeout bounds the wait for hosts to come back after reboot.
func WithRebootTimeout(d time.Duration) Option {
	return func(s *Set) {
		if d > 0 {
			s.rebootTimeout = d
		}
	}
}

// WithServiceWaitTimeout bounds the wait for the service to answer queries.
func WithServiceWaitTimeout(d time.Duration) Option {
	return func(s *Set) {
		if d > 0 {
			s.serviceWaitTimeout = d
		}
	}
}

// WithPollInterval sets the pause between verification polls.
func WithPollInterval(d time.Duration) Option {
	return func(s *Set) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithClock injects a custom time source.
func WithClock(c clock.Clock) Option {
	return func(s *Set) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithDryRun suppresses post-mutation verification. Mutating commands are
// already skipped by the executor in simulated mode, so verifying their
// effect would always fail.
func WithDryRun(enabled bool) Option {
	return func(s *Set) {
		s.dryRun = enabled
	}
}

// NewSet builds a Set over the given hosts.
func NewSet(hosts []string, exec remote.Executor, wait *waiter.Waiter, opts ...Option) (*Set, error) {
	if len(hosts) == 0 {
		return nil, errors.New("host set must not be empty")
	}
	if exec == nil {
		return nil, errors.New("executor must not be nil")
	}
	if wait == nil {
		wait = waiter.New()
	}
	s := &Set{
		hosts:              append([]string(nil), hosts...),
		exec:               exec,
		wait:               wait,
		clock:              clock.New(),
		serviceName:        "elasticsearch",
		rebootTimeout:      10 * time.Minute,
		serviceWaitTimeout: time.Minute,
		pollInterval:       time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Hosts returns a copy of the member host names.
func (s *Set) Hosts() []string {
	return append([]string(nil), s.hosts...)
}

func (s *Set) String() string {
	return strings.Join(s.hosts, ",")
}

// DisablePuppet turns off configuration management on every host and
// verifies it took effect.
func (s *Set) DisablePuppet(ctx context.Context, message string) error {
	if _, err := s.exec.Run(ctx, s.hosts, remote.Command{Args: []string{"disable-puppet", strconv.Quote(message)}}); err != nil {
		return fmt.Errorf("disable puppet on %s: %w", s, err)
	}
	if s.dryRun {
		return nil
	}
	state, err := s.PuppetEnabled(ctx)
	if err != nil {
		return fmt.Errorf("verify puppet disabled on %s: %w", s, err)
	}
	if state != StateInactive {
		return fmt.Errorf("puppet still enabled on %s", s)
	}
	return nil
}

// EnablePuppet re-enables configuration management and verifies it.
func (s *Set) EnablePuppet(ctx context.Context, message string) error {
	if _, err := s.exec.Run(ctx, s.hosts, remote.Command{Args: []string{"enable-puppet", strconv.Quote(message)}}); err != nil {
		return fmt.Errorf("enable puppet on %s: %w", s, err)
	}
	if s.dryRun {
		return nil
	}
	state, err := s.PuppetEnabled(ctx)
	if err != nil {
		return fmt.Errorf("verify puppet enabled on %s: %w", s, err)
	}
	if state != StateActive {
		return fmt.Errorf("puppet still disabled on %s", s)
	}
	return nil
}

// PuppetEnabled probes whether puppet is enabled on all hosts. A mixed set
// reports StateUnknown.
func (s *Set) PuppetEnabled(ctx context.Context) (State, error) {
	results, err := s.exec.Run(ctx, s.hosts, remote.Command{Args: []string{"puppet-enabled"}, SafeInDryRun: true})
	return aggregateProbe(results, err)
}

// Depool removes every host from the load balancer pools.
func (s *Set) Depool(ctx context.Context) error {
	if _, err := s.exec.Run(ctx, s.hosts, remote.Command{Args: []string{"depool"}}); err != nil {
		return fmt.Errorf("depool %s: %w", s, err)
	}
	return nil
}

// Pool returns every host to the load balancer pools.
func (s *Set) Pool(ctx context.Context) error {
	if _, err := s.exec.Run(ctx, s.hosts, remote.Command{Args: []string{"pool"}}); err != nil {
		return fmt.Errorf("pool %s: %w", s, err)
	}
	return nil
}

// StopService stops the managed service and verifies it is down.
func (s *Set) StopService(ctx context.Context) error {
	if _, err := s.exec.Run(ctx, s.hosts, remote.Command{Args: []string{"service", s.serviceName, "stop"}}); err != nil {
		return fmt.Errorf("stop %s on %s: %w", s.serviceName, s, err)
	}
	if s.dryRun {
		return nil
	}
	state, err := s.ServiceRunning(ctx)
	if err != nil {
		return fmt.Errorf("verify %s stopped on %s: %w", s.serviceName, s, err)
	}
	if state != StateInactive {
		return fmt.Errorf("service %s is still running on %s", s.serviceName, s)
	}
	return nil
}

// StartService starts the managed service and verifies it is up.
func (s *Set) StartService(ctx context.Context) error {
	if _, err := s.exec.Run(ctx, s.hosts, remote.Command{Args: []string{"service", s.serviceName, "start"}}); err != nil {
		return fmt.Errorf("start %s on %s: %w", s.serviceName, s, err)
	}
	if s.dryRun {
		return nil
	}
	state, err := s.ServiceRunning(ctx)
	if err != nil {
		return fmt.Errorf("verify %s started on %s: %w", s.serviceName, s, err)
	}
	if state != StateActive {
		return fmt.Errorf("service %s is still stopped on %s", s.serviceName, s)
	}
	return nil
}

// ServiceRunning probes the managed service on all hosts.
func (s *Set) ServiceRunning(ctx context.Context) (State, error) {
	results, err := s.exec.Run(ctx, s.hosts, remote.Command{Args: []string{"service", s.serviceName, "status"}, SafeInDryRun: true})
	return aggregateProbe(results, err)
}

// UpgradePackages installs the given packages, keeping existing
// configuration files in place.
func (s *Set) UpgradePackages(ctx context.Context, packages []string) error {
	if len(packages) == 0 {
		return errors.New("package list must not be empty")
	}
	args := []string{
		"apt-get",
		`-o Dpkg::Options::="--force-confdef"`,
		`-o Dpkg::Options::="--force-confold"`,
		"-y", "install",
	}
	args = append(args, packages...)
	if _, err := s.exec.Run(ctx, s.hosts, remote.Command{Args: args}); err != nil {
		return fmt.Errorf("upgrade packages on %s: %w", s, err)
	}
	return nil
}

// Reboot issues an asynchronous reboot and waits until every host reports an
// uptime younger than the moment the reboot was issued. Remote execution
// failures while hosts are down count as "not back yet".
func (s *Set) Reboot(ctx context.Context) error {
	issued := s.clock.Now()

	if _, err := s.exec.Run(ctx, s.hosts, remote.Command{Args: []string{"nohup reboot &>/dev/null & exit"}}); err != nil {
		return fmt.Errorf("reboot %s: %w", s, err)
	}
	if s.dryRun {
		return nil
	}

	err := s.wait.Wait(ctx, func(ctx context.Context) (bool, error) {
		uptimes, err := s.Uptimes(ctx)
		if err != nil {
			return false, err
		}
		elapsed := s.clock.Since(issued)
		for _, uptime := range uptimes {
			if uptime >= elapsed {
				return false, nil
			}
		}
		return true, nil
	}, waiter.Options{
		Timeout:      s.rebootTimeout,
		PollInterval: s.pollInterval,
		Ignorable:    []error{&remote.ExecutionError{}},
		Description:  fmt.Sprintf("reboot of %s", s),
	})
	if err != nil {
		return fmt.Errorf("wait for reboot of %s: %w", s, err)
	}
	return nil
}

// Uptimes reads /proc/uptime on every host.
func (s *Set) Uptimes(ctx context.Context) (map[string]time.Duration, error) {
	results, err := s.exec.Run(ctx, s.hosts, remote.Command{Args: []string{"cat", "/proc/uptime"}, SafeInDryRun: true})
	if err != nil {
		return nil, err
	}
	uptimes := make(map[string]time.Duration, len(results))
	for _, res := range results {
		fields := strings.Fields(res.Output)
		if len(fields) == 0 {
			return nil, fmt.Errorf("unparseable uptime output from %s: %q", res.Host, res.Output)
		}
		seconds, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("unparseable uptime from %s: %w", res.Host, err)
		}
		uptimes[res.Host] = time.Duration(seconds * float64(time.Second))
	}
	return uptimes, nil
}

// WaitForElasticsearch polls the local search endpoint on every host until
// it answers.
func (s *Set) WaitForElasticsearch(ctx context.Context) error {
	err := s.wait.Wait(ctx, func(ctx context.Context) (bool, error) {
		if _, err := s.exec.Run(ctx, s.hosts, remote.Command{Args: []string{"curl", "-sf", "127.0.0.1:9200/_cat/health"}, SafeInDryRun: true}); err != nil {
			return false, err
		}
		return true, nil
	}, waiter.Options{
		Timeout:      s.serviceWaitTimeout,
		PollInterval: s.pollInterval,
		Ignorable:    []error{&remote.ExecutionError{}},
		Description:  fmt.Sprintf("elasticsearch on %s", s),
	})
	if err != nil {
		return fmt.Errorf("wait for elasticsearch on %s: %w", s, err)
	}
	return nil
}

// aggregateProbe folds per-host exit codes into a tri-state answer: exit 0 on
// every host is active, a uniform non-zero exit is inactive, anything mixed
// or failing is unknown.
func aggregateProbe(results []remote.HostResult, err error) (State, error) {
	if err != nil {
		var execErr *remote.ExecutionError
		if !errors.As(err, &execErr) {
			return StateUnknown, err
		}
	}
	if len(results) == 0 {
		return StateUnknown, errors.New("probe returned no results")
	}
	active, inactive := 0, 0
	for _, res := range results {
		if res.ExitCode == 0 {
			active++
		} else {
			inactive++
		}
	}
	switch {
	case inactive == 0:
		return StateActive, nil
	case active == 0:
		return StateInactive, nil
	default:
		return StateUnknown, nil
	}
}
