// Package escluster talks to the search cluster's control plane and hosts
// the batch-selection, write-queue and shard-repair logic built on top of it.
package escluster

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// HealthStatus is the coarse cluster health colour.
type HealthStatus string

const (
	HealthGreen   HealthStatus = "green"
	HealthYellow  HealthStatus = "yellow"
	HealthRed     HealthStatus = "red"
	HealthUnknown HealthStatus = "unknown"
)

// HealthReport is the subset of the health endpoint the orchestration needs.
type HealthReport struct {
	Status           HealthStatus `json:"status"`
	RelocatingShards int          `json:"relocating_shards"`
	TimedOut         bool         `json:"timed_out"`
}

// NodeRecord describes one data node as reported by the control plane. It is
// sourced fresh on every selection call and never cached across batches.
type NodeRecord struct {
	ID        string
	Name      string
	Row       string
	StartedAt time.Time
}

// UnassignedShard identifies one shard copy without a home.
type UnassignedShard struct {
	Index string
	Shard int
}

func (s UnassignedShard) String() string {
	return fmt.Sprintf("%s[%d]", s.Index, s.Shard)
}

// ErrConflict marks a flush that raced with in-flight indexing. It is always
// advisory: callers log and move on.
var ErrConflict = errors.New("operation conflicts with in-flight indexing")

// TransportError wraps a failed or non-2xx control-plane call. Waits treat it
// as "not ready yet" rather than a broken check.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match any *TransportError.
func (e *TransportError) Is(target error) bool {
	var other *TransportError
	return errors.As(target, &other)
}

// AllocationRejectedError reports that the control plane refused to place a
// shard on a specific candidate node.
type AllocationRejectedError struct {
	Shard  UnassignedShard
	Node   string
	Reason string
}

func (e *AllocationRejectedError) Error() string {
	return fmt.Sprintf("allocation of %s to %s rejected: %s", e.Shard, e.Node, e.Reason)
}

func (e *AllocationRejectedError) Is(target error) bool {
	var other *AllocationRejectedError
	return errors.As(target, &other)
}

// Client is a thin typed wrapper over the control-plane HTTP API.
type Client struct {
	http *resty.Client
}

// NewClient builds a client for the given endpoint, e.g.
// "https://search.svc.eqiad.wmnet:9243".
func NewClient(endpoint string) *Client {
	httpClient := resty.New().
		SetBaseURL(endpoint).
		SetHeader("Accept", "application/json").
		OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			// Decode result targets as JSON even when a proxy in front of the
			// control plane strips the content type.
			req.ForceContentType("application/json")
			return nil
		})
	return &Client{http: httpClient}
}

// HTTPClient returns the underlying net/http client, so callers can adjust
// transport settings or intercept requests.
func (c *Client) HTTPClient() *http.Client {
	return c.http.GetClient()
}

type nodesInfoResponse struct {
	Nodes map[string]struct {
		Name       string            `json:"name"`
		Attributes map[string]string `json:"attributes"`
		JVM        struct {
			StartTimeInMillis int64 `json:"start_time_in_millis"`
		} `json:"jvm"`
	} `json:"nodes"`
}

// NodesInfo lists the data node inventory with failure-domain attributes and
// process start times.
func (c *Client) NodesInfo(ctx context.Context) ([]NodeRecord, error) {
	var body nodesInfoResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&body).
		Get("/_nodes/jvm,attributes")
	if err := c.check("list nodes", resp, err); err != nil {
		return nil, err
	}

	records := make([]NodeRecord, 0, len(body.Nodes))
	for id, node := range body.Nodes {
		records = append(records, NodeRecord{
			ID:        id,
			Name:      node.Name,
			Row:       node.Attributes["row"],
			StartedAt: time.UnixMilli(node.JVM.StartTimeInMillis).UTC(),
		})
	}
	return records, nil
}

// Health fetches cluster health with a short server-side timeout. When
// waitForStatus is non-empty the control plane holds the call until the
// status is reached or the timeout expires.
func (c *Client) Health(ctx context.Context, waitForStatus HealthStatus, callTimeout time.Duration) (HealthReport, error) {
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("timeout", formatTimeout(callTimeout))
	if waitForStatus != "" {
		req.SetQueryParam("wait_for_status", string(waitForStatus))
	}

	var report HealthReport
	resp, err := req.SetResult(&report).Get("/_cluster/health")
	if err := c.check("cluster health", resp, err); err != nil {
		return HealthReport{Status: HealthUnknown}, err
	}
	if report.Status == "" {
		report.Status = HealthUnknown
	}
	return report, nil
}

// SetAllocation mutates the shard-allocation-enable routing setting.
func (c *Client) SetAllocation(ctx context.Context, value string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{
			"transient": map[string]string{
				"cluster.routing.allocation.enable": value,
			},
		}).
		Put("/_cluster/settings")
	return c.check("set allocation", resp, err)
}

// Flush forces a flush across all indices.
func (c *Client) Flush(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Post("/_flush")
	return c.checkFlush("flush", resp, err)
}

// SyncedFlush writes durability markers so shards can recover without a full
// write-log replay.
func (c *Client) SyncedFlush(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Post("/_flush/synced")
	return c.checkFlush("synced flush", resp, err)
}

type recoveryResponse map[string]struct {
	Shards []struct {
		Stage string `json:"stage"`
	} `json:"shards"`
}

// ActiveRecoveries counts shard copies currently being moved or rebuilt.
func (c *Client) ActiveRecoveries(ctx context.Context) (int, error) {
	var body recoveryResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("active_only", "true").
		SetResult(&body).
		Get("/_recovery")
	if err := c.check("list recoveries", resp, err); err != nil {
		return 0, err
	}

	count := 0
	for _, index := range body {
		count += len(index.Shards)
	}
	return count, nil
}

type catShardRecord struct {
	Index  string `json:"index"`
	Shard  string `json:"shard"`
	PriRep string `json:"prirep"`
	State  string `json:"state"`
}

// UnassignedShards lists shard copies without a home, fresh from the control
// plane.
func (c *Client) UnassignedShards(ctx context.Context) ([]UnassignedShard, error) {
	var body []catShardRecord
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("format", "json").
		SetQueryParam("h", "index,shard,prirep,state").
		SetResult(&body).
		Get("/_cat/shards")
	if err := c.check("list shards", resp, err); err != nil {
		return nil, err
	}

	shards := make([]UnassignedShard, 0)
	for _, record := range body {
		if record.State != "UNASSIGNED" {
			continue
		}
		number, err := strconv.Atoi(record.Shard)
		if err != nil {
			return nil, fmt.Errorf("unparseable shard number %q for index %s: %w", record.Shard, record.Index, err)
		}
		shards = append(shards, UnassignedShard{Index: record.Index, Shard: number})
	}
	return shards, nil
}

// AllocateReplica asks the control plane to place one unassigned replica on
// the named node. A refusal is reported as *AllocationRejectedError.
func (c *Client) AllocateReplica(ctx context.Context, shard UnassignedShard, node string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{
			"commands": []map[string]interface{}{
				{
					"allocate_replica": map[string]interface{}{
						"index": shard.Index,
						"shard": shard.Shard,
						"node":  node,
					},
				},
			},
		}).
		Post("/_cluster/reroute")
	if err != nil {
		return &TransportError{Op: "reroute", Err: err}
	}
	if resp.IsError() {
		if resp.StatusCode() == http.StatusBadRequest {
			return &AllocationRejectedError{Shard: shard, Node: node, Reason: resp.String()}
		}
		return &TransportError{Op: "reroute", StatusCode: resp.StatusCode()}
	}
	return nil
}

type catNodeRecord struct {
	Name string `json:"name"`
}

// NodeNames lists the names of all live nodes.
func (c *Client) NodeNames(ctx context.Context) ([]string, error) {
	var body []catNodeRecord
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("format", "json").
		SetQueryParam("h", "name").
		SetResult(&body).
		Get("/_cat/nodes")
	if err := c.check("list node names", resp, err); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(body))
	for _, record := range body {
		names = append(names, record.Name)
	}
	return names, nil
}

func (c *Client) check(op string, resp *resty.Response, err error) error {
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	if resp.IsError() {
		return &TransportError{Op: op, StatusCode: resp.StatusCode()}
	}
	return nil
}

func (c *Client) checkFlush(op string, resp *resty.Response, err error) error {
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	if resp.StatusCode() == http.StatusConflict {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	if resp.IsError() {
		return &TransportError{Op: op, StatusCode: resp.StatusCode()}
	}
	return nil
}

func formatTimeout(d time.Duration) string {
	seconds := int(d.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds) + "s"
}
