package escluster

import (
	"fmt"
	"regexp"
	"strconv"
)

// QueueStatus summarises one write-mirroring job queue. The zero value with
// Reported=false is the explicit "no backlog line found" sentinel, which is a
// valid answer rather than an error.
type QueueStatus struct {
	Queued    int
	Claimed   int
	Active    int
	Abandoned int
	Delayed   int
	Reported  bool
}

// Job report lines look like:
//
//	cirrusSearchElasticaWrite: 3 queued; 2 claimed (1 active, 1 abandoned); 42 delayed
const queueLinePattern = `(?m)^\s*%s:\s+(\d+) queued;\s+(\d+) claimed \((\d+) active, (\d+) abandoned\);\s+(\d+) delayed`

// ParseQueueStatus extracts the named queue's counters from a free-form job
// report. Absence of a matching line yields the empty sentinel.
func ParseQueueStatus(report, queueName string) (QueueStatus, error) {
	pattern, err := regexp.Compile(fmt.Sprintf(queueLinePattern, regexp.QuoteMeta(queueName)))
	if err != nil {
		return QueueStatus{}, fmt.Errorf("compile queue pattern: %w", err)
	}

	match := pattern.FindStringSubmatch(report)
	if match == nil {
		return QueueStatus{}, nil
	}

	counters := make([]int, 5)
	for i := range counters {
		// The pattern only captures digit runs, so parsing cannot fail.
		counters[i], _ = strconv.Atoi(match[i+1])
	}
	return QueueStatus{
		Queued:    counters[0],
		Claimed:   counters[1],
		Active:    counters[2],
		Abandoned: counters[3],
		Delayed:   counters[4],
		Reported:  true,
	}, nil
}
