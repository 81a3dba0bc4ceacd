package escluster

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Batch is an ordered, non-empty group of nodes drawn from one failure
// domain. It is immutable once returned and consumed by exactly one
// orchestration pass.
type Batch struct {
	Row   string
	Nodes []NodeRecord
}

// Names returns the node names in inventory order.
func (b *Batch) Names() []string {
	names := make([]string, 0, len(b.Nodes))
	for _, node := range b.Nodes {
		names = append(names, node.Name)
	}
	return names
}

// MissingRowError reports a node without the failure-domain attribute. It is
// a configuration problem and aborts the run before any batch is formed.
type MissingRowError struct {
	Node string
}

func (e *MissingRowError) Error() string {
	return fmt.Sprintf("node %s has no row attribute", e.Node)
}

func (e *MissingRowError) Is(target error) bool {
	var other *MissingRowError
	return errors.As(target, &other)
}

type rowState struct {
	name    string
	done    int
	notDone []NodeRecord
}

// SelectNextBatch picks up to n nodes from the least-progressed failure
// domain. A node counts as done once its process start time is strictly
// after cutoff, i.e. it has observably restarted since the operation began.
// Rows with equal done-counts keep their discovery order. A nil batch means
// every node in every row is done and the run is complete.
//
// Spreading batches across rows this way bounds the redundancy loss at any
// point of a long rolling operation: no row is fully drained while another
// is untouched.
func SelectNextBatch(inventory []NodeRecord, cutoff time.Time, n int) (*Batch, error) {
	if n <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", n)
	}

	order := make([]*rowState, 0)
	rows := make(map[string]*rowState)
	for _, node := range inventory {
		if node.Row == "" {
			return nil, &MissingRowError{Node: node.Name}
		}
		row, ok := rows[node.Row]
		if !ok {
			row = &rowState{name: node.Row}
			rows[node.Row] = row
			order = append(order, row)
		}
		if node.StartedAt.After(cutoff) {
			row.done++
		} else {
			row.notDone = append(row.notDone, node)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return order[i].done < order[j].done
	})

	for _, row := range order {
		if len(row.notDone) == 0 {
			continue
		}
		selected := row.notDone
		if len(selected) > n {
			selected = selected[:n]
		}
		return &Batch{Row: row.name, Nodes: append([]NodeRecord(nil), selected...)}, nil
	}
	return nil, nil
}
