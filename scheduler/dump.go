// File: scheduler/dump.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package scheduler

import (
	"fmt"
	"io"
	"strings"
)

// Snapshot is a point-in-time view of a scheduler.
type Snapshot struct {
	Name      string `json:"name"`
	Size      int    `json:"size"`
	Active    int    `json:"active"`
	Idle      int    `json:"idle"`
	Pending   int    `json:"pending"`
	Stopping  bool   `json:"stopping"`
	ThreadIDs []int  `json:"thread_ids"`
}

// Snapshot captures the scheduler counters.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	ids := append([]int(nil), s.threadIDs...)
	pending := s.queue.Len()
	s.mu.Unlock()
	return Snapshot{
		Name:      s.name,
		Size:      s.threadCount,
		Active:    s.ActiveThreads(),
		Idle:      s.IdleThreads(),
		Pending:   pending,
		Stopping:  s.IsStopping(),
		ThreadIDs: ids,
	}
}

// Dump writes a human readable snapshot to w.
func (s *Scheduler) Dump(w io.Writer) error {
	snap := s.Snapshot()
	ids := make([]string, len(snap.ThreadIDs))
	for i, id := range snap.ThreadIDs {
		ids[i] = fmt.Sprint(id)
	}
	_, err := fmt.Fprintf(w, "[Scheduler name=%s size=%d active_count=%d idle_count=%d stopping=%t ]\n    %s\n",
		snap.Name, snap.Size, snap.Active, snap.Idle, snap.Stopping, strings.Join(ids, ", "))
	return err
}
