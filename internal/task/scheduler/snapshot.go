package scheduler

import "sort"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Pending:    len(s.pending),
		TimerArmed: s.timer != nil,
		Tasks:      make([]TaskInfo, 0, len(s.pending)),
	}
	if len(s.pending) > 0 {
		snap.NextWake = s.pending[0].at
	}
	for _, e := range s.pending {
		snap.Tasks = append(snap.Tasks, TaskInfo{
			ID:         e.t.ID,
			Name:       e.t.Name,
			NextRun:    e.at,
			Recurrence: e.t.Recurrence().String(),
		})
	}
	s.mu.Unlock()

	sort.Slice(snap.Tasks, func(i, j int) bool {
		if !snap.Tasks[i].NextRun.Equal(snap.Tasks[j].NextRun) {
			return snap.Tasks[i].NextRun.Before(snap.Tasks[j].NextRun)
		}
		return snap.Tasks[i].Name < snap.Tasks[j].Name
	})
	return snap
}
