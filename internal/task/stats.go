package task

// TaskStats 聚合了运行状态的统计信息。
type TaskStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Partial 统计由检查点补偿出报告的成功运行。
	Partial         int            `json:"partial"`
	ByChain         map[string]int `json:"by_chain,omitempty"`
	OldestUpdatedAt int64          `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64          `json:"newest_updated_at,omitempty"`
}

func (s *TaskStats) counter(status Status) *int {
	switch status {
	case StatusPending:
		return &s.Pending
	case StatusRunning:
		return &s.Running
	case StatusSucceeded:
		return &s.Succeeded
	case StatusFailed:
		return &s.Failed
	}
	return nil
}

func (s *TaskStats) add(t *Task) {
	s.Total++
	if c := s.counter(t.Status); c != nil {
		*c++
	}
	if t.Result != nil && t.Result.Partial {
		s.Partial++
	}
	if t.Chain != "" {
		if s.ByChain == nil {
			s.ByChain = make(map[string]int)
		}
		s.ByChain[t.Chain]++
	}
	s.observe(t.UpdatedAt)
}

func (s *TaskStats) observe(updated int64) {
	if updated == 0 {
		return
	}
	s.NewestUpdatedAt = max(s.NewestUpdatedAt, updated)
	if s.OldestUpdatedAt == 0 || updated < s.OldestUpdatedAt {
		s.OldestUpdatedAt = updated
	}
}
