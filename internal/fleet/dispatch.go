package fleet

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNoWorkers means no registered worker can take the task.
	ErrNoWorkers = errors.New("fleet: no eligible workers")

	// ErrSendFailed means the chosen worker's socket rejected the task.
	ErrSendFailed = errors.New("fleet: task send failed")
)

// pendingTask is the completion slot for one dispatched frame. complete may
// be called from the result handler, from Stop, or not at all (timeout); the
// first caller wins and later calls are no-ops.
type pendingTask struct {
	done   chan struct{}
	once   sync.Once
	result []Detection
}

func (p *pendingTask) complete(dets []Detection) {
	p.once.Do(func() {
		p.result = dets
		close(p.done)
	})
}

// DistributeSync sends one frame to a worker and waits for its result.
//
// Eligible workers are those whose specialty matches the required one, plus
// every Generalist; an empty specialty admits the whole fleet. The target is
// chosen round-robin over the eligible set ordered by worker id.
//
// The returned detections are also already in the state store by the time
// this returns (the result handler appends them independently), so callers
// only need the return value for per-frame decisions such as annotation.
// A nil, nil return means the worker did not answer within timeout; the
// caller should fall back to local inference for this frame.
func (m *Manager) DistributeSync(frameB64, frameID, specialty string, timeout time.Duration) ([]Detection, error) {
	m.mu.Lock()
	eligible := make([]*session, 0, len(m.workers))
	for _, s := range m.workers {
		if specialty == "" || s.specialty == specialty || s.specialty == "Generalist" {
			eligible = append(eligible, s)
		}
	}
	if len(eligible) == 0 {
		m.mu.Unlock()
		return nil, ErrNoWorkers
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].id < eligible[j].id })
	m.cursor = (m.cursor + 1) % len(eligible)
	target := eligible[m.cursor]

	p := &pendingTask{done: make(chan struct{})}
	m.pending[frameID] = p
	m.mu.Unlock()

	err := target.send(taskMsg{Type: "inference_task", FrameID: frameID, FrameData: frameB64})
	if err != nil {
		m.mu.Lock()
		delete(m.pending, frameID)
		m.mu.Unlock()
		m.log.Warn("task send failed",
			slog.String("worker_id", target.id),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: worker %s: %v", ErrSendFailed, target.id, err)
	}
	if m.metrics != nil {
		m.metrics.TasksDispatched.Add(1)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var result []Detection
	select {
	case <-p.done:
		result = p.result
	case <-timer.C:
		if m.metrics != nil {
			m.metrics.TaskTimeouts.Add(1)
		}
	case <-m.stopCh:
	}

	m.mu.Lock()
	delete(m.pending, frameID)
	m.mu.Unlock()
	return result, nil
}
