package main

import "sync"

// waiterRegistry lets request handlers block briefly for a job's completion
// so fast conversions can answer in the original HTTP exchange.
type waiterRegistry struct {
	mu sync.Mutex
	m  map[string][]chan *ConversionJob
}

func newWaiterRegistry() *waiterRegistry {
	return &waiterRegistry{m: make(map[string][]chan *ConversionJob)}
}

func (w *waiterRegistry) Register(jobID string) chan *ConversionJob {
	ch := make(chan *ConversionJob, 1)
	w.mu.Lock()
	w.m[jobID] = append(w.m[jobID], ch)
	w.mu.Unlock()
	return ch
}

// Notify delivers the finished job to every registered waiter and drops the
// entry. Sends never block; a waiter that already gave up simply misses it.
func (w *waiterRegistry) Notify(job *ConversionJob) {
	w.mu.Lock()
	waiters := w.m[job.ID]
	delete(w.m, job.ID)
	w.mu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- job:
		default:
		}
		close(ch)
	}
}

// Unregister removes one waiter after its fast-path wait expired.
func (w *waiterRegistry) Unregister(jobID string, ch chan *ConversionJob) {
	w.mu.Lock()
	defer w.mu.Unlock()
	waiters := w.m[jobID]
	for i, c := range waiters {
		if c == ch {
			w.m[jobID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(w.m[jobID]) == 0 {
		delete(w.m, jobID)
	}
}
