package detour

import (
	"errors"

	"go.uber.org/zap"
)

// Result is the outcome of one queued change.
type Result struct {
	Hook *Hook
	Err  error
}

// QueueEnable marks h to be enabled by the next ApplyQueued. A later
// QueueDisable replaces it.
func (r *Registry) QueueEnable(h *Hook) error {
	return r.queue(h, EnableRequested)
}

// QueueDisable marks h to be disabled by the next ApplyQueued.
func (r *Registry) QueueDisable(h *Hook) error {
	return r.queue(h, DisableRequested)
}

func (r *Registry) queue(h *Hook, a Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.live(h); err != nil {
		return err
	}
	h.queued = a
	return nil
}

// QueueEnableAll queues every hook to be enabled.
func (r *Registry) QueueEnableAll() error {
	return r.queueAll(EnableRequested)
}

// QueueDisableAll queues every hook to be disabled.
func (r *Registry) QueueDisableAll() error {
	return r.queueAll(DisableRequested)
}

func (r *Registry) queueAll(a Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	for _, h := range r.hooks {
		h.queued = a
	}
	return nil
}

// ApplyQueued makes every queued change with the other threads stopped
// once. Queued changes that match the hook's state succeed without writing
// anything. Every queued action is cleared, whether or not it worked.
//
// The results are ordered by target. The error joins the errors of every
// failed change.
func (r *Registry) ApplyQueued() ([]Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	var (
		results []Result
		changes []change
		index   []int
	)
	for _, h := range r.sorted() {
		if h.queued == None {
			continue
		}
		enable := h.queued == EnableRequested
		h.queued = None

		results = append(results, Result{Hook: h})
		if (h.state == Enabled) != enable {
			changes = append(changes, change{h, enable})
			index = append(index, len(results)-1)
		}
	}

	errs := r.apply(changes)
	r.log.Debug("applied queued changes", zap.Int("queued", len(results)), zap.Int("changed", len(changes)))
	for i, err := range errs {
		results[index[i]].Err = err
	}
	return results, errors.Join(errs...)
}
