package netobs

// CorrelationBacklog reports how many in-flight requests the observer is
// tracking in the correlation map and its insertion-order companion.
func (o *Observer) CorrelationBacklog() (pending, order int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending), len(o.order)
}
