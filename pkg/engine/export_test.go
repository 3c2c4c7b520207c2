package engine

// ActiveSlots reports how many accounts have an operation in flight or
// waiting.
func (r *Registry) ActiveSlots() int {
	return r.slots.len()
}
