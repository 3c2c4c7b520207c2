package engine

import (
	"context"
	"sync"
)

// slot admits one operation at a time.
type slot interface {
	acquire(ctx context.Context) error
	release()
}

// chanSlot is the slot of a standalone engine.
type chanSlot chan struct{}

func newChanSlot() chanSlot {
	return make(chanSlot, 1)
}

func (s chanSlot) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s chanSlot) release() {
	<-s
}

// accountSlots shares one slot per account between every engine created for
// it. An entry lives only while an operation holds or waits on it.
type accountSlots struct {
	mu      sync.Mutex
	entries map[string]*slotEntry
}

type slotEntry struct {
	slot chanSlot
	refs int
}

func newAccountSlots() *accountSlots {
	return &accountSlots{entries: make(map[string]*slotEntry)}
}

func (a *accountSlots) forAccount(accountID string) slot {
	return accountSlot{slots: a, accountID: accountID}
}

func (a *accountSlots) acquire(ctx context.Context, accountID string) error {
	a.mu.Lock()
	entry, ok := a.entries[accountID]
	if !ok {
		entry = &slotEntry{slot: newChanSlot()}
		a.entries[accountID] = entry
	}
	entry.refs++
	a.mu.Unlock()

	if err := entry.slot.acquire(ctx); err != nil {
		a.unref(accountID, entry)
		return err
	}
	return nil
}

func (a *accountSlots) release(accountID string) {
	a.mu.Lock()
	entry := a.entries[accountID]
	a.mu.Unlock()

	entry.slot.release()
	a.unref(accountID, entry)
}

func (a *accountSlots) unref(accountID string, entry *slotEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(a.entries, accountID)
	}
}

func (a *accountSlots) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// accountSlot is one account's view of accountSlots.
type accountSlot struct {
	slots     *accountSlots
	accountID string
}

func (s accountSlot) acquire(ctx context.Context) error {
	return s.slots.acquire(ctx, s.accountID)
}

func (s accountSlot) release() {
	s.slots.release(s.accountID)
}
