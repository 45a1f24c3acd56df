package service

import (
	"fmt"
	"sync"
)

// portAllocator hands out local forward ports from a private range. Ports
// stay reserved until released so two sessions never race for the same
// forward.
type portAllocator struct {
	mu    sync.Mutex
	min   int
	max   int
	next  int
	inUse map[int]bool
}

func newPortAllocator(min, max int) *portAllocator {
	return &portAllocator{min: min, max: max, next: min, inUse: make(map[int]bool)}
}

func (a *portAllocator) acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i <= a.max-a.min; i++ {
		port := a.next
		a.next++
		if a.next > a.max {
			a.next = a.min
		}
		if !a.inUse[port] {
			a.inUse[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free forward port in %d-%d", a.min, a.max)
}

func (a *portAllocator) release(port int) {
	a.mu.Lock()
	delete(a.inUse, port)
	a.mu.Unlock()
}
