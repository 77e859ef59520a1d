package lock

import "sync"

// ProjectLocks serializes writers per project. Different projects never
// contend. Entries are reference counted and dropped when idle.
type ProjectLocks struct {
	mu    sync.Mutex
	locks map[int64]*projectEntry
}

type projectEntry struct {
	mu   sync.Mutex
	refs int
}

func NewProjectLocks() *ProjectLocks {
	return &ProjectLocks{locks: make(map[int64]*projectEntry)}
}

// Lock blocks until the caller is the only writer of projectID and returns
// the matching unlock function.
func (p *ProjectLocks) Lock(projectID int64) func() {
	p.mu.Lock()
	e, ok := p.locks[projectID]
	if !ok {
		e = &projectEntry{}
		p.locks[projectID] = e
	}
	e.refs++
	p.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			p.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(p.locks, projectID)
			}
			p.mu.Unlock()
		})
	}
}

// Held returns the number of projects with a writer or waiter.
func (p *ProjectLocks) Held() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
