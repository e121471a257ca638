package interceptor

import "sync"

// threadState is owned by one OS thread. The mutex is uncontended on the
// interposer path; it only matters when a caller reuses a thread id from
// several goroutines.
type threadState struct {
	mu    sync.Mutex
	depth int
	seq   uint64
}

// guard tracks the nesting depth and event order of each thread.
type guard struct {
	threads sync.Map // tid -> *threadState
}

func (g *guard) state(tid int) *threadState {
	if v, ok := g.threads.Load(tid); ok {
		return v.(*threadState)
	}
	v, _ := g.threads.LoadOrStore(tid, &threadState{})
	return v.(*threadState)
}

// enter increments the depth of tid and returns the depth before the call.
func (g *guard) enter(tid int) int {
	st := g.state(tid)
	st.mu.Lock()
	d := st.depth
	st.depth++
	st.mu.Unlock()
	return d
}

func (g *guard) exit(tid int) {
	st := g.state(tid)
	st.mu.Lock()
	if st.depth > 0 {
		st.depth--
	}
	st.mu.Unlock()
}

// next returns the next per-thread sequence number, starting at 1.
func (g *guard) next(tid int) uint64 {
	st := g.state(tid)
	st.mu.Lock()
	st.seq++
	n := st.seq
	st.mu.Unlock()
	return n
}

func (g *guard) depth(tid int) int {
	st := g.state(tid)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.depth
}

// forget drops the state of an exited thread.
func (g *guard) forget(tid int) {
	g.threads.Delete(tid)
}
