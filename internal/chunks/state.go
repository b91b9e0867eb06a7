package chunks

import "sort"

// Status is the coarse state of an upload session.
type Status int

const (
	Pending Status = iota
	ReadyToAssemble
)

func (s Status) String() string {
	if s == ReadyToAssemble {
		return "ready"
	}
	return "pending"
}

// State is derived from the set of chunk indices present on disk. It is
// recomputed from a fresh listing every time and never cached.
type State struct {
	Total      int
	Received   int
	Missing    []int
	Unexpected []int
}

// Complete reports whether exactly the indices 0..Total-1 are present.
func (s State) Complete() bool {
	return s.Total > 0 && len(s.Missing) == 0 && len(s.Unexpected) == 0
}

// Status maps the state onto Pending or ReadyToAssemble.
func (s State) Status() Status {
	if s.Complete() {
		return ReadyToAssemble
	}
	return Pending
}

// Evaluate compares the listed indices with the declared total. Completion
// is decided by the set of indices, not their count: {0,1,2,3,3} with a
// total of 5 is missing index 4.
func Evaluate(total int, indices []int) State {
	st := State{Total: total}
	seen := make(map[int]bool, len(indices))
	for _, i := range indices {
		if seen[i] {
			continue
		}
		seen[i] = true
		if i < 0 || i >= total {
			st.Unexpected = append(st.Unexpected, i)
			continue
		}
		st.Received++
	}
	for i := 0; i < total; i++ {
		if !seen[i] {
			st.Missing = append(st.Missing, i)
		}
	}
	sort.Ints(st.Unexpected)
	return st
}
