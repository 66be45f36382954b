package chunkdiff

// Pending is the handle of a diff started with DiffAsync.
//
// The change set is only available through Wait; there is no way to read it
// before the diff has finished.
type Pending struct {
	done     chan struct{}
	cs       *ChangeSet
	err      error
	panicVal any
	panicked bool
}

func (p *Pending) run(fn func() (*ChangeSet, error)) {
	defer close(p.done)
	defer func() {
		if r := recover(); r != nil {
			p.panicVal, p.panicked = r, true
		}
	}()
	p.cs, p.err = fn()
}

// Done is closed when the diff has finished.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the diff has finished and returns its result. A panic
// raised by the diff is re-raised on the waiting goroutine.
func (p *Pending) Wait() (*ChangeSet, error) {
	<-p.done
	if p.panicked {
		panic(p.panicVal)
	}
	return p.cs, p.err
}
