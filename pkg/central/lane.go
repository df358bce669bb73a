package central

import "context"

// lane admits one GATT transaction at a time for a device link. Waiting is
// abandoned when ctx ends, abort fires or the lane is retired; a holder
// releases only after its platform call has returned.
//
// A lane belongs to one link. When the link drops the slot retires it and
// installs a fresh one, so a call stuck in the platform on the old link does
// not hold up the reconnect.
type lane struct {
	ch      chan struct{}
	retired chan struct{}
}

func newLane() *lane {
	return &lane{ch: make(chan struct{}, 1), retired: make(chan struct{})}
}

func (l *lane) acquire(ctx context.Context, abort <-chan struct{}) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-abort:
		return errLaneAborted
	case <-l.retired:
		return errLaneAborted
	}
}

func (l *lane) release() {
	<-l.ch
}

// retire must be called once, with the owning slot's mu held.
func (l *lane) retire() {
	close(l.retired)
}
