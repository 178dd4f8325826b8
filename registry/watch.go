// Watch streams per spec.md §4.7 and §9's Design Notes: composed from
// the change broadcaster plus a re-read on every matching event, never
// carrying a value diff through the bus itself.
package registry

import (
	"github.com/andfish/truckdb/changebus"
	"github.com/andfish/truckdb/codec"
)

// TagUpdate is one observation of (truckID, box, tag)'s value: either
// its value at subscription time, or its value immediately after a
// change event that could have affected it. Ok is false once the tag
// has been deleted.
type TagUpdate struct {
	Value codec.Value
	Ok    bool
}

// BoxUpdate is one full-box snapshot, taken at subscription time and
// again after every change event affecting the box.
type BoxUpdate struct {
	Entries map[string]codec.Value
}

func tagAffected(evt changebus.Event, box, tag string) bool {
	if evt.BoxID != box {
		return false
	}
	switch evt.Op {
	case changebus.OpDeleteBox:
		return true
	case changebus.OpBatch:
		_, ok := evt.Entries[tag]
		return ok
	default:
		return evt.Tag == tag
	}
}

// Watch yields the current value of (truckID, box, tag), then a fresh
// value every time a change event affects it: a direct write/removal of
// the tag, a batch that includes it, or a box-wide delete. Call the
// returned function to stop watching and release the subscription.
func (r *Registry) Watch(truckID, box, tag string) (<-chan TagUpdate, func(), error) {
	if _, err := r.resolve(truckID); err != nil {
		return nil, nil, err
	}
	raw, unsubscribe := r.bus.Subscribe()
	out := make(chan TagUpdate, changebus.DefaultSubscriberBuffer)
	stop := make(chan struct{})

	emit := func() {
		v, ok, err := r.Get(truckID, box, tag)
		if err != nil {
			return
		}
		select {
		case out <- TagUpdate{Value: v, Ok: ok}:
		default:
		}
	}

	go func() {
		defer close(out)
		emit()
		for {
			select {
			case <-stop:
				return
			case evt, chOk := <-raw:
				if !chOk {
					return
				}
				if evt.TruckID != truckID {
					continue
				}
				if tagAffected(evt, box, tag) {
					emit()
				}
			}
		}
	}()

	cancel := func() {
		close(stop)
		unsubscribe()
	}
	return out, cancel, nil
}

// WatchBox yields a full snapshot of (truckID, box), then a fresh
// snapshot every time any change event touches the box.
func (r *Registry) WatchBox(truckID, box string) (<-chan BoxUpdate, func(), error) {
	if _, err := r.resolve(truckID); err != nil {
		return nil, nil, err
	}
	raw, unsubscribe := r.bus.Subscribe()
	out := make(chan BoxUpdate, changebus.DefaultSubscriberBuffer)
	stop := make(chan struct{})

	emit := func() {
		entries, err := r.ReadBox(truckID, box)
		if err != nil {
			return
		}
		select {
		case out <- BoxUpdate{Entries: entries}:
		default:
		}
	}

	go func() {
		defer close(out)
		emit()
		for {
			select {
			case <-stop:
				return
			case evt, chOk := <-raw:
				if !chOk {
					return
				}
				if evt.TruckID != truckID || evt.BoxID != box {
					continue
				}
				emit()
			}
		}
	}()

	cancel := func() {
		close(stop)
		unsubscribe()
	}
	return out, cancel, nil
}
