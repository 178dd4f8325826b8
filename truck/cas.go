// Compare-and-swap per spec.md §4.5.6. Grounded on And-fish-kvDB's
// db.go writeToLSM/Set pattern of reading current state, deciding, then
// writing under the same struct's lock so the whole sequence is
// linearizable with respect to any other operation on the same truck.
package truck

import (
	"reflect"

	"github.com/andfish/truckdb/codec"
	"github.com/andfish/truckdb/dberr"
)

// PutCAS writes newValue for (box, tag) iff the current record's field
// matches expected. Returns true and commits the write on match, false
// and no side effect otherwise. Linearizable because it runs entirely
// under t.mu.
func (t *Truck) PutCAS(box, tag string, newValue codec.Value, field string, expected any, sync bool) (bool, error) {
	if box == SysBox {
		return false, dberr.ErrReservedBox
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureOpenLocked(); err != nil {
		return false, err
	}

	cur, ok := t.readLocked(box, tag)
	var currentField any
	if ok {
		currentField = cur[field]
	}
	if !reflect.DeepEqual(currentField, expected) {
		return false, nil
	}

	if err := t.stageWriteLocked(box, tag, newValue, sync); err != nil {
		return false, err
	}
	return true, nil
}
