// Package worker gives each Truck a dedicated goroutine reached through a
// request/response channel, per spec.md §4.6. Grounded on And-fish-kvDB's
// db.runWrite (a single consumer goroutine draining a request channel,
// each request carrying its own completion signal) adapted so every
// request carries its own reply channel instead of a shared WaitGroup:
// in idiomatic Go the reply channel already is the "pending correlation
// id → completion slot" the spec describes, with no separate map needed.
package worker

import (
	"sync"
	"time"

	"github.com/andfish/truckdb/codec"
	"github.com/andfish/truckdb/config"
	"github.com/andfish/truckdb/dberr"
	"github.com/andfish/truckdb/obslog"
	"github.com/andfish/truckdb/truck"
)

type command int

const (
	cmdWrite command = iota
	cmdPutCAS
	cmdRead
	cmdBatch
	cmdReadBox
	cmdQuery
	cmdRemoveTag
	cmdRemoveBox
	cmdCompact
	cmdContains
	cmdGetAllBoxes
	cmdClose
)

type result struct {
	value any
	err   error
}

// request is one command bound for the worker's truck. reply is nil for
// fire-and-forget sends: the worker still executes the command, in
// order, but nobody waits on its outcome.
type request struct {
	cmd command

	box, tag string
	value    codec.Value
	sync     bool

	casField    string
	casExpected any

	entries map[string]codec.Value

	field, prefix string

	reply chan result
}

const defaultTimeout = 30 * time.Second
const reqBuffer = 16

// TruckWorker owns one Truck's I/O handles and in-memory state on a
// dedicated goroutine. Every exported method is safe to call from any
// goroutine; commands are served strictly in the order they arrive.
//
// closedMu guards the closed flag together with the send onto reqCh, so
// a send can never race a Close that has already stopped the worker
// goroutine (a plain atomic flag checked before the send would leave a
// window where the goroutine had already exited and the channel had
// been closed, i.e. Close is a write-lock that "wins" the race).
type TruckWorker struct {
	id       string
	reqCh    chan *request
	timeout  time.Duration
	closedMu sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
}

// Spawn opens the named truck and starts its worker goroutine.
func Spawn(rootPath, id string, opts config.Options, obs obslog.Observer) (*TruckWorker, error) {
	tr, err := truck.Open(rootPath, id, opts, obs)
	if err != nil {
		return nil, err
	}
	timeout := opts.WorkerTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	w := &TruckWorker{
		id:      id,
		reqCh:   make(chan *request, reqBuffer),
		timeout: timeout,
	}
	w.wg.Add(1)
	go w.run(tr)
	return w, nil
}

func (w *TruckWorker) run(tr *truck.Truck) {
	defer w.wg.Done()
	for req := range w.reqCh {
		res := w.dispatch(tr, req)
		if req.reply != nil {
			req.reply <- res
		}
		if req.cmd == cmdClose {
			return
		}
	}
}

func (w *TruckWorker) dispatch(tr *truck.Truck, req *request) result {
	switch req.cmd {
	case cmdWrite:
		return result{err: tr.Write(req.box, req.tag, req.value, req.sync)}
	case cmdPutCAS:
		ok, err := tr.PutCAS(req.box, req.tag, req.value, req.casField, req.casExpected, req.sync)
		return result{value: ok, err: err}
	case cmdRead:
		v, ok, err := tr.Read(req.box, req.tag)
		return result{value: readResult{value: v, ok: ok}, err: err}
	case cmdBatch:
		return result{err: tr.Batch(req.box, req.entries)}
	case cmdReadBox:
		return result{value: tr.ReadBox(req.box)}
	case cmdQuery:
		return result{value: tr.Query(req.box, req.field, req.prefix)}
	case cmdRemoveTag:
		return result{err: tr.RemoveTag(req.box, req.tag, req.sync)}
	case cmdRemoveBox:
		return result{err: tr.RemoveBox(req.box, req.sync)}
	case cmdCompact:
		return result{err: tr.Compact()}
	case cmdContains:
		return result{value: tr.Contains(req.box, req.tag)}
	case cmdGetAllBoxes:
		return result{value: tr.GetAllBoxes()}
	case cmdClose:
		return result{err: tr.Close()}
	default:
		return result{err: dberr.ErrNotInitialized}
	}
}

type readResult struct {
	value codec.Value
	ok    bool
}

// send enqueues req under the read lock, so it can never land on reqCh
// after Close has already closed it.
func (w *TruckWorker) send(req *request) error {
	w.closedMu.RLock()
	defer w.closedMu.RUnlock()
	if w.closed {
		return dberr.ErrClosed
	}
	select {
	case w.reqCh <- req:
		return nil
	case <-time.After(w.timeout):
		return dberr.ErrTimeout
	}
}

// call sends req and blocks for a reply, up to the worker's timeout in
// each direction (enqueue and completion) per spec.md §4.6.
func (w *TruckWorker) call(req *request) (any, error) {
	req.reply = make(chan result, 1)
	if err := w.send(req); err != nil {
		return nil, err
	}
	select {
	case res := <-req.reply:
		return res.value, res.err
	case <-time.After(w.timeout):
		// The pending slot is abandoned; a late reply is simply never
		// read (req.reply is buffered, so the worker never blocks on it).
		return nil, dberr.ErrTimeout
	}
}

// cast enqueues req without waiting for the worker to process it.
func (w *TruckWorker) cast(req *request) error {
	return w.send(req)
}

// Write installs value for (box, tag), waiting for the worker's reply.
func (w *TruckWorker) Write(box, tag string, value codec.Value, sync bool) error {
	_, err := w.call(&request{cmd: cmdWrite, box: box, tag: tag, value: value, sync: sync})
	return err
}

// WriteAsync is the fire-and-forget variant of Write: it returns as soon
// as the command is enqueued, without waiting for the worker to run it.
func (w *TruckWorker) WriteAsync(box, tag string, value codec.Value, sync bool) error {
	return w.cast(&request{cmd: cmdWrite, box: box, tag: tag, value: value, sync: sync})
}

// PutCAS performs a compare-and-swap on a single field of (box, tag).
func (w *TruckWorker) PutCAS(box, tag string, value codec.Value, field string, expected any, sync bool) (bool, error) {
	v, err := w.call(&request{cmd: cmdPutCAS, box: box, tag: tag, value: value, casField: field, casExpected: expected, sync: sync})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Read returns the current value for (box, tag).
func (w *TruckWorker) Read(box, tag string) (codec.Value, bool, error) {
	v, err := w.call(&request{cmd: cmdRead, box: box, tag: tag})
	if err != nil {
		return nil, false, err
	}
	rr := v.(readResult)
	return rr.value, rr.ok, nil
}

// Batch commits every entry in one transaction, always durably flushed
// before returning.
func (w *TruckWorker) Batch(box string, entries map[string]codec.Value) error {
	_, err := w.call(&request{cmd: cmdBatch, box: box, entries: entries})
	return err
}

// ReadBox returns every live tag under box.
func (w *TruckWorker) ReadBox(box string) (map[string]codec.Value, error) {
	v, err := w.call(&request{cmd: cmdReadBox, box: box})
	if err != nil {
		return nil, err
	}
	return v.(map[string]codec.Value), nil
}

// Query returns the values of every live tag under box whose value at
// field starts with prefix.
func (w *TruckWorker) Query(box, field, prefix string) ([]codec.Value, error) {
	v, err := w.call(&request{cmd: cmdQuery, box: box, field: field, prefix: prefix})
	if err != nil {
		return nil, err
	}
	return v.([]codec.Value), nil
}

// RemoveTag tombstones (box, tag).
func (w *TruckWorker) RemoveTag(box, tag string, sync bool) error {
	_, err := w.call(&request{cmd: cmdRemoveTag, box: box, tag: tag, sync: sync})
	return err
}

// RemoveTagAsync is the fire-and-forget variant of RemoveTag.
func (w *TruckWorker) RemoveTagAsync(box, tag string, sync bool) error {
	return w.cast(&request{cmd: cmdRemoveTag, box: box, tag: tag, sync: sync})
}

// RemoveBox tombstones every live tag under box.
func (w *TruckWorker) RemoveBox(box string, sync bool) error {
	_, err := w.call(&request{cmd: cmdRemoveBox, box: box, sync: sync})
	return err
}

// RemoveBoxAsync is the fire-and-forget variant of RemoveBox.
func (w *TruckWorker) RemoveBoxAsync(box string, sync bool) error {
	return w.cast(&request{cmd: cmdRemoveBox, box: box, sync: sync})
}

// Compact runs the rewrite-and-swap compaction procedure.
func (w *TruckWorker) Compact() error {
	_, err := w.call(&request{cmd: cmdCompact})
	return err
}

// Contains reports whether (box, tag) currently resolves to a live value.
func (w *TruckWorker) Contains(box, tag string) (bool, error) {
	v, err := w.call(&request{cmd: cmdContains, box: box, tag: tag})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// GetAllBoxes lists every box id currently present.
func (w *TruckWorker) GetAllBoxes() ([]string, error) {
	v, err := w.call(&request{cmd: cmdGetAllBoxes})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// Close flushes and closes the underlying truck, then stops the worker
// goroutine. Safe to call more than once.
func (w *TruckWorker) Close() error {
	w.closedMu.Lock()
	if w.closed {
		w.closedMu.Unlock()
		return nil
	}
	w.closed = true
	reply := make(chan result, 1)
	sendErr := func() error {
		select {
		case w.reqCh <- &request{cmd: cmdClose, reply: reply}:
			return nil
		case <-time.After(w.timeout):
			return dberr.ErrTimeout
		}
	}()
	w.closedMu.Unlock()
	if sendErr != nil {
		return sendErr
	}

	var res result
	select {
	case res = <-reply:
	case <-time.After(w.timeout):
		res.err = dberr.ErrTimeout
	}
	close(w.reqCh)
	w.wg.Wait()
	return res.err
}

// ID returns the truck id this worker owns.
func (w *TruckWorker) ID() string { return w.id }
