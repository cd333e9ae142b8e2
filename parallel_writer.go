package zipcore

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// ScatterBackingStore is the minimal contract a scatter stream's temporary
// storage must satisfy (§3 "Backing stores ... destroyed when it closes").
type ScatterBackingStore interface {
	io.ReadWriteSeeker
	io.Closer
}

// TempBackingStoreSupplier creates a fresh backing store for one scatter
// stream, e.g. a temp file under a caller-controlled path (§6 "Persisted
// state", §5 "Temp files (backing stores)").
type TempBackingStoreSupplier func() (ScatterBackingStore, error)

// DefaultTempBackingStoreSupplier returns a supplier that creates
// collision-free temp files under dir ("" meaning the OS default temp
// directory), named with a random uuid to avoid any cross-worker
// collision (§5 "each worker has exclusive access to its own ... backing
// store").
func DefaultTempBackingStoreSupplier(dir string) TempBackingStoreSupplier {
	return func() (ScatterBackingStore, error) {
		return os.CreateTemp(dir, "zipcore-scatter-"+uuid.NewString()+"-*.tmp")
	}
}

// scatterResult is one buffered, already-compressed entry recorded by a
// scatter stream in the order its compression finished on that worker
// (§3 "ordered by completion within that worker").
type scatterResult struct {
	entry  *Entry
	offset int64
	length int64
}

// scatterStream owns one backing store and a dedicated Writer, both
// exclusive to a single worker goroutine for its lifetime (§5 "each
// worker has exclusive access to its own scatter stream and backing
// store"). The Writer is never Finish()ed; it exists purely to reuse the
// local-header + compression logic entry by entry, and the backing store
// is read back directly for the gather pass.
type scatterStream struct {
	store   ScatterBackingStore
	writer  *Writer
	results []scatterResult
}

func newScatterStream(supplier TempBackingStoreSupplier, opts WriterOptions) (*scatterStream, error) {
	store, err := supplier()
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(store, opts)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &scatterStream{store: store, writer: w}, nil
}

// add compresses r's content as e's body through the scatter stream's
// Writer and records where the compressed bytes landed so the gather pass
// can read them back verbatim.
func (s *scatterStream) add(e *Entry, r io.Reader) error {
	if err := s.writer.CreateEntry(e); err != nil {
		return err
	}
	dataStart := s.writer.offset
	if _, err := io.Copy(s.writer, r); err != nil {
		return err
	}
	if err := s.writer.CloseEntry(); err != nil {
		return err
	}
	s.results = append(s.results, scatterResult{entry: e, offset: dataStart, length: e.CompressedSize})
	return nil
}

func (s *scatterStream) close() error { return s.store.Close() }

// parallelTask is one compression job awaiting a worker, carrying the
// entry template and a supplier for its uncompressed content opened on
// whichever worker picks the task up (§5 "The input supplier is opened on
// the worker thread").
type parallelTask struct {
	entry *Entry
	open  func() (io.Reader, error)
}

// ParallelWriter is the scatter/gather parallel writer of §4.J: a fixed
// pool of worker goroutines, each lazily owning one scatterStream, feeding
// a single gather pass at WriteTo (§5 "multiple worker threads").
type ParallelWriter struct {
	opts     WriterOptions
	supplier TempBackingStoreSupplier

	tasks chan *parallelTask
	group *errgroup.Group
	ctx   context.Context

	streamsMu sync.Mutex
	streams   []*scatterStream

	errMu sync.Mutex
	err   *multierror.Error

	mu     sync.Mutex
	closed bool
}

// NewParallelWriter starts numWorkers persistent worker goroutines that
// share the task queue; each creates its own scatterStream from supplier
// on first use. A nil supplier defaults to collision-free OS temp files.
func NewParallelWriter(numWorkers int, opts WriterOptions, supplier TempBackingStoreSupplier) *ParallelWriter {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if supplier == nil {
		supplier = DefaultTempBackingStoreSupplier("")
	}
	group, ctx := errgroup.WithContext(context.Background())
	pw := &ParallelWriter{
		opts:     opts,
		supplier: supplier,
		tasks:    make(chan *parallelTask),
		group:    group,
		ctx:      ctx,
	}
	for i := 0; i < numWorkers; i++ {
		group.Go(pw.runWorker)
	}
	return pw
}

// runWorker drains the shared task queue until it is closed, using one
// scatterStream for every task it handles. Once pw.ctx is cancelled (a
// sibling worker's task failed), any task still sitting in the queue when
// this worker reaches it is skipped rather than started, while a task
// already in flight always runs to completion (§5 "must cancel any still-
// queued tasks after awaiting in-flight ones").
func (pw *ParallelWriter) runWorker() error {
	var stream *scatterStream
	defer func() {
		if stream != nil {
			pw.streamsMu.Lock()
			pw.streams = append(pw.streams, stream)
			pw.streamsMu.Unlock()
		}
	}()

	for task := range pw.tasks {
		if pw.ctx.Err() != nil {
			continue
		}
		if stream == nil {
			s, err := newScatterStream(pw.supplier, pw.opts)
			if err != nil {
				pw.recordError(err)
				return err
			}
			stream = s
		}
		r, err := task.open()
		if err != nil {
			pw.recordError(err)
			continue
		}
		addErr := stream.add(task.entry, r)
		if rc, ok := r.(io.Closer); ok {
			rc.Close()
		}
		if addErr != nil {
			pw.recordError(addErr)
			return addErr
		}
	}
	return nil
}

func (pw *ParallelWriter) recordError(err error) {
	pw.errMu.Lock()
	pw.err = multierror.Append(pw.err, err)
	pw.errMu.Unlock()
}

// Add enqueues one compression job (§4.J "add(entry, input_supplier)").
// opener is called on whichever worker picks the task up, which may
// differ from the caller (§5). Add itself is meant to be called from a
// single client thread, matching the source contract.
func (pw *ParallelWriter) Add(e *Entry, opener func() (io.Reader, error)) error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.closed {
		return fmt.Errorf("zipcore: %w: parallel writer is already joined", ErrBadArgument)
	}
	select {
	case pw.tasks <- &parallelTask{entry: e, open: opener}:
		return nil
	case <-pw.ctx.Done():
		return fmt.Errorf("zipcore: parallel writer cancelled: %w", pw.ctx.Err())
	}
}

// AddReader is a convenience over Add for content already available as an
// io.Reader, with no per-task open step.
func (pw *ParallelWriter) AddReader(e *Entry, r io.Reader) error {
	return pw.Add(e, func() (io.Reader, error) { return r, nil })
}

// WriteTo awaits all in-flight tasks, then gathers every worker's
// scattered entries into sink via AddRawEntry, interleaved by worker and
// then by intra-worker completion order (§4.J "join"). Every backing
// store is closed before WriteTo returns, regardless of outcome (§5
// "finally").
func (pw *ParallelWriter) WriteTo(sink *Writer) error {
	pw.mu.Lock()
	if pw.closed {
		pw.mu.Unlock()
		return fmt.Errorf("zipcore: %w: parallel writer already joined", ErrBadArgument)
	}
	pw.closed = true
	close(pw.tasks)
	pw.mu.Unlock()

	groupErr := pw.group.Wait()
	defer func() {
		for _, s := range pw.streams {
			s.close()
		}
	}()

	pw.errMu.Lock()
	taskErr := pw.err.ErrorOrNil()
	pw.errMu.Unlock()
	switch {
	case taskErr != nil:
		return taskErr
	case groupErr != nil:
		return groupErr
	}

	for _, s := range pw.streams {
		for _, res := range s.results {
			if _, err := s.store.Seek(res.offset, io.SeekStart); err != nil {
				return err
			}
			if err := sink.AddRawEntry(res.entry, io.LimitReader(s.store, res.length)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Cancel abandons the pool without gathering: it stops accepting new
// tasks, lets any in-flight task finish, discards any still queued, and
// closes every backing store. Use this instead of WriteTo when the
// archive is being abandoned after an unrecoverable error.
func (pw *ParallelWriter) Cancel() {
	pw.mu.Lock()
	if !pw.closed {
		pw.closed = true
		close(pw.tasks)
	}
	pw.mu.Unlock()

	pw.group.Wait()
	for _, s := range pw.streams {
		s.close()
	}
}
