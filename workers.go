/* Worker pool is a pool of go-routines running callbacks for a server. Every
callback keyed by the same peer is hashed into the same worker, so it runs
in-order from that peer's perspective. */
package treenet

import (
	"sync"
)

type workerFunc func()

// WorkerPool is a fixed set of workers each draining its own channel.
type WorkerPool struct {
	workers   []*worker
	closeChan chan struct{}
	wg        sync.WaitGroup

	mu     sync.RWMutex // guards following
	closed bool
}

// NewWorkerPool starts vol workers. vol is rounded up to a power of two so the
// hash can be masked.
func NewWorkerPool(vol int) *WorkerPool {
	if vol <= 0 {
		vol = defaultWorkersNum
	}
	n := 1
	for n < vol {
		n <<= 1
	}

	pool := &WorkerPool{
		workers:   make([]*worker, n),
		closeChan: make(chan struct{}),
	}
	for i := range pool.workers {
		pool.workers[i] = newWorker(i, workerQueueSize, pool.closeChan, &pool.wg)
	}
	return pool
}

// Put queues cb on the worker owning k. It returns ErrWouldBlock when that
// worker's queue is full and ErrServerClosed after Close.
func (wp *WorkerPool) Put(k PeerKey, cb func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return ErrServerClosed
	}
	code := k.hashCode()
	return wp.workers[code&uint32(len(wp.workers)-1)].put(workerFunc(cb))
}

// Size returns the number of workers.
func (wp *WorkerPool) Size() int {
	return len(wp.workers)
}

// Close stops the workers after they have run every callback already queued,
// and waits for them.
func (wp *WorkerPool) Close() {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	close(wp.closeChan)
	wp.mu.Unlock()
	wp.wg.Wait()
}

type worker struct {
	index        int
	callbackChan chan workerFunc
	closeChan    chan struct{}
}

func newWorker(i int, c int, closeChan chan struct{}, wg *sync.WaitGroup) *worker {
	w := &worker{
		index:        i,
		callbackChan: make(chan workerFunc, c),
		closeChan:    closeChan,
	}
	wg.Add(1)
	go w.start(wg)
	return w
}

func (w *worker) start(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-w.closeChan:
			for {
				select {
				case cb := <-w.callbackChan:
					w.run(cb)
				default:
					return
				}
			}
		case cb := <-w.callbackChan:
			w.run(cb)
		}
	}
}

func (w *worker) run(cb workerFunc) {
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("worker %d panics: %v", w.index, p)
		}
	}()
	cb()
}

func (w *worker) put(cb workerFunc) error {
	select {
	case w.callbackChan <- cb:
		return nil
	default:
		return ErrWouldBlock
	}
}
