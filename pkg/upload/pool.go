package upload

import (
    "errors"
    "sync"

    "go.uber.org/zap"

    "github.com/amirimatin/go-filechain/pkg/internal/logutil"
)

var (
    ErrPoolFull   = errors.New("upload: worker pool queue is full")
    ErrPoolClosed = errors.New("upload: worker pool is closed")
)

// Pool runs submitted tasks on a fixed number of workers. At most Queue tasks
// wait for a worker; Submit rejects work beyond that instead of blocking.
type Pool struct {
    log   *zap.Logger
    tasks chan func()
    wg    sync.WaitGroup

    mu     sync.RWMutex
    closed bool
}

// NewPool starts workers goroutines with a wait queue of queue tasks.
func NewPool(workers, queue int, log *zap.Logger) *Pool {
    if workers <= 0 { workers = 1 }
    if queue < 0 { queue = 0 }
    p := &Pool{log: logutil.Or(log), tasks: make(chan func(), queue)}
    p.wg.Add(workers)
    for i := 0; i < workers; i++ {
        go p.worker()
    }
    return p
}

func (p *Pool) worker() {
    defer p.wg.Done()
    for task := range p.tasks {
        p.run(task)
    }
}

func (p *Pool) run(task func()) {
    defer func() {
        if r := recover(); r != nil {
            logutil.Errorf(p.log, "upload: pool task panicked: %v", r)
        }
    }()
    task()
}

// Submit queues task, or returns ErrPoolFull when every worker is busy and
// the wait queue is at capacity.
func (p *Pool) Submit(task func()) error {
    p.mu.RLock()
    defer p.mu.RUnlock()
    if p.closed { return ErrPoolClosed }
    select {
    case p.tasks <- task:
        return nil
    default:
        return ErrPoolFull
    }
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Close() {
    p.mu.Lock()
    if p.closed {
        p.mu.Unlock()
        return
    }
    p.closed = true
    close(p.tasks)
    p.mu.Unlock()
    p.wg.Wait()
}
