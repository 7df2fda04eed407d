package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/RandomX-Engine/randomx"
)

// Common errors for pool operations
var (
	ErrPoolClosed = errors.New("worker pool is shut down")
	ErrQueueFull  = errors.New("task queue is full")
	ErrNoVMs      = errors.New("worker pool needs at least one vm")
)

// Task is one unit of hashing work. A task with several inputs is hashed
// with the pipelined batch call on a single VM.
type Task struct {
	ID        string
	Inputs    [][]byte
	CreatedAt time.Time
	Ctx       context.Context

	done chan *Result
}

// NewTask creates a new task with default values.
func NewTask(id string, inputs ...[]byte) *Task {
	return &Task{
		ID:        id,
		Inputs:    inputs,
		CreatedAt: time.Now(),
		Ctx:       context.Background(),
	}
}

// Result represents the result of task processing.
type Result struct {
	TaskID   string
	Success  bool
	Hashes   []randomx.Hash
	Error    error
	Duration time.Duration
	WorkerID int
}

// PoolStats contains worker pool statistics.
type PoolStats struct {
	Name        string  `json:"name"`
	Workers     int     `json:"workers"`
	Active      int64   `json:"active"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	Pending     int     `json:"pending"`
	SuccessRate float64 `json:"success_rate"`
}

// Pool runs one worker goroutine per VM. A VM is only ever touched by its
// worker, which is what makes sharing a Pool between goroutines safe.
type Pool struct {
	name       string
	vms        []*randomx.VM
	taskChan   chan *Task
	resultChan chan *Result
	wg         sync.WaitGroup

	// Atomic counters for thread-safe statistics
	active    int64
	completed int64
	failed    int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex

	// Tasks queued or running, for Drain.
	flightMu sync.Mutex
	idle     *sync.Cond
	inflight int
	exited   bool
}

// NewPool starts a pool that owns vms. The pool closes them on shutdown.
func NewPool(name string, vms []*randomx.VM) (*Pool, error) {
	if len(vms) == 0 {
		return nil, ErrNoVMs
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		name:       name,
		vms:        vms,
		taskChan:   make(chan *Task, len(vms)*100), // buffered channel
		resultChan: make(chan *Result, len(vms)*100),
		ctx:        ctx,
		cancel:     cancel,
		running:    true,
	}
	pool.idle = sync.NewCond(&pool.flightMu)

	for i, vm := range vms {
		pool.wg.Add(1)
		go pool.worker(i, vm)
	}

	return pool, nil
}

func (p *Pool) worker(id int, vm *randomx.VM) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.taskChan:
			p.processTask(id, vm, task)
		}
	}
}

func (p *Pool) processTask(workerID int, vm *randomx.VM, task *Task) {
	defer p.untrack()
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	start := time.Now()

	result := &Result{
		TaskID:   task.ID,
		WorkerID: workerID,
	}

	// Panic recovery to prevent one task from crashing the entire pool
	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Hashes = nil
			result.Error = fmt.Errorf("panic in task processing: %v", r)
			result.Duration = time.Since(start)
			atomic.AddInt64(&p.failed, 1)
			p.sendResult(task, result)
		}
	}()

	if task.Ctx != nil {
		if err := task.Ctx.Err(); err != nil {
			result.Error = err
			result.Duration = time.Since(start)
			atomic.AddInt64(&p.failed, 1)
			p.sendResult(task, result)
			return
		}
	}

	switch len(task.Inputs) {
	case 0:
		result.Error = errors.New("task has no inputs")
	case 1:
		var h randomx.Hash
		h, result.Error = vm.Hash(task.Inputs[0])
		if result.Error == nil {
			result.Hashes = []randomx.Hash{h}
		}
	default:
		result.Hashes, result.Error = vm.HashBatch(task.Inputs)
	}
	result.Success = result.Error == nil
	result.Duration = time.Since(start)

	if result.Success {
		atomic.AddInt64(&p.completed, 1)
	} else {
		atomic.AddInt64(&p.failed, 1)
	}

	p.sendResult(task, result)
}

// sendResult delivers to the waiting caller, or to the shared result
// channel (non-blocking) for fire-and-forget tasks.
func (p *Pool) sendResult(task *Task, result *Result) {
	if task.done != nil {
		task.done <- result
		return
	}
	select {
	case p.resultChan <- result:
	default:
		// Channel full, result dropped (caller should consume results)
	}
}

// Submit adds a task to the queue without blocking. Its result is delivered
// on Results.
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return ErrPoolClosed
	}

	p.track()
	select {
	case p.taskChan <- task:
		return nil
	default:
		p.untrack()
		return ErrQueueFull
	}
}

// SubmitAndWait queues a task, waiting for queue space if needed, and
// blocks until its result is ready or ctx is done.
func (p *Pool) SubmitAndWait(ctx context.Context, task *Task) (*Result, error) {
	if !p.IsRunning() {
		return nil, ErrPoolClosed
	}
	if task.Ctx == nil {
		task.Ctx = ctx
	}
	task.done = make(chan *Result, 1)

	p.track()
	select {
	case p.taskChan <- task:
	case <-ctx.Done():
		p.untrack()
		return nil, ctx.Err()
	case <-p.ctx.Done():
		p.untrack()
		return nil, ErrPoolClosed
	}

	// Returning early on ctx abandons the result, not the task: the worker
	// keeps its VM until the hash finishes. Drain waits for that.

	select {
	case result := <-task.done:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, ErrPoolClosed
	}
}

// HashAll splits inputs into one contiguous chunk per worker, hashes the
// chunks concurrently and returns the hashes in input order.
func (p *Pool) HashAll(ctx context.Context, idPrefix string, inputs [][]byte) ([]randomx.Hash, error) {
	out := make([]randomx.Hash, len(inputs))
	if len(inputs) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range randomx.PartitionItems(uint64(len(inputs)), len(p.vms)) {
		lo, hi := int(r.Start), int(r.End())
		g.Go(func() error {
			task := NewTask(fmt.Sprintf("%s/%d", idPrefix, i), inputs[lo:hi]...)
			task.Ctx = gctx
			res, err := p.SubmitAndWait(gctx, task)
			if err != nil {
				return err
			}
			if !res.Success {
				return res.Error
			}
			copy(out[lo:hi], res.Hashes)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Results returns the result channel for tasks queued with Submit.
func (p *Pool) Results() <-chan *Result {
	return p.resultChan
}

// GetStats returns current worker pool statistics.
func (p *Pool) GetStats() PoolStats {
	completed := atomic.LoadInt64(&p.completed)
	failed := atomic.LoadInt64(&p.failed)
	total := completed + failed

	var successRate float64
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	return PoolStats{
		Name:        p.name,
		Workers:     len(p.vms),
		Active:      atomic.LoadInt64(&p.active),
		Completed:   completed,
		Failed:      failed,
		Pending:     len(p.taskChan),
		SuccessRate: successRate,
	}
}

func (p *Pool) track() {
	p.flightMu.Lock()
	p.inflight++
	p.flightMu.Unlock()
}

func (p *Pool) untrack() {
	p.flightMu.Lock()
	p.inflight--
	if p.inflight == 0 {
		p.idle.Broadcast()
	}
	p.flightMu.Unlock()
}

func (p *Pool) markExited() {
	p.flightMu.Lock()
	p.exited = true
	p.idle.Broadcast()
	p.flightMu.Unlock()
}

// Drain blocks until no task is queued or running, including tasks whose
// callers gave up waiting. It returns at once after the workers have
// exited. Drain does not stop new submissions; callers that need the VMs
// to themselves must hold off their own submitters first.
func (p *Pool) Drain() {
	p.flightMu.Lock()
	defer p.flightMu.Unlock()
	for p.inflight > 0 && !p.exited {
		p.idle.Wait()
	}
}

// eachVM calls fn for every VM in worker order. The caller must guarantee
// no task is in flight, usually by calling Drain with submitters blocked.
func (p *Pool) eachVM(fn func(*randomx.VM) error) error {
	for _, vm := range p.vms {
		if err := fn(vm); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return false
	}
	p.running = false
	p.cancel()
	return true
}

func (p *Pool) closeVMs() {
	for _, vm := range p.vms {
		_ = vm.Close()
	}
}

// Shutdown stops the workers, waits for the running tasks and closes the
// VMs. Queued tasks are discarded.
func (p *Pool) Shutdown() {
	if !p.stop() {
		return
	}
	p.wg.Wait()
	p.markExited()
	close(p.resultChan)
	p.closeVMs()
}

// ShutdownWithTimeout shuts down with a timeout. On timeout the VMs are
// closed in the background once the last task finishes.
func (p *Pool) ShutdownWithTimeout(timeout time.Duration) error {
	if !p.stop() {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.markExited()
		close(p.resultChan)
		p.closeVMs()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("shutdown timeout")
	}
}

// IsRunning returns true if the pool is still accepting tasks.
func (p *Pool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}
