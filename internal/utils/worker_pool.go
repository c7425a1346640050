package utils

import (
	"sync"

	"go.uber.org/zap"
)

// WorkerPool 通用协程池
type WorkerPool struct {
	JobQueue  chan func()
	WorkerNum int
	wg        sync.WaitGroup
	quit      chan struct{}
	stopOnce  sync.Once
	log       *zap.Logger
}

// NewWorkerPool 创建一个新的协程池
func NewWorkerPool(workerNum int, queueSize int, log *zap.Logger) *WorkerPool {
	return &WorkerPool{
		JobQueue:  make(chan func(), queueSize),
		WorkerNum: workerNum,
		quit:      make(chan struct{}),
		log:       log,
	}
}

// Start 启动协程池
func (p *WorkerPool) Start() {
	for i := 0; i < p.WorkerNum; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			for {
				select {
				case job := <-p.JobQueue:
					runJob(p.log, workerID, job)
				case <-p.quit:
					return
				}
			}
		}(i)
	}
	p.log.Info("worker pool started", zap.Int("workers", p.WorkerNum))
}

// Submit 提交任务到协程池
// 如果队列已满，此方法会阻塞，直到有空位或协程池停止
func (p *WorkerPool) Submit(job func()) bool {
	select {
	case <-p.quit:
		return false
	default:
	}
	select {
	case p.JobQueue <- job:
		return true
	case <-p.quit:
		return false
	}
}

// Stop 停止协程池，队列中未执行的任务被丢弃
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() { close(p.quit) })
	p.wg.Wait()
}

// 使用 recover 防止单个任务 panic 导致 worker 挂掉
func runJob(log *zap.Logger, workerID int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker panic", zap.Int("worker", workerID), zap.Any("panic", r))
		}
	}()
	job()
}
