package utils

import (
	"context"
	"fmt"
	"sync"

	"github.com/twmb/murmur3"
	"go.uber.org/zap"
)

// KeyedWorkerPool 按 key 分片的串行执行器：同一 key 的任务始终进入同一分片，
// 按提交顺序逐个执行；不同 key 可在不同分片上并行。
type KeyedWorkerPool struct {
	shards   []chan func()
	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once
	log      *zap.Logger
}

// NewKeyedWorkerPool 创建分片执行器，每个分片一个 goroutine
func NewKeyedWorkerPool(shards, queueSize int, log *zap.Logger) *KeyedWorkerPool {
	if shards <= 0 {
		shards = 1
	}
	p := &KeyedWorkerPool{
		shards: make([]chan func(), shards),
		quit:   make(chan struct{}),
		log:    log,
	}
	for i := range p.shards {
		p.shards[i] = make(chan func(), queueSize)
	}
	return p
}

func (p *KeyedWorkerPool) Start() {
	for i, ch := range p.shards {
		p.wg.Add(1)
		go func(shard int, jobs chan func()) {
			defer p.wg.Done()
			for {
				select {
				case job := <-jobs:
					runJob(p.log, shard, job)
				case <-p.quit:
					return
				}
			}
		}(i, ch)
	}
	p.log.Info("keyed worker pool started", zap.Int("shards", len(p.shards)))
}

// ShardFor 返回 key 所在分片
func (p *KeyedWorkerPool) ShardFor(key string) int {
	return int(murmur3.StringSum32(key) % uint32(len(p.shards)))
}

// Submit 异步提交任务，协程池已停止时返回 false
func (p *KeyedWorkerPool) Submit(key string, job func()) bool {
	select {
	case <-p.quit:
		return false
	default:
	}
	select {
	case p.shards[p.ShardFor(key)] <- job:
		return true
	case <-p.quit:
		return false
	}
}

// SubmitWait 提交任务并等待其完成，返回任务的错误。
// ctx 结束时停止等待，但已入队的任务仍会执行。
func (p *KeyedWorkerPool) SubmitWait(ctx context.Context, key string, job func() error) error {
	done := make(chan error, 1)
	task := func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panic: %v", r)
			}
			done <- err
		}()
		err = job()
	}

	select {
	case <-p.quit:
		return ErrPoolStopped
	default:
	}
	select {
	case p.shards[p.ShardFor(key)] <- task:
	case <-p.quit:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-p.quit:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *KeyedWorkerPool) Stop() {
	p.stopOnce.Do(func() { close(p.quit) })
	p.wg.Wait()
}

// Depth 返回所有分片中排队的任务数
func (p *KeyedWorkerPool) Depth() int {
	n := 0
	for _, ch := range p.shards {
		n += len(ch)
	}
	return n
}
