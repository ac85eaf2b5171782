// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package convbench

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ThreadPool is the parallelism capability handed to an Engine. The
// negotiator never calls it; it only passes the handle through.
type ThreadPool interface {
	// Workers is the maximum number of tasks run at once.
	Workers() int
	// Parallelize calls fn(i) for every i in [0, tasks) and returns when all
	// calls have finished or ctx is done.
	Parallelize(ctx context.Context, tasks int, fn func(i int)) error
}

// Parallelize runs fn over [0, tasks) on pool. A nil pool runs the tasks
// inline on the calling goroutine.
func Parallelize(ctx context.Context, pool ThreadPool, tasks int, fn func(i int)) error {
	if pool == nil {
		for i := 0; i < tasks; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			fn(i)
		}
		return nil
	}
	return pool.Parallelize(ctx, tasks, fn)
}

// WorkerPool is a ThreadPool that splits tasks into contiguous chunks, one
// per worker, to keep neighbouring tasks on the same core.
type WorkerPool struct {
	workers int
}

// NewWorkerPool creates a pool with the given worker count. Zero or a
// negative count uses runtime.NumCPU.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &WorkerPool{workers: workers}
}

// Workers returns the worker count.
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Parallelize implements ThreadPool.
func (wp *WorkerPool) Parallelize(ctx context.Context, tasks int, fn func(i int)) error {
	if tasks <= 0 {
		return nil
	}

	numWorkers := wp.workers
	if tasks < numWorkers {
		numWorkers = tasks
	}
	tasksPerWorker := (tasks + numWorkers - 1) / numWorkers

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(numWorkers)
	for start := 0; start < tasks; start += tasksPerWorker {
		end := start + tasksPerWorker
		if end > tasks {
			end = tasks
		}
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gCtx.Err(); err != nil {
					return err
				}
				fn(i)
			}
			return nil
		})
	}
	return g.Wait()
}
