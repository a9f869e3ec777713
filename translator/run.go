package translator

import (
	"context"
	"io"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/tbprof/trace"
)

// vcpuQueueDepth is the number of pending block addresses buffered per vCPU.
const vcpuQueueDepth = 1024

// Run replays src. Each vCPU index found in the trace gets its own worker
// goroutine, and a vCPU executes its events in trace order. Events of
// different vCPUs run concurrently. Run returns after every worker has
// finished; it does not call Shutdown.
func (t *Translator) Run(ctx context.Context, src trace.Source) error {
	g, gctx := errgroup.WithContext(ctx)
	queues := make(map[int]chan uint64)

	srcErr := t.dispatch(gctx, g, src, queues)
	for _, q := range queues {
		close(q)
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if srcErr != nil {
		return srcErr
	}
	return ctx.Err()
}

func (t *Translator) dispatch(
	ctx context.Context,
	g *errgroup.Group,
	src trace.Source,
	queues map[int]chan uint64,
) error {
	for {
		ev, err := src.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		q, ok := queues[ev.CPU]
		if !ok {
			q = make(chan uint64, vcpuQueueDepth)
			queues[ev.CPU] = q

			cpu := ev.CPU
			g.Go(func() error {
				return t.runVCPU(ctx, cpu, q)
			})
			t.logger.WithField("cpu", cpu).Debug("vcpu started")
		}

		select {
		case q <- ev.PC:
		case <-ctx.Done():
			return nil
		}
	}
}

func (t *Translator) runVCPU(ctx context.Context, cpu int, pcs <-chan uint64) error {
	var executed uint64
	defer func() {
		t.logger.WithFields(log.Fields{
			"cpu":    cpu,
			"blocks": executed,
		}).Debug("vcpu stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pc, ok := <-pcs:
			if !ok {
				return nil
			}
			if err := t.Exec(cpu, pc); err != nil {
				return errors.Wrapf(err, "vcpu %d", cpu)
			}
			executed++
		}
	}
}
