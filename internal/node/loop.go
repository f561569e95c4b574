package node

import (
	"context"
	"time"
)

// Loop serializes all access to a Node. The node's entrypoints are not
// thread-safe; every external surface (relay subscriber, HTTP server)
// submits closures here, and a single goroutine applies them in arrival
// order, mirroring the fully-serialized transaction model of the
// execution environment this protocol assumes.
type Loop struct {
	node *Node
	cmds chan func()
}

func NewLoop(n *Node, depth int) *Loop {
	return &Loop{
		node: n,
		cmds: make(chan func(), depth),
	}
}

// Run applies submitted commands until the context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.cmds:
			fn()
		}
	}
}

// Do runs fn on the loop goroutine and waits for its result.
func (l *Loop) Do(ctx context.Context, fn func(*Node) error) error {
	done := make(chan error, 1)

	cmd := func() {
		start := time.Now()
		err := fn(l.node)
		if m := l.node.metrics; m != nil {
			m.CommandDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				m.CommandsRejected.Inc()
			} else {
				m.CommandsApplied.Inc()
			}
		}
		done <- err
	}

	select {
	case l.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
