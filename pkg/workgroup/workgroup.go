package workgroup

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Group runs workers sharing one context. The first worker to fail cancels
// the context of the rest.
type Group struct {
	ctx   context.Context
	group *errgroup.Group
}

func WithContext(ctx context.Context) *Group {
	group, gctx := errgroup.WithContext(ctx)
	return &Group{
		ctx:   gctx,
		group: group,
	}
}

// Work starts fn, an error from it is annotated with name.
func (g *Group) Work(name string, fn func(context.Context) error) {
	g.group.Go(func() error {
		return errors.WithMessage(fn(g.ctx), name)
	})
}

func (g *Group) Wait() error {
	return g.group.Wait()
}
