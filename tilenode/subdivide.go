package tilenode

import (
	"context"

	"golang.org/x/sync/errgroup"

	"geostream/resource"
	"geostream/scheduler"
)

// subdivide 为四个子瓦片各发起一个几何命令，全部结算后在下一帧挂载。
// pendingSubdivision 防止重复细分
func (p *Processor) subdivide(n *Node) {
	if n.pendingSubdivision || len(n.children) > 0 {
		return
	}
	n.pendingSubdivision = true

	futures := make([]*scheduler.Future, 0, 4)
	for _, e := range n.extent.Quarter() {
		cmd := scheduler.NewCommand(p.geometryLayer, n, p.cfg.GeometryPriority,
			scheduler.GeometryPayload{Extent: e, Level: n.level + 1})
		cmd.Redraw = true
		cmd.EarlyDrop = p.earlyDrop
		futures = append(futures, p.sched.Execute(cmd))
	}

	p.inFlight++
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		var children [4]resource.Handle
		var g errgroup.Group
		for i, fut := range futures {
			i, fut := i, fut
			g.Go(func() error {
				hs, err := fut.Wait(context.Background())
				if err != nil {
					return err
				}
				children[i] = firstHandle(hs)
				p.arena.ReleaseAll(restHandles(hs))
				return nil
			})
		}
		err := g.Wait()
		p.post(completion{node: n, subdivision: true, children: children, err: err})
	}()
}
