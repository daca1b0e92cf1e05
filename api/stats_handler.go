package api

import (
	"net/http"
	"sort"

	"github.com/xraph/forge"

	"github.com/xraph/orchestra/execution"
)

func (a *API) stats(ctx forge.Context) error {
	c := ctx.Context()

	resp := StatsResponse{Executions: make(map[string]int)}
	for _, status := range []execution.Status{
		execution.StatusRunning, execution.StatusCompleted,
		execution.StatusFailed, execution.StatusTerminated,
	} {
		list, err := a.eng.ListExecutions(c, execution.ListOpts{Status: status})
		if err != nil {
			return a.fail(ctx, err)
		}
		resp.Executions[string(status)] = len(list)
	}

	defs, err := a.eng.ListDefinitions(c)
	if err != nil {
		return a.fail(ctx, err)
	}
	types := map[string]struct{}{}
	for _, d := range defs {
		for _, t := range d.Tasks {
			types[t.Type] = struct{}{}
		}
	}
	names := make([]string, 0, len(types))
	for t := range types {
		names = append(names, t)
	}
	sort.Strings(names)

	resp.Queues = make([]QueueStats, 0, len(names))
	for _, t := range names {
		depth, err := a.eng.Store().QueueDepth(c, t)
		if err != nil {
			return a.fail(ctx, err)
		}
		resp.Queues = append(resp.Queues, QueueStats{
			TaskType: t,
			Depth:    depth,
			InFlight: a.eng.QueueManager().InFlight(t),
		})
	}

	if resp.DLQCount, err = a.eng.DLQService().DLQStore().CountDLQ(c); err != nil {
		return a.fail(ctx, err)
	}
	return ctx.JSON(http.StatusOK, resp)
}
