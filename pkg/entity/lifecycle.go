package entity

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/execution"
	"github.com/nlabh01/brooklyn-server/pkg/sensors"
	"github.com/nlabh01/brooklyn-server/pkg/telemetry"
)

// Start starts n: the type's Start hook runs in a unit on n's context, then
// the children start concurrently. n ends up running, or on-fire when its
// hook or any child failed. Adjunct attachments are not awaited.
func (n *Node) Start(ctx context.Context) error {
	tel := n.mgr.tel
	ctx, span := tel.Tracer.StartNodeSpan(ctx, n.id, "start")
	defer span.End()

	_, err := n.exec.Execute(ctx, func(uctx context.Context) (any, error) {
		n.setLifecycle(uctx, engine.LifecycleStarting)
		if n.typ != nil && n.typ.Start != nil {
			return nil, n.typ.Start(uctx, n)
		}
		return nil, nil
	}, execution.WithName("start "+n.id))

	if err == nil {
		err = n.eachChild(ctx, (*Node).Start)
	}

	final := engine.LifecycleRunning
	if err != nil {
		final = engine.LifecycleOnFire
	}
	if _, uerr := n.exec.Execute(ctx, func(uctx context.Context) (any, error) {
		n.setLifecycle(uctx, final)
		return nil, sensors.Set(uctx, n.mgr.bus, n, ServiceUp, err == nil)
	}, execution.WithName("started "+n.id)); uerr != nil && err == nil {
		err = uerr
	}

	if err != nil {
		telemetry.RecordError(span, err)
		tel.Metrics.RecordError(engine.ErrCodeTaskFailed)
		_ = tel.Events.PublishNodeEvent(telemetry.EventTypeNodeFailed, n.id,
			fmt.Sprintf("Node %s failed to start: %v", n.name, err))
		n.logger.Warn().Err(err).Msg("Node failed to start")
		return err
	}
	telemetry.RecordSuccess(span)
	_ = tel.Events.PublishNodeEvent(telemetry.EventTypeNodeStarted, n.id,
		fmt.Sprintf("Node %s started", n.name))
	n.logger.Debug().Msg("Node started")
	return nil
}

// Stop stops n's children concurrently, then runs the type's Stop hook on
// n's context. Adjuncts stay attached.
func (n *Node) Stop(ctx context.Context) error {
	ctx, span := n.mgr.tel.Tracer.StartNodeSpan(ctx, n.id, "stop")
	defer span.End()

	errs := []error{n.eachChild(ctx, (*Node).Stop)}
	_, err := n.exec.Execute(ctx, func(uctx context.Context) (any, error) {
		n.setLifecycle(uctx, engine.LifecycleStopping)
		var hookErr error
		if n.typ != nil && n.typ.Stop != nil {
			hookErr = n.typ.Stop(uctx, n)
		}
		n.setLifecycle(uctx, engine.LifecycleStopped)
		if err := sensors.Set(uctx, n.mgr.bus, n, ServiceUp, false); err != nil {
			return nil, err
		}
		return nil, hookErr
	}, execution.WithName("stop "+n.id))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}

func (n *Node) eachChild(ctx context.Context, op func(*Node, context.Context) error) error {
	children := n.Children()
	errs := make([]error, len(children))
	var g errgroup.Group
	for i, c := range children {
		g.Go(func() error {
			errs[i] = op(c, ctx)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// setLifecycle records l and publishes service.state; it runs on n's context.
func (n *Node) setLifecycle(ctx context.Context, l engine.Lifecycle) {
	n.mu.Lock()
	n.lifecycle = l
	n.mu.Unlock()
	if err := sensors.Set(ctx, n.mgr.bus, n, ServiceState, string(l)); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to publish service state")
	}
	n.mgr.journalNode(ctx, n)
}
