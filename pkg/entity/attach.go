package entity

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/execution"
	"github.com/nlabh01/brooklyn-server/pkg/telemetry"
)

// Attachment phases reported on failures.
const (
	PhaseRecord    = "record"
	PhaseConfigure = "configure"
	PhaseSubscribe = "subscribe"
	PhaseStart     = "start"
)

// AddAdjunct attaches a to n asynchronously and returns a handle on the
// outcome. The adjunct is listed on n once the first unit has run on n's
// context; configuration (which may wait on deferred references) then runs
// off the queue, and a second unit subscribes and starts it.
//
// A failing phase marks the adjunct failed, logs a warning and records the
// failure. The adjunct stays listed and the host is otherwise unaffected.
func (n *Node) AddAdjunct(ctx context.Context, a Adjunct) *execution.Handle {
	return n.mgr.pool.Async(ctx, "attach "+a.ID(), func(ctx context.Context) (any, error) {
		return nil, n.attach(ctx, a)
	})
}

func (n *Node) attach(ctx context.Context, a Adjunct) error {
	tel := n.mgr.tel
	ctx, span := tel.Tracer.StartAttachmentSpan(ctx, n.id, a.ID(), a.TypeName())
	defer span.End()

	_, err := n.exec.Execute(ctx, func(context.Context) (any, error) {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.lifecycle == engine.LifecycleDestroyed {
			return nil, engine.ErrClosed
		}
		if !slices.Contains(n.adjuncts, a) {
			n.adjuncts = append(n.adjuncts, a)
		}
		return nil, nil
	}, execution.WithName("record "+a.ID()))
	if err != nil {
		return n.attachFailed(ctx, a, PhaseRecord, unwrapTask(err))
	}

	if err := a.Configure(ctx, n); err != nil {
		return n.attachFailed(ctx, a, PhaseConfigure, err)
	}
	if err := a.Transition(AdjunctConfigured, nil); err != nil {
		return n.attachFailed(ctx, a, PhaseConfigure, err)
	}

	phase := PhaseSubscribe
	_, err = n.exec.Execute(ctx, func(uctx context.Context) (any, error) {
		if err := a.Subscribe(uctx); err != nil {
			return nil, err
		}
		if err := a.Transition(AdjunctSubscribed, nil); err != nil {
			return nil, err
		}
		phase = PhaseStart
		if err := a.Start(uctx); err != nil {
			return nil, err
		}
		return nil, a.Transition(AdjunctRunning, nil)
	}, execution.WithName("start "+a.ID()))
	if err != nil {
		return n.attachFailed(ctx, a, phase, unwrapTask(err))
	}

	tel.Metrics.RecordAdjunctAttachment(string(a.Kind()), "attached")
	_ = tel.Events.PublishAdjunctAttached(n.id, a.ID(), a.TypeName())
	telemetry.RecordSuccess(span)
	n.logger.Debug().
		Str("adjunct_id", a.ID()).
		Str("adjunct_type", a.TypeName()).
		Msg("Adjunct attached")
	return nil
}

func (n *Node) attachFailed(ctx context.Context, a Adjunct, phase string, cause error) error {
	err := engine.NewAttachmentFailure(a.ID(), phase, cause).
		WithDetail("node", n.id).
		WithDetail("type", a.TypeName())
	_ = a.Transition(AdjunctFailed, err)

	tel := n.mgr.tel
	tel.Metrics.RecordAdjunctAttachment(string(a.Kind()), "failed")
	tel.Metrics.RecordError(engine.ErrCodeAttachmentFailed)
	_ = tel.Events.PublishAdjunctFailed(n.id, a.ID(), a.TypeName(), cause.Error())
	n.logger.Warn().
		Err(cause).
		Str("adjunct_id", a.ID()).
		Str("adjunct_type", a.TypeName()).
		Str("phase", phase).
		Msg("Adjunct attachment failed")

	if j := n.mgr.journal; j != nil {
		rec := FailureRecord{
			NodeID:      n.id,
			AdjunctID:   a.ID(),
			AdjunctType: a.TypeName(),
			Kind:        a.Kind(),
			Phase:       phase,
			Reason:      cause.Error(),
			At:          time.Now(),
		}
		if jerr := j.RecordAdjunctFailure(ctx, rec); jerr != nil {
			n.logger.Warn().Err(jerr).Str("adjunct_id", a.ID()).Msg("Failed to record adjunct failure")
		}
	}
	return err
}

// RemoveAdjunct stops a and removes it from n.
func (n *Node) RemoveAdjunct(ctx context.Context, id string) error {
	_, err := n.exec.Execute(ctx, func(uctx context.Context) (any, error) {
		n.mu.Lock()
		i := slices.IndexFunc(n.adjuncts, func(a Adjunct) bool { return a.ID() == id })
		if i < 0 {
			n.mu.Unlock()
			return nil, engine.NewPermanentError("adjunct "+id+" not attached", nil).
				WithCode(engine.ErrCodeNotFound).
				WithResource(n.id)
		}
		a := n.adjuncts[i]
		n.adjuncts = slices.Delete(n.adjuncts, i, i+1)
		n.mu.Unlock()
		return nil, stopAdjunct(uctx, a)
	}, execution.WithName("removeAdjunct "+id))
	return unwrapTask(err)
}

// stopAdjuncts stops every adjunct; it runs on n's context.
func (n *Node) stopAdjuncts(ctx context.Context) {
	for _, a := range n.Adjuncts() {
		if err := stopAdjunct(ctx, a); err != nil {
			n.logger.Warn().Err(err).Str("adjunct_id", a.ID()).Msg("Failed to stop adjunct")
		}
	}
}

func stopAdjunct(ctx context.Context, a Adjunct) error {
	if a.State() == AdjunctStopped {
		return nil
	}
	err := a.Stop(ctx)
	if terr := a.Transition(AdjunctStopped, nil); terr != nil && err == nil {
		err = terr
	}
	return err
}

// unwrapTask strips the task-failure wrapper of a unit's error.
func unwrapTask(err error) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.Code == engine.ErrCodeTaskFailed && ee.Err != nil {
		return ee.Err
	}
	return err
}
