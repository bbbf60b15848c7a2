package app

import (
	"context"
	"time"

	"taskd/internal/eventbus"
	rtsup "taskd/internal/runtime/supervisor"
	"taskd/internal/storage"
	"taskd/internal/task/engine"
	"taskd/internal/task/trigger"
	logx "taskd/pkg/logx"
)

const (
	stateRecentOutcomes = 20
	stateStoreTimeout   = time.Second
)

// debugState is the /debug/state document.
type debugState struct {
	Engine     engine.Snapshot        `json:"engine"`
	Supervisor rtsup.Snapshot         `json:"supervisor"`
	Trigger    trigger.Snapshot       `json:"trigger"`
	Bus        busState               `json:"eventbus"`
	Recorder   *storage.RecorderStats `json:"recorder,omitempty"`
	Outcomes   []storage.Outcome      `json:"recent_outcomes,omitempty"`
}

type busState struct {
	Dropped uint64 `json:"dropped"`
}

func (a *App) debugState(ctx context.Context) any {
	st := debugState{
		Engine:     a.engine.Snapshot(),
		Supervisor: a.sup.Snapshot(),
		Trigger:    a.trigger.Snapshot(),
		Bus:        busState{Dropped: eventbus.Dropped(a.bus)},
	}
	if a.recorder != nil {
		rs := a.recorder.Stats()
		st.Recorder = &rs
	}
	if a.store != nil {
		sctx, cancel := context.WithTimeout(ctx, stateStoreTimeout)
		defer cancel()
		outs, err := a.store.RecentOutcomes(sctx, stateRecentOutcomes)
		if err != nil {
			a.log.Warn("debug state: recent outcomes failed", logx.Err(err))
		}
		st.Outcomes = outs
	}
	return st
}
