package monitor

import (
	"context"

	"github.com/yourneighborhoodchef/nodeping/internal/heartbeat"
	"github.com/yourneighborhoodchef/nodeping/internal/session"
)

type Establisher interface {
	Establish(ctx context.Context, token, proxy string) (session.Identity, error)
}

// NodeWorker establishes a session and then heartbeats on it until the
// first failure. Session errors come back unchanged so the supervisor can
// tell a dead proxy from a failed heartbeat.
func NodeWorker(sessions Establisher, scheduler *heartbeat.Scheduler) WorkerFunc {
	return func(ctx context.Context, w *Worker) error {
		w.SetState(WorkerEstablishing)
		id, err := sessions.Establish(ctx, w.Token, w.Proxy)
		if err != nil {
			return err
		}

		w.SetState(WorkerPinging)
		return scheduler.NewLoop(w.Token, w.Proxy, id).Run(ctx)
	}
}
