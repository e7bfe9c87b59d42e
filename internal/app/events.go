package app

import (
	"context"
	"encoding/json"
	"time"

	"crosspost/internal/eventbus"
	"crosspost/internal/publish/dispatcher"
	"crosspost/internal/storage"
	"crosspost/pkg/logx"
)

// consumeEvents logs bus traffic and writes an audit row per finished dispatch.
func (a *App) consumeEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.handleEvent(ctx, e)
		}
	}
}

func (a *App) handleEvent(ctx context.Context, e eventbus.Event) {
	switch d := e.Data.(type) {
	case dispatcher.ChannelEvent:
		fields := []logx.Field{
			logx.String("type", e.Type),
			logx.String("post", d.PostID),
			logx.String("channel", d.ChannelID),
			logx.String("platform", d.Platform),
		}
		if d.Attempt > 0 {
			fields = append(fields, logx.Int("attempt", d.Attempt))
		}
		if d.Error != "" {
			fields = append(fields, logx.String("err", d.Error))
		}
		a.log.Debug("event", fields...)
	case dispatcher.DispatchEvent:
		a.log.Debug("event", logx.String("type", e.Type), logx.String("post", d.PostID), logx.String("dispatch", d.DispatchID))
		if e.Type == eventbus.DispatchFinished {
			a.audit(ctx, e.Time, d)
		}
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

func (a *App) audit(ctx context.Context, at time.Time, d dispatcher.DispatchEvent) {
	if a.store == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"dispatch_id": d.DispatchID,
		"status":      d.Status,
	})
	actor := d.UserID
	if actor == "" {
		actor = "scheduler"
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	err := a.store.AppendAudit(actx, storage.AuditEntry{
		At:       at,
		Actor:    actor,
		Action:   "dispatch",
		Target:   d.PostID,
		OK:       d.Succeeded,
		Fail:     d.Channels - d.Succeeded,
		TookMS:   d.Duration.Milliseconds(),
		MetaJSON: string(meta),
	})
	if err != nil {
		a.log.Warn("audit write failed", logx.String("post", d.PostID), logx.Err(err))
	}
}
