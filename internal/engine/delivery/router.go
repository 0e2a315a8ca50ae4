package delivery

import (
	"context"
	"fmt"

	"github.com/roelfdiedericks/goclaw-cron/internal/engine/job"
	. "github.com/roelfdiedericks/goclaw-cron/internal/logging"
)

// Router resolves the effective (channel, target) for a job's output and
// sends it via the appropriate ChannelDriver, implementing the
// (to, deliver) truth table exactly once per §4.7 and §9.
type Router struct {
	drivers   map[string]ChannelDriver
	lastRoute *LastRouteStore
}

// NewRouter creates a Router over the given drivers, keyed by
// ChannelDriver.Name(), backed by lastRoute for fallback resolution.
func NewRouter(drivers map[string]ChannelDriver, lastRoute *LastRouteStore) *Router {
	return &Router{drivers: drivers, lastRoute: lastRoute}
}

// Decision is the resolved delivery target, or ShouldDeliver=false when
// the truth table says nothing should be sent.
type Decision struct {
	ShouldDeliver bool
	Channel       string
	Target        string
}

// Resolve computes the delivery decision for a payload within sessionKey,
// applying the LastRoute fallback when the payload asks to deliver but
// names no explicit channel/target.
func (r *Router) Resolve(sessionKey string, p job.Payload) Decision {
	if !p.ShouldDeliver() {
		return Decision{ShouldDeliver: false}
	}
	if p.Channel != "" && p.To != "" {
		return Decision{ShouldDeliver: true, Channel: p.Channel, Target: p.To}
	}
	route, ok := r.lastRoute.Get(sessionKey)
	if p.To != "" {
		// Channel omitted but an explicit target given: honour it against
		// the session's last known channel rather than silently dropping it.
		if ok {
			return Decision{ShouldDeliver: true, Channel: route.Channel, Target: p.To}
		}
		return Decision{ShouldDeliver: false}
	}
	if ok {
		return Decision{ShouldDeliver: true, Channel: route.Channel, Target: route.Target}
	}
	return Decision{ShouldDeliver: false}
}

// Deliver resolves and sends, returning the job.Delivery record to embed
// in the RunRecord. A nil return means nothing was to be delivered.
func (r *Router) Deliver(ctx context.Context, sessionKey string, p job.Payload, text string, nowMs int64) *job.Delivery {
	decision := r.Resolve(sessionKey, p)
	if !decision.ShouldDeliver {
		return nil
	}

	driver, ok := r.drivers[decision.Channel]
	if !ok {
		return &job.Delivery{
			Channel: decision.Channel,
			Target:  decision.Target,
			Status:  "failed",
			Error:   fmt.Sprintf("no driver registered for channel %q", decision.Channel),
		}
	}

	target, err := normalizeTarget(decision.Channel, decision.Target)
	if err != nil {
		return &job.Delivery{Channel: decision.Channel, Target: decision.Target, Status: "failed", Error: err.Error()}
	}

	result := driver.Send(ctx, target, text, Metadata{})
	rec := &job.Delivery{Channel: decision.Channel, Target: decision.Target}
	if result.OK {
		rec.Status = "ok"
		_ = r.lastRoute.Set(sessionKey, Route{Channel: decision.Channel, Target: decision.Target, UpdatedAt: nowMs})
	} else {
		rec.Status = "failed"
		if result.Err != nil {
			rec.Error = result.Err.Error()
		} else {
			rec.Error = result.ErrorKind
		}
		L_warn("delivery: send failed", "channel", decision.Channel, "target", decision.Target, "error", rec.Error)
	}
	return rec
}

// RecordInboundRoute updates LastRoute when a channel driver pushes an
// inbound message — the engine treats every inbound surface as the
// session's most recent route, matching the teacher's "last channel the
// user spoke on is where we reply" convention.
func (r *Router) RecordInboundRoute(sessionKey, channel, target string, nowMs int64) error {
	return r.lastRoute.Set(sessionKey, Route{Channel: channel, Target: target, UpdatedAt: nowMs})
}

func normalizeTarget(channel, target string) (string, error) {
	switch channel {
	case "telegram":
		t, err := ParseTelegramTarget(target)
		if err != nil {
			return "", err
		}
		return t.String(), nil
	case "slack", "discord", "mattermost":
		t, err := ParseDisambiguatedTarget(target)
		if err != nil {
			return "", err
		}
		return t.Kind + ":" + t.ID, nil
	default:
		return target, nil
	}
}
