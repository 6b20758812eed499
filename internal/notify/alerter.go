package notify

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hadarisas/Anomaly-detection-system/internal/logger"
	"github.com/hadarisas/Anomaly-detection-system/internal/metrics"
	"github.com/hadarisas/Anomaly-detection-system/internal/model"
)

// Alerter groups critical events for a short window and delivers each
// group to Slack and email, at most once per cooldown. Groups that fall
// inside the cooldown are dropped, not deferred.
type Alerter struct {
	log     *logger.Logger
	slack   *Slack
	email   *Email
	limiter *rate.Limiter
	group   time.Duration
	queue   chan model.Event
}

func NewAlerter(log *logger.Logger, slack *Slack, email *Email, cooldown, group time.Duration) *Alerter {
	lim := rate.NewLimiter(rate.Inf, 1)
	if cooldown > 0 {
		lim = rate.NewLimiter(rate.Every(cooldown), 1)
	}
	if group <= 0 {
		group = 10 * time.Second
	}
	return &Alerter{
		log: log.With("alerts"), slack: slack, email: email,
		limiter: lim, group: group, queue: make(chan model.Event, 256),
	}
}

func (a *Alerter) Enabled() bool { return a.slack.Enabled() || a.email.Enabled() }

// Notify queues the critical events of a batch without blocking.
func (a *Alerter) Notify(batch []model.Event) {
	for _, e := range batch {
		if model.Classify(e) != model.Critical {
			continue
		}
		select {
		case a.queue <- e:
		default:
			metrics.AlertsSent.WithLabelValues("queue", "dropped").Inc()
		}
	}
}

func (a *Alerter) Run(ctx context.Context) {
	t := time.NewTicker(a.group)
	defer t.Stop()
	var pending []model.Event
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-a.queue:
			pending = append(pending, e)
		case <-t.C:
			if len(pending) > 0 {
				a.flush(pending)
				pending = nil
			}
		}
	}
}

// flush reports whether the group went out.
func (a *Alerter) flush(events []model.Event) bool {
	if !a.limiter.Allow() {
		metrics.AlertsSent.WithLabelValues("all", "suppressed").Add(float64(len(events)))
		a.log.Debug().Int("events", len(events)).Msg("alert suppressed by cooldown")
		return false
	}
	if a.slack.Enabled() {
		a.record("slack", a.slack.Send(Format(events)))
	}
	if a.email.Enabled() {
		for key, group := range a.email.Route(events) {
			subject, body := Compose(group)
			a.record("email", a.email.Send(strings.Split(key, ","), subject, body))
		}
	}
	return true
}

func (a *Alerter) record(channel string, err error) {
	if err != nil {
		metrics.AlertsSent.WithLabelValues(channel, "error").Inc()
		a.log.Warn().Err(err).Str("channel", channel).Msg("alert delivery failed")
		return
	}
	metrics.AlertsSent.WithLabelValues(channel, "ok").Inc()
}
