package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirinyoku/raffle-go/internal/domain"
	"github.com/kirinyoku/raffle-go/internal/metrics"
)

// Track polls the provider for c every interval until it settles, fails,
// is stopped or its hold deadline passes. Tracking a charge twice is a
// no-op.
func (r *Reconciler) Track(c domain.Charge) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if _, ok := r.polls[c.Ref]; ok {
		return
	}

	ttl := c.ExpiresAt.Sub(r.clock.Now())
	if ttl <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(r.base, ttl)
	p := &poller{cancel: cancel}
	r.polls[c.Ref] = p

	r.wg.Add(1)
	go r.poll(ctx, c.Ref, p)
}

// Stop ends polling of ref, if any.
func (r *Reconciler) Stop(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.polls[ref]; ok {
		p.cancel()
		delete(r.polls, ref)
	}
}

// Tracking reports whether ref is being polled.
func (r *Reconciler) Tracking(ref string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.polls[ref]
	return ok
}

// Run blocks until ctx is done, then stops every poller.
func (r *Reconciler) Run(ctx context.Context) error {
	<-ctx.Done()
	r.Close()
	return nil
}

// Close stops every poller and waits for them to exit.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.stopAll()
	r.wg.Wait()
}

func (r *Reconciler) poll(ctx context.Context, ref string, p *poller) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if r.polls[ref] == p {
			delete(r.polls, ref)
		}
		r.mu.Unlock()
		p.cancel()
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		metrics.PollTicksTotal.Inc()

		status, err := r.provider.ChargeStatus(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// The next tick is the retry.
			r.logger.DebugContext(ctx, "charge poll failed",
				slog.String("charge_ref", ref), slog.Any("err", err))
			continue
		}

		if status == domain.ChargePending {
			continue
		}

		// Settle outside the poll deadline: the decision is already made.
		if _, err := r.Apply(context.WithoutCancel(ctx), ref, status, domain.SignalPoll); err != nil {
			r.logger.ErrorContext(ctx, "apply polled charge status",
				slog.String("charge_ref", ref),
				slog.String("status", string(status)),
				slog.Any("err", err),
			)
			continue
		}

		return
	}
}
