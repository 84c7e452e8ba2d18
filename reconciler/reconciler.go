// Package reconciler implements the Config Reconciler of spec.md §4.6: given
// an old and a new Config, it diffs accounts, runs the two-phase
// cached/authoritative pass over each, clears the DCS default alias if
// nothing claims it, persists the new Config on success, and owns the daily
// renewal timer.
package reconciler

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/brnsn/acmeguard"
	"github.com/brnsn/acmeguard/accountmgr"
	"github.com/brnsn/acmeguard/certstore"
	"github.com/brnsn/acmeguard/internal/backoff"
	"github.com/brnsn/acmeguard/internal/errorsx"
	"github.com/brnsn/acmeguard/persistence"
)

// Reconciler runs acmeguard.Config reconciliation passes against a Dynamic
// Certificate Store and a Persistence Layer.
type Reconciler struct {
	store   *certstore.Store
	persist persistence.Store

	mu            sync.Mutex
	timer         *time.Timer
	scheduledAt   string
	fireLimiter   *rate.Limiter
	onRenewalTick func()
}

// New returns a Reconciler writing to store and persist. onRenewalTick is
// invoked every time the daily renewal timer fires (after rescheduling
// itself); the Public Controller wires this to its own check().
func New(store *certstore.Store, persist persistence.Store, onRenewalTick func()) *Reconciler {
	return &Reconciler{
		store:         store,
		persist:       persist,
		onRenewalTick: onRenewalTick,
		// Guards against a pathological reschedule loop invoking the tick
		// callback more often than once a minute.
		fireLimiter: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
}

// Update implements §4.6's update(oldConf, newConf): validate, (re)schedule
// the renewal timer, run phase 1 and phase 2 over the account diff, clear
// the default alias if nothing claims it, and persist newConf on success.
func (r *Reconciler) Update(ctx context.Context, oldConf, newConf acmeguard.Config) error {
	if err := newConf.Validate(); err != nil {
		return err
	}

	r.ensureScheduled(newConf.RenewalCheckTime)

	diffs := acmeguard.MapDiff(oldConf.Accounts, newConf.Accounts)

	phase1Err := errorsx.MaybeLog(r.runCachedPhase(diffs))
	phase2Err := errorsx.MaybeLog(r.runAuthoritativePhase(ctx, diffs))

	r.clearDefaultIfUnclaimed(newConf)

	if err := acmeguard.CollectErrors(phase1Err, phase2Err); err != nil {
		return err
	}

	data, err := newConf.Marshal()
	if err != nil {
		return err
	}

	return persistence.WriteFile(r.persist.ActiveConfigPath(), data)
}

// runCachedPhase runs phase 1: every account's disk-only pass, in parallel
// across accounts (certificates within an account are themselves run in
// parallel by accountmgr.UpdateCached).
func (r *Reconciler) runCachedPhase(diffs []acmeguard.DiffEntry[acmeguard.Account]) error {
	var wg sync.WaitGroup
	errs := make([]error, len(diffs))

	for i, d := range diffs {
		wg.Add(1)

		go func(i int, d acmeguard.DiffEntry[acmeguard.Account]) {
			defer wg.Done()

			if err := accountmgr.UpdateCached(r.store, r.persist, d.Key, d.Old, d.New); err != nil {
				errs[i] = err
			}
		}(i, d)
	}

	wg.Wait()

	return acmeguard.CollectErrors(errs...)
}

// runAuthoritativePhase runs phase 2: every account's CA-contacting pass,
// strictly sequential across accounts per spec.md §5 ("this throttles CA
// traffic and makes failures attributable"). A failing account does not
// prevent the next account from being attempted.
func (r *Reconciler) runAuthoritativePhase(ctx context.Context, diffs []acmeguard.DiffEntry[acmeguard.Account]) error {
	var errs []error

	for _, d := range diffs {
		if err := accountmgr.UpdateOthers(ctx, r.store, r.persist, d.Key, d.Old, d.New); err != nil {
			errs = append(errs, err)
		}
	}

	return acmeguard.CollectErrors(errs...)
}

// clearDefaultIfUnclaimed drops the DCS default alias if no enabled
// account's enabled certificate claims defaultCert in newConf.
func (r *Reconciler) clearDefaultIfUnclaimed(newConf acmeguard.Config) {
	for _, acct := range newConf.Accounts {
		if !acct.Enabled {
			continue
		}

		for _, cert := range acct.Certificates {
			if cert.Enabled && cert.DefaultCert {
				return
			}
		}
	}

	r.store.SetDefaultID("")
}

// ensureScheduled (re)schedules the daily renewal timer if this is the
// first call or renewalCheckTime changed, per spec.md §4.6 step 2.
func (r *Reconciler) ensureScheduled(renewalCheckTime string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if renewalCheckTime == "" || renewalCheckTime == r.scheduledAt {
		return
	}

	if r.timer != nil {
		r.timer.Stop()
	}

	r.scheduledAt = renewalCheckTime

	d, err := durationUntil(renewalCheckTime)
	if err != nil {
		errorsx.MaybeLog(err)
		return
	}

	r.timer = time.AfterFunc(d+rescheduleJitter.Backoff(0), r.fire)
}

// rescheduleJitter adds a few seconds of random delay on top of a renewal
// timer's computed fire time, so that multiple acmeguardd processes sharing
// the same renewalCheckTime do not all contact their CAs at the same instant.
var rescheduleJitter = backoff.New(backoff.Constant(2*time.Second), backoff.Jitter(1))

// fire runs on the renewal timer goroutine: it reschedules itself for the
// next occurrence before invoking the tick callback, exactly as the
// original's timer handler reschedules unconditionally regardless of what
// the triggered check() does.
func (r *Reconciler) fire() {
	r.mu.Lock()
	at := r.scheduledAt
	r.mu.Unlock()

	if d, err := durationUntil(at); err == nil {
		r.mu.Lock()
		r.timer = time.AfterFunc(d+rescheduleJitter.Backoff(0), r.fire)
		r.mu.Unlock()
	}

	if !r.fireLimiter.Allow() {
		log.Println("config reconcile: renewal timer fired too soon, skipping this tick")
		return
	}

	if r.onRenewalTick != nil {
		r.onRenewalTick()
	}
}

// durationUntil returns the time.Duration from now until the next
// occurrence of wall-clock time hhmmss ("HH:MM:SS").
func durationUntil(hhmmss string) (time.Duration, error) {
	t, err := time.Parse("15:04:05", hhmmss)
	if err != nil {
		return 0, &acmeguard.ConfigInvalid{Reason: "invalid renewalCheckTime: " + err.Error()}
	}

	now := time.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), 0, now.Location())

	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}

	return time.Until(next), nil
}
