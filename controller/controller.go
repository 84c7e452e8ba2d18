// Package controller implements the Public Controller of spec.md §4.8: the
// lifecycle state machine (start/reconfigure/check) that drives the Config
// Reconciler and is the single entry point a process embedding acmeguard
// calls.
package controller

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/brnsn/acmeguard"
	"github.com/brnsn/acmeguard/certstore"
	"github.com/brnsn/acmeguard/persistence"
	"github.com/brnsn/acmeguard/reconciler"
)

// State is one of the Public Controller's lifecycle states.
type State string

const (
	NotStarted State = "NOT_STARTED"
	Updating   State = "UPDATING"
	OK         State = "OK"
	Failed     State = "FAILED"
)

// Controller owns the single Config a running acmeguard process applies and
// the DCS and Persistence Layer it drives. Exactly one reconcile pass may
// be in flight at a time; concurrent transition attempts from the wrong
// state fail with *acmeguard.IllegalState rather than queuing or preempting.
type Controller struct {
	persist persistence.Store
	recon   *reconciler.Reconciler

	mu    sync.Mutex
	state State
	cur   acmeguard.Config
}

// New returns a Controller in state NOT_STARTED, wired to store and persist.
func New(store *certstore.Store, persist persistence.Store) *Controller {
	c := &Controller{persist: persist, state: NotStarted}
	c.recon = reconciler.New(store, persist, c.onRenewalTick)

	return c
}

// EmptyConf returns the synthetic empty Config, for callers that want to
// explicitly reconfigure down to nothing rather than supply a zero value.
func (c *Controller) EmptyConf() acmeguard.Config {
	return acmeguard.EmptyConf()
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Start implements start(): NOT_STARTED -> UPDATING, loads active.json (or
// an empty Config if none was ever persisted), and reconciles it against
// itself so every account's certificates are validated and cached on boot.
func (c *Controller) Start(ctx context.Context) error {
	saved, err := c.loadActiveOrEmpty()
	if err != nil {
		return err
	}

	return c.transition(ctx, NotStarted, saved, saved)
}

// StartWith implements start(conf): NOT_STARTED -> UPDATING, reconciling
// the persisted Config against the supplied one.
func (c *Controller) StartWith(ctx context.Context, conf acmeguard.Config) error {
	saved, err := c.loadActiveOrEmpty()
	if err != nil {
		return err
	}

	return c.transition(ctx, NotStarted, saved, conf)
}

// Reconfigure implements reconfigure(conf): OK -> UPDATING -> OK/FAILED.
func (c *Controller) Reconfigure(ctx context.Context, conf acmeguard.Config) error {
	c.mu.Lock()
	cur := c.cur
	c.mu.Unlock()

	return c.transition(ctx, OK, cur, conf)
}

// Check implements check(): OK -> UPDATING -> OK/FAILED, reconciling the
// current Config against itself to force a renewal pass.
func (c *Controller) Check(ctx context.Context) error {
	c.mu.Lock()
	cur := c.cur
	c.mu.Unlock()

	return c.transition(ctx, OK, cur, cur)
}

// onRenewalTick is the Reconciler's daily timer callback: it drives Check
// in the background and logs rather than propagates a failure, since there
// is no caller left to hand the error to.
func (c *Controller) onRenewalTick() {
	if err := c.Check(context.Background()); err != nil {
		logIllegalStateOrFailure(err)
	}
}

// transition enforces that the controller is in from before moving to
// UPDATING, runs the reconcile, and on success replaces cur and moves to OK;
// on failure cur is left untouched and the state becomes FAILED.
func (c *Controller) transition(ctx context.Context, from State, oldConf, newConf acmeguard.Config) error {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return &acmeguard.IllegalState{From: string(c.state), Op: "transition from " + string(from)}
	}

	c.state = Updating
	c.mu.Unlock()

	err := c.recon.Update(ctx, oldConf, newConf)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.state = Failed
		return err
	}

	c.cur = newConf
	c.state = OK

	return nil
}

func (c *Controller) loadActiveOrEmpty() (acmeguard.Config, error) {
	if err := c.persist.Init(); err != nil {
		return acmeguard.Config{}, err
	}

	path := c.persist.ActiveConfigPath()
	if !persistence.Exists(path) {
		return acmeguard.EmptyConf(), nil
	}

	data, err := persistence.ReadFile(path)
	if err != nil {
		return acmeguard.Config{}, err
	}

	return acmeguard.UnmarshalConfig(data)
}

// logIllegalStateOrFailure swallows an IllegalState from a Check() racing a
// concurrent transition (the original's timer handler catching
// IllegalStateException) but still surfaces any genuine reconcile failure.
func logIllegalStateOrFailure(err error) {
	var illegal *acmeguard.IllegalState
	if errors.As(err, &illegal) {
		log.Println("renewal check skipped:", err)
		return
	}

	log.Println("scheduled renewal check failed:", err)
}
