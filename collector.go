package main

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var (
	errWindowClosed    = errors.New("the action window has closed")
	errNotExpected     = errors.New("you are not expected to act in this phase")
	errNoOpenWindow    = errors.New("no action is being collected right now")
	errWrongActionKind = errors.New("that action is not yours to take this phase")
)

// expectedAction describes one actor the collector is waiting on: what kind
// of action they owe and which targets are valid for them.
type expectedAction struct {
	Actor      Actor
	Role       Role
	Kind       ActionKind
	Candidates []Actor
}

// ActionCollector opens a bounded time window per phase, merges submissions
// from human and simulated actors, and closes early once every expected
// actor has acted. Submissions arrive from arbitrary goroutines; the mutex
// makes each upsert atomic and the quorum channel races the deadline timer.
type ActionCollector struct {
	policy *NPCActionPolicy

	mu       sync.Mutex
	phase    Phase
	expected map[string]expectedAction
	pending  map[string]ActionRecord
	open     bool
	quorum   chan struct{}
}

func newActionCollector(policy *NPCActionPolicy) *ActionCollector {
	return &ActionCollector{policy: policy}
}

// Collect opens a collection window for the given phase and blocks until
// the earlier of: the deadline elapsing, every expected actor having
// submitted, or ctx being cancelled. Simulated actors are resolved
// synchronously before the timer starts, so they never wait on it.
// Returns a snapshot of the collected records; the live map is cleared for
// the next phase.
func (c *ActionCollector) Collect(ctx context.Context, phase Phase, expected []expectedAction, window time.Duration) (map[string]ActionRecord, error) {
	if len(expected) == 0 {
		return map[string]ActionRecord{}, nil
	}

	c.mu.Lock()
	c.phase = phase
	c.expected = make(map[string]expectedAction, len(expected))
	for _, ea := range expected {
		c.expected[ea.Actor.ID()] = ea
	}
	c.pending = make(map[string]ActionRecord)
	c.open = true
	c.quorum = make(chan struct{}, 1)
	quorum := c.quorum
	c.mu.Unlock()

	// Simulated actors act immediately; the oracle call is the only thing
	// that can block here and it carries ctx.
	for _, ea := range expected {
		if !ea.Actor.Simulated() {
			continue
		}
		targetID, ok := c.policy.Choose(ctx, ea.Actor, ea.Role, ea.Kind, ea.Candidates)
		if !ok {
			log.Printf("Collector: simulated actor %s has no valid target, skipping", ea.Actor.Name())
			continue
		}
		if err := c.Submit(ActionRecord{ActorID: ea.Actor.ID(), Kind: ea.Kind, TargetID: targetID, ReceivedAt: time.Now()}); err != nil {
			log.Printf("Collector: simulated submission for %s rejected: %v", ea.Actor.Name(), err)
		}
	}

	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case <-timer.C:
		DebugLog("Collect", "%s window closed by deadline (%s)", phase, window)
	case <-quorum:
		DebugLog("Collect", "%s window closed early, all %d expected actors acted", phase, len(expected))
	case <-ctx.Done():
	}

	c.mu.Lock()
	c.open = false
	snapshot := c.pending
	c.pending = nil
	c.expected = nil
	c.mu.Unlock()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return snapshot, nil
}

// Submit upserts one actor's choice into the open window. Resubmission by
// the same actor overwrites their earlier choice; last write wins. Late or
// unexpected submissions are rejected with the state unchanged.
func (c *ActionCollector) Submit(rec ActionRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return errWindowClosed
	}
	ea, ok := c.expected[rec.ActorID]
	if !ok {
		return errNotExpected
	}
	if ea.Kind != rec.Kind {
		return errWrongActionKind
	}

	c.pending[rec.ActorID] = rec
	DebugLog("Submit", "actor %s submitted %s during %s", rec.ActorID, rec.Kind, c.phase)

	if len(c.pending) == len(c.expected) {
		select {
		case c.quorum <- struct{}{}:
		default:
		}
	}
	return nil
}

// ExpectedKind reports the action kind the collector is waiting on from the
// given actor in the currently open window.
func (c *ActionCollector) ExpectedKind(actorID string) (ActionKind, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return 0, errNoOpenWindow
	}
	ea, ok := c.expected[actorID]
	if !ok {
		return 0, errNotExpected
	}
	return ea.Kind, nil
}
