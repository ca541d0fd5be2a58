package main

import (
	"strings"
	"testing"
	"time"
)

func TestBeginPadsRosterAndAssignsRoles(t *testing.T) {
	cfg := testConfig()
	s, notifier := newTestSession(t, cfg, 1)
	joinHumans(t, s, notifier, "Alice", "Bob")

	if err := s.Begin(); err != nil {
		t.Fatal(err)
	}
	defer s.Abort()

	if s.roster.Size() != cfg.MinPlayers {
		t.Errorf("roster size = %d, want %d", s.roster.Size(), cfg.MinPlayers)
	}

	s.mu.Lock()
	roleCount := len(s.gs.Roles)
	aliveCount := len(s.gs.Alive)
	round := s.gs.Round
	s.mu.Unlock()

	if roleCount != cfg.MinPlayers || aliveCount != cfg.MinPlayers {
		t.Errorf("roles=%d alive=%d, want %d each", roleCount, aliveCount, cfg.MinPlayers)
	}
	if round != 1 {
		t.Errorf("round = %d, want 1", round)
	}

	// Humans get their role privately; simulated seats get nothing.
	for _, a := range s.roster.Current() {
		events := notifier.eventsFor(a.ID())
		if a.Simulated() {
			if len(events) != 0 {
				t.Errorf("simulated actor %s received events", a.Name())
			}
			continue
		}
		found := false
		for _, ev := range events {
			if ev.Type == EventRole {
				found = true
			}
		}
		if !found {
			t.Errorf("human %s never received a role", a.Name())
		}
	}
}

func TestBeginRejectsConcurrentSecondCall(t *testing.T) {
	cfg := testConfig()
	s, _ := newTestSession(t, cfg, 1)
	// Narration stalls for long enough that the second Begin arrives while
	// the first is still setting up.
	s.oracle = &stallingOracle{delay: 300 * time.Millisecond}

	errs := make(chan error, 2)
	go func() { errs <- s.Begin() }()
	time.Sleep(100 * time.Millisecond)
	go func() { errs <- s.Begin() }()

	var started, rejected int
	for i := 0; i < 2; i++ {
		switch err := <-errs; err {
		case nil:
			started++
		case errGameNotWaiting:
			rejected++
		default:
			t.Fatalf("Begin: %v", err)
		}
	}
	s.Abort()

	if started != 1 || rejected != 1 {
		t.Errorf("Begin succeeded %d times and was rejected %d times, want exactly one of each", started, rejected)
	}
}

func TestBeginRejectsRunningGame(t *testing.T) {
	s, _ := newTestSession(t, testConfig(), 1)
	if err := s.Begin(); err != nil {
		t.Fatal(err)
	}
	defer s.Abort()

	if err := s.Begin(); err != errGameNotWaiting {
		t.Errorf("second Begin error = %v, want %v", err, errGameNotWaiting)
	}
}

func TestAllSimulatedGameRunsToCompletion(t *testing.T) {
	cfg := testConfig()
	cfg.NightWindowSeconds = 5
	cfg.VoteWindowSeconds = 5
	s, notifier := newTestSession(t, cfg, 7)

	if err := s.Begin(); err != nil {
		t.Fatal(err)
	}

	// Simulated actors close every window by quorum, so the whole game
	// plays out without waiting on any deadline.
	waitForPhase(t, s, PhaseEnded, 10*time.Second)

	if !notifier.broadcastContains("has won!") {
		t.Error("no winner was announced")
	}
}

func TestScriptedGameVillageWins(t *testing.T) {
	cfg := testConfig()
	cfg.MinPlayers = 0 // no padding, humans only
	cfg.NightWindowSeconds = 5
	cfg.VoteWindowSeconds = 5
	s, notifier := newTestSession(t, cfg, 3)
	joinHumans(t, s, notifier, "Alice", "Bob", "Carol", "Dave", "Eve")

	if err := s.Begin(); err != nil {
		t.Fatal(err)
	}
	defer s.Abort()

	var mafiaID, detectiveID, doctorID, victimID string
	s.mu.Lock()
	for id, role := range s.gs.Roles {
		switch role {
		case RoleMafia:
			mafiaID = id
		case RoleDetective:
			detectiveID = id
		case RoleDoctor:
			doctorID = id
		case RoleVillager:
			victimID = id
		}
	}
	s.mu.Unlock()

	waitForPhase(t, s, PhaseNight, 2*time.Second)
	waitForOpenWindow(t, s.collector, mafiaID)

	mustSubmit := func(actorID string, kind ActionKind, targetID string) {
		t.Helper()
		err := s.collector.Submit(ActionRecord{ActorID: actorID, Kind: kind, TargetID: targetID, ReceivedAt: time.Now()})
		if err != nil {
			t.Fatalf("Submit(%s): %v", kind, err)
		}
	}

	mustSubmit(mafiaID, ActionKill, victimID)
	mustSubmit(doctorID, ActionProtect, detectiveID)
	mustSubmit(detectiveID, ActionInvestigate, mafiaID)

	waitForPhase(t, s, PhaseVoting, 5*time.Second)

	if s.IsAlive(victimID) {
		t.Error("unprotected victim survived the night")
	}
	if !notifier.broadcastContains("found dead") {
		t.Error("the night kill was not announced")
	}

	// The investigation result reached only the detective.
	revealed := false
	for _, ev := range notifier.eventsFor(detectiveID) {
		if ev.Type == EventReveal && strings.Contains(ev.Message, "Mafia") {
			revealed = true
		}
	}
	if !revealed {
		t.Error("detective never received the investigation result")
	}
	for _, ev := range notifier.broadcasts() {
		if ev.Type == EventReveal {
			t.Error("an investigation result was broadcast")
		}
	}

	// Everyone alive votes out the mafia; the village wins.
	waitForOpenWindow(t, s.collector, mafiaID)
	s.mu.Lock()
	alive := s.gs.aliveIDs()
	s.mu.Unlock()
	for _, id := range alive {
		target := mafiaID
		if id == mafiaID {
			target = detectiveID
		}
		mustSubmit(id, ActionVote, target)
	}

	waitForPhase(t, s, PhaseEnded, 5*time.Second)

	if !notifier.broadcastContains("The Village has won!") {
		t.Error("village victory was not announced")
	}
}

func TestNightResultDiscardedAfterForcedPhaseChange(t *testing.T) {
	cfg := testConfig()
	cfg.MinPlayers = 0
	cfg.NightWindowSeconds = 1
	s, notifier := newTestSession(t, cfg, 1)
	joinHumans(t, s, notifier, "Alice", "Bob", "Carol", "Dave")

	if err := s.Begin(); err != nil {
		t.Fatal(err)
	}
	defer s.Abort()

	var mafiaID, victimID string
	s.mu.Lock()
	for id, role := range s.gs.Roles {
		switch role {
		case RoleMafia:
			mafiaID = id
		case RoleVillager:
			victimID = id
		}
	}
	s.mu.Unlock()

	waitForPhase(t, s, PhaseNight, 2*time.Second)
	waitForOpenWindow(t, s.collector, mafiaID)
	if err := s.collector.Submit(ActionRecord{ActorID: mafiaID, Kind: ActionKill, TargetID: victimID, ReceivedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	// Flip the phase out from under the open window. The context stays
	// live, so the window runs to its deadline and the controller has to
	// notice the change and discard what it collected.
	s.setPhase(PhaseDay)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		err := s.collector.Submit(ActionRecord{ActorID: mafiaID, Kind: ActionKill, TargetID: victimID, ReceivedAt: time.Now()})
		if err == errWindowClosed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	if !s.IsAlive(victimID) {
		t.Error("a stale night result was applied: the kill went through")
	}
	if notifier.broadcastContains("found dead") {
		t.Error("a stale night result was announced")
	}
	if s.Phase() != PhaseDay {
		t.Errorf("phase = %s, want %s after the forced change", s.Phase(), PhaseDay)
	}
}

func TestAbortEndsSessionAndDiscardsWindow(t *testing.T) {
	cfg := testConfig()
	cfg.MinPlayers = 0
	cfg.NightWindowSeconds = 30
	s, notifier := newTestSession(t, cfg, 1)
	actors := joinHumans(t, s, notifier, "Alice", "Bob", "Carol", "Dave")

	if err := s.Begin(); err != nil {
		t.Fatal(err)
	}
	waitForPhase(t, s, PhaseNight, 2*time.Second)

	start := time.Now()
	s.Abort()

	if s.Phase() != PhaseEnded {
		t.Errorf("phase after abort = %s, want %s", s.Phase(), PhaseEnded)
	}
	if !notifier.broadcastContains("The game has been ended") {
		t.Error("abort was not announced")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("abort waited on the open night window")
	}

	// The cancelled window refuses further submissions once it unwinds.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		err := s.collector.Submit(ActionRecord{ActorID: actors[0].ID(), Kind: ActionKill, TargetID: actors[1].ID()})
		if err == errWindowClosed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("submissions still accepted after abort")
}

func TestAbortIsIdempotent(t *testing.T) {
	s, _ := newTestSession(t, testConfig(), 1)
	if err := s.Begin(); err != nil {
		t.Fatal(err)
	}
	waitForPhase(t, s, PhaseEnded, 10*time.Second)

	// The game already finished on its own; aborting again must not panic
	// or re-announce.
	s.Abort()
	s.Abort()
}

func TestRegistryLifecycle(t *testing.T) {
	notifier := newRecordingNotifier()
	registry := newSessionRegistry()

	s := registry.Create(testConfig(), notifier, nil)
	if _, ok := registry.Get(s.Key); !ok {
		t.Fatal("created session not found in registry")
	}

	s.Abort()
	if _, ok := registry.Get(s.Key); ok {
		t.Error("aborted session still registered")
	}

	// Double delete is safe.
	registry.Delete(s.Key)
}
