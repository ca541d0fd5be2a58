package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// The phase controller: Waiting -> Night -> Day -> Voting -> Night -> ... ->
// Ended. One goroutine per session owns GameState and walks the phases;
// everything it awaits (collection windows, the day delay, oracle calls) is
// cancellable through the session context.

var errGameNotWaiting = errors.New("a game is already in progress")

// Begin starts the game: pads the roster with simulated actors, assigns
// roles, moves to Night round 1 and launches the controller goroutine.
func (s *Session) Begin() error {
	// The phase leaves Waiting in the same critical section as the check:
	// the setup below can block on the oracle for seconds, and a second
	// Begin must not slip through that gap.
	s.mu.Lock()
	if s.gs.Phase != PhaseWaiting {
		s.mu.Unlock()
		return errGameNotWaiting
	}
	s.gs.Phase = PhaseNight
	s.mu.Unlock()

	added := s.roster.PadWithSimulated(s.cfg.MinPlayers, s.rng)
	for _, npc := range added {
		intro := s.narrateWithTimeout(
			fmt.Sprintf("Create a brief one-sentence introduction for %s, a stranger who has joined the village.", npc.Name()),
			fmt.Sprintf("%s has joined the village.", npc.Name()))
		s.announce(intro)
		log.Printf("Session %s: added simulated actor %s", s.Key, npc.Name())
	}

	actors := s.roster.Current()
	roles, err := assignRoles(actors, s.rng)
	if err != nil {
		// Reopen the lobby unless the session ended underneath us.
		s.mu.Lock()
		if s.gs.Phase == PhaseNight {
			s.gs.Phase = PhaseWaiting
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.gs.Phase != PhaseNight {
		// Aborted during setup; nothing left to start.
		s.mu.Unlock()
		return nil
	}
	applyRoleAssignment(s.gs, roles)
	s.gs.Round = 1
	s.mu.Unlock()

	notifyRoles(s.roster, roles)

	s.announce(s.narrateWithTimeout(
		"Create a brief introduction to a small village that's about to be infiltrated by the mafia.",
		"A small village gathers as night approaches, unaware of the danger that lurks within..."))

	LogGameEvent(s.Key, fmt.Sprintf("game began with %d players (%d simulated)", len(actors), len(added)))

	go s.run()
	return nil
}

// run walks the phase machine until someone wins or the session is ended.
func (s *Session) run() {
	for {
		if !s.nightRound() {
			return
		}
		if !s.dayDelay() {
			return
		}
		if !s.votingRound() {
			return
		}
		s.mu.Lock()
		if s.gs.Phase == PhaseEnded {
			s.mu.Unlock()
			return
		}
		s.gs.Round++
		s.mu.Unlock()
	}
}

// nightRound collects and resolves one night. Returns false when the game
// is over or the session was cancelled.
func (s *Session) nightRound() bool {
	if !s.advancePhase(PhaseNight) {
		return false
	}
	round := s.Round()
	DebugLog("nightRound", "session %s entering night %d", s.Key, round)

	story := s.narrateWithTimeout(
		"Create a spooky description of night falling on the village.",
		"Night falls... The village sleeps while some remain active in the shadows...")
	s.announce(fmt.Sprintf("Night %d. %s\n\n%s", round, story, s.Status()))

	expected := s.nightExpectations()
	collected, err := s.collector.Collect(s.ctx, PhaseNight, expected, s.cfg.nightWindow())
	if err != nil {
		DebugLog("nightRound", "session %s night collection cancelled: %v", s.Key, err)
		return false
	}

	// A forced reset may have torn down state while we were waiting; a
	// stale result must not be applied.
	if s.Phase() != PhaseNight {
		log.Printf("Session %s: phase changed during night collection, discarding result", s.Key)
		return false
	}

	s.mu.Lock()
	s.gs.Pending = collected
	if err := s.gs.checkInvariants(); err != nil {
		s.mu.Unlock()
		s.failRound(err)
		return false
	}
	outcome := resolveNight(s.gs, collected, s.rng)
	s.mu.Unlock()

	s.deliverReveals(outcome)
	s.announceNightOutcome(outcome)
	LogGameEvent(s.Key, fmt.Sprintf("night %d resolved: eliminated=%q cause=%s reveals=%d",
		round, outcome.EliminatedID, outcome.Cause, len(outcome.Reveals)))

	return !s.maybeEndGame()
}

// dayDelay is the fixed, non-interactive discussion window between night
// resolution and the vote.
func (s *Session) dayDelay() bool {
	if !s.advancePhase(PhaseDay) {
		return false
	}
	DebugLog("dayDelay", "session %s entering day %d", s.Key, s.Round())

	story := s.narrateWithTimeout(
		"Create a scene describing the village coming to life as dawn breaks, with tension in the air as villagers gather to discuss the night's events.",
		"Dawn breaks over the village. Time to discuss the night's events.")
	s.announce(fmt.Sprintf("Day %d. %s\n\n%s", s.Round(), story, s.Status()))

	timer := time.NewTimer(s.cfg.dayDiscussion())
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.ctx.Done():
		return false
	}

	return s.Phase() == PhaseDay
}

// votingRound collects and resolves one day vote. Returns false when the
// game is over or the session was cancelled.
func (s *Session) votingRound() bool {
	if !s.advancePhase(PhaseVoting) {
		return false
	}
	round := s.Round()
	DebugLog("votingRound", "session %s entering voting, round %d", s.Key, round)

	story := s.narrateWithTimeout(
		"Create a tense description of the villagers gathering to decide who among them might be working with the mafia.",
		"The villagers gather to decide who among them cannot be trusted.")
	s.announce(fmt.Sprintf("Voting begins. %s\n\n%s\n\nUse vote <player name> to cast your vote.", story, s.Status()))

	expected := s.voteExpectations()
	collected, err := s.collector.Collect(s.ctx, PhaseVoting, expected, s.cfg.voteWindow())
	if err != nil {
		DebugLog("votingRound", "session %s vote collection cancelled: %v", s.Key, err)
		return false
	}

	if s.Phase() != PhaseVoting {
		log.Printf("Session %s: phase changed during vote collection, discarding result", s.Key)
		return false
	}

	s.mu.Lock()
	s.gs.Pending = collected
	if err := s.gs.checkInvariants(); err != nil {
		s.mu.Unlock()
		s.failRound(err)
		return false
	}
	outcome := resolveVote(s.gs, collected, s.rng)
	s.mu.Unlock()

	if outcome.EliminatedID != "" {
		name, role := s.describeActor(outcome.EliminatedID)
		s.announce(fmt.Sprintf("The votes are in! %s has been eliminated. They were a %s!", name, role))
	} else {
		s.announce("No one voted! Skipping elimination.")
	}
	LogGameEvent(s.Key, fmt.Sprintf("vote round %d resolved: eliminated=%q", round, outcome.EliminatedID))

	return !s.maybeEndGame()
}

// nightExpectations lists the actors owed a night action: mafia kill,
// detective investigate, doctor protect. Candidate targets exclude the
// actor itself and the dead.
func (s *Session) nightExpectations() []expectedAction {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expected []expectedAction
	for _, id := range s.gs.aliveIDs() {
		actor, ok := s.roster.Get(id)
		if !ok {
			continue
		}
		var kind ActionKind
		switch s.gs.Roles[id] {
		case RoleMafia:
			kind = ActionKill
		case RoleDetective:
			kind = ActionInvestigate
		case RoleDoctor:
			kind = ActionProtect
		default:
			continue
		}
		expected = append(expected, expectedAction{
			Actor:      actor,
			Role:       s.gs.Roles[id],
			Kind:       kind,
			Candidates: s.candidatesLocked(id),
		})
	}
	return expected
}

// voteExpectations lists every living actor as a voter.
func (s *Session) voteExpectations() []expectedAction {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expected []expectedAction
	for _, id := range s.gs.aliveIDs() {
		actor, ok := s.roster.Get(id)
		if !ok {
			continue
		}
		expected = append(expected, expectedAction{
			Actor:      actor,
			Role:       s.gs.Roles[id],
			Kind:       ActionVote,
			Candidates: s.candidatesLocked(id),
		})
	}
	return expected
}

// candidatesLocked returns the living actors other than the given one.
// Caller holds s.mu.
func (s *Session) candidatesLocked(selfID string) []Actor {
	var out []Actor
	for _, id := range s.gs.aliveIDs() {
		if id == selfID {
			continue
		}
		if a, ok := s.roster.Get(id); ok {
			out = append(out, a)
		}
	}
	return out
}

// deliverReveals sends each investigation result to the investigating actor
// only; reveals are never broadcast.
func (s *Session) deliverReveals(outcome RoundOutcome) {
	for _, rev := range outcome.Reveals {
		detective, ok := s.roster.Get(rev.DetectiveID)
		if !ok {
			continue
		}
		targetName, _ := s.describeActor(rev.TargetID)
		detective.Send(Event{
			Type:    EventReveal,
			Message: fmt.Sprintf("Investigation results: %s is a %s!", targetName, rev.Role),
		})
	}
}

func (s *Session) announceNightOutcome(outcome RoundOutcome) {
	switch outcome.Cause {
	case CauseSaved:
		s.announce("The Doctor successfully saved someone from death!")
	case CauseKilled:
		name, role := s.describeActor(outcome.EliminatedID)
		s.announce(fmt.Sprintf("%s was found dead! They were a %s.", name, role))
	default:
		s.announce("No actions were taken during the night.")
	}
}

// maybeEndGame evaluates win conditions and finishes the game when a side
// has won. Called immediately after every resolution.
func (s *Session) maybeEndGame() bool {
	s.mu.Lock()
	winner := evaluateWinner(len(s.gs.Alive), s.gs.mafiaAliveCount())
	s.mu.Unlock()

	if winner == WinnerNone {
		return false
	}
	s.endGame(winner)
	return true
}

func (s *Session) endGame(winner Winner) {
	s.setPhase(PhaseEnded)

	var story string
	switch winner {
	case WinnerVillage:
		story = s.narrateWithTimeout(
			"Create a triumphant ending where the village successfully eliminated all mafia members and peace is restored.",
			"Peace returns to the village.")
		s.announce(story + "\n\nThe Village has won!")
	case WinnerMafia:
		story = s.narrateWithTimeout(
			"Create a dark ending where the mafia has gained control of the village, striking fear into the hearts of the remaining villagers.",
			"The shadows claim the village.")
		s.announce(story + "\n\nThe Mafia has won!")
	}

	log.Printf("Session %s finished, winner: %s", s.Key, winner)
	LogGameEvent(s.Key, "game finished, winner: "+winner.String())
	s.teardown()
}

// failRound aborts the round after an invariant violation: ending the game
// with an error announcement beats continuing in a corrupt state.
func (s *Session) failRound(err error) {
	logError("failRound: session "+s.Key, err)
	s.setPhase(PhaseEnded)
	s.announce("The game has ended due to an internal error.")
	s.teardown()
}

// Abort force-ends the session: the phase flips to Ended so in-flight
// results are discarded, and the cancel wakes any pending window or delay.
func (s *Session) Abort() {
	s.mu.Lock()
	if s.gs.Phase == PhaseEnded {
		s.mu.Unlock()
		return
	}
	s.gs.Phase = PhaseEnded
	s.mu.Unlock()

	s.announce("The game has been ended.")
	log.Printf("Session %s aborted", s.Key)
	s.teardown()
}

// teardown cancels pending waits and removes the session from the registry.
// The session's state dies with it; nothing is persisted.
func (s *Session) teardown() {
	s.cancel()
	if s.onEnd != nil {
		s.onEnd(s.Key)
	}
}

// advancePhase moves to the next phase unless the session has already
// ended. An ended session never comes back.
func (s *Session) advancePhase(p Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gs.Phase == PhaseEnded {
		return false
	}
	s.gs.Phase = p
	return true
}

func (s *Session) announce(text string) {
	if s.notifier != nil {
		s.notifier.Announce(Event{Type: EventAnnounce, Message: text, SessionKey: s.Key})
	}
}

// narrateWithTimeout is the oracle suspension point: bounded, and cancelled
// with the session.
func (s *Session) narrateWithTimeout(prompt, fallback string) string {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()
	return narrate(ctx, s.oracle, prompt, fallback)
}

// describeActor returns an actor's display name and role name.
func (s *Session) describeActor(actorID string) (string, Role) {
	name := actorID
	if a, ok := s.roster.Get(actorID); ok {
		name = a.Name()
	}
	role, _ := s.RoleOf(actorID)
	return name, role
}
