package main

import (
	"encoding/json"
	"log"
	"strings"
	"time"
)

// App wires the long-lived collaborators the command handlers need.
type App struct {
	cfg      AppConfig
	registry *SessionRegistry
	notifier Notifier
	oracle   Oracle
}

var app *App

func newApp(cfg AppConfig, notifier Notifier, oracle Oracle) *App {
	return &App{
		cfg:      cfg,
		registry: newSessionRegistry(),
		notifier: notifier,
		oracle:   oracle,
	}
}

func handleWSMessage(a *App, client *Client, message []byte) {
	var msg WSMessage
	err := json.Unmarshal(message, &msg)
	if err != nil {
		logError("handleWSMessage: unmarshal", err)
		return
	}

	LogWSMessage("IN", client.name, msg.Action)
	if devMode {
		log.Printf("WS message from %q: %s", client.name, message)
	}

	switch msg.Action {
	case "startgame":
		handleWSStartGame(a, client, msg)
	case "join":
		handleWSJoin(a, client, msg)
	case "begin":
		handleWSBegin(a, client)
	case "kill":
		handleWSNightAction(a, client, msg, ActionKill)
	case "protect", "save":
		handleWSNightAction(a, client, msg, ActionProtect)
	case "investigate":
		handleWSNightAction(a, client, msg, ActionInvestigate)
	case "vote":
		handleWSVote(a, client, msg)
	case "context":
		handleWSContext(a, client)
	case "endgame":
		handleWSEndGame(a, client)
	default:
		log.Printf("Unknown action: %s from %q", msg.Action, client.name)
		sendErrorToast(client, "Unknown command: "+msg.Action)
	}
}

// currentSession resolves the session a command targets: the one the client
// already joined, or the explicit key in the envelope.
func currentSession(a *App, client *Client, msg WSMessage) (*Session, bool) {
	key := client.sessionKey
	if key == "" {
		key = msg.SessionKey
	}
	if key == "" {
		return nil, false
	}
	return a.registry.Get(key)
}

func handleWSStartGame(a *App, client *Client, msg WSMessage) {
	if client.sessionKey != "" {
		sendErrorToast(client, "You are already in a game")
		return
	}
	name := strings.TrimSpace(msg.Name)
	if name == "" {
		sendErrorToast(client, "A player name is required to start a game")
		return
	}

	session := a.registry.Create(a.cfg, a.notifier, a.oracle)
	actor, err := session.roster.Join(name, a.notifier)
	if err != nil {
		sendErrorToast(client, err.Error())
		a.registry.Delete(session.Key)
		return
	}
	client.bind(session.Key, actor.ID(), actor.Name())

	log.Printf("Player %q started game %s", name, session.Key)
	DebugLog("handleWSStartGame", "Player '%s' started session %s", name, session.Key)

	session.announce("A new game of Mafia is starting! Waiting for players to join...")
	sendInfoToast(client, "Game created. Session key: "+session.Key)
}

func handleWSJoin(a *App, client *Client, msg WSMessage) {
	if client.sessionKey != "" {
		sendErrorToast(client, "You are already in a game")
		return
	}
	name := strings.TrimSpace(msg.Name)
	if name == "" {
		sendErrorToast(client, "A player name is required to join")
		return
	}

	session, ok := currentSession(a, client, msg)
	if !ok {
		sendErrorToast(client, "No such game")
		return
	}
	if session.Phase() != PhaseWaiting {
		sendErrorToast(client, errGameInProgress.Error())
		return
	}

	actor, err := session.roster.Join(name, a.notifier)
	if err != nil {
		sendErrorToast(client, err.Error())
		return
	}
	client.bind(session.Key, actor.ID(), actor.Name())

	log.Printf("Player %q joined game %s", name, session.Key)
	DebugLog("handleWSJoin", "Player '%s' joined session %s", name, session.Key)
	session.announce(name + " has joined the game!")
}

func handleWSBegin(a *App, client *Client) {
	session, ok := currentSession(a, client, WSMessage{})
	if !ok {
		sendErrorToast(client, "You are not in a game")
		return
	}

	if err := session.Begin(); err != nil {
		sendErrorToast(client, err.Error())
		return
	}
}

// handleWSNightAction validates and records a kill, protect or investigate.
// The collector holds the real gate; the ladder here just turns the common
// mistakes into readable toasts.
func handleWSNightAction(a *App, client *Client, msg WSMessage, kind ActionKind) {
	session, ok := currentSession(a, client, WSMessage{})
	if !ok {
		sendErrorToast(client, "You are not in a game")
		return
	}
	if session.Phase() != PhaseNight {
		sendErrorToast(client, "That action is only allowed at night")
		return
	}
	if !session.IsAlive(client.actorID) {
		sendErrorToast(client, "Dead players cannot act")
		return
	}

	expected, err := session.collector.ExpectedKind(client.actorID)
	if err != nil {
		sendErrorToast(client, err.Error())
		return
	}
	if expected != kind {
		sendErrorToast(client, "Your role cannot do that")
		return
	}

	target, ok := session.roster.FindByName(strings.TrimSpace(msg.Target))
	if !ok {
		sendErrorToast(client, "Target not found")
		return
	}
	if !session.IsAlive(target.ID()) {
		sendErrorToast(client, "Cannot target a dead player")
		return
	}
	// Doctors may protect themselves; killing or investigating yourself is
	// pointless and rejected.
	if target.ID() == client.actorID && kind != ActionProtect {
		sendErrorToast(client, "You cannot target yourself")
		return
	}

	rec := ActionRecord{
		ActorID:    client.actorID,
		Kind:       kind,
		TargetID:   target.ID(),
		ReceivedAt: time.Now(),
	}
	if err := session.collector.Submit(rec); err != nil {
		sendErrorToast(client, err.Error())
		return
	}

	DebugLog("handleWSNightAction", "Player '%s' chose to %s '%s'", client.name, kind, target.Name())
	sendInfoToast(client, "Your choice to "+kind.String()+" "+target.Name()+" has been recorded.")
}

func handleWSVote(a *App, client *Client, msg WSMessage) {
	session, ok := currentSession(a, client, WSMessage{})
	if !ok {
		sendErrorToast(client, "You are not in a game")
		return
	}
	if session.Phase() != PhaseVoting {
		sendErrorToast(client, "Voting is only allowed during the voting phase")
		return
	}
	if !session.IsAlive(client.actorID) {
		sendErrorToast(client, "Dead players cannot vote")
		return
	}

	target, ok := session.roster.FindByName(strings.TrimSpace(msg.Target))
	if !ok {
		sendErrorToast(client, "Target not found")
		return
	}
	if !session.IsAlive(target.ID()) {
		sendErrorToast(client, "Cannot vote for a dead player")
		return
	}
	if target.ID() == client.actorID {
		sendErrorToast(client, "You cannot vote for yourself")
		return
	}

	rec := ActionRecord{
		ActorID:    client.actorID,
		Kind:       ActionVote,
		TargetID:   target.ID(),
		ReceivedAt: time.Now(),
	}
	if err := session.collector.Submit(rec); err != nil {
		sendErrorToast(client, err.Error())
		return
	}

	DebugLog("handleWSVote", "Player '%s' voted to eliminate '%s'", client.name, target.Name())
	sendInfoToast(client, "Your vote for "+target.Name()+" has been recorded.")
}

func handleWSContext(a *App, client *Client) {
	session, ok := currentSession(a, client, WSMessage{})
	if !ok {
		sendErrorToast(client, "You are not in a game")
		return
	}
	client.send(Event{Type: EventAnnounce, Message: session.Status(), SessionKey: session.Key})
}

func handleWSEndGame(a *App, client *Client) {
	session, ok := currentSession(a, client, WSMessage{})
	if !ok {
		sendErrorToast(client, "You are not in a game")
		return
	}

	log.Printf("Player %q ended game %s", client.name, session.Key)
	session.Abort()
	client.sessionKey = ""
}
