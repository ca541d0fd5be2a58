package main

import (
	"strings"
	"testing"
)

func TestHubBroadcastSurvivesDeadConnection(t *testing.T) {
	url := startTestServer(t, testConfig())

	alice := dialTestWS(t, url)
	bob := dialTestWS(t, url)

	// A command round-trip proves each connection is registered.
	sendCommand(t, alice, WSMessage{Action: "context"})
	readEventOfType(t, alice, EventToast)
	sendCommand(t, bob, WSMessage{Action: "context"})
	readEventOfType(t, bob, EventToast)

	bob.Close()

	hub.Announce(Event{Type: EventAnnounce, Message: "the town crier speaks"})
	ev := readEventOfType(t, alice, EventAnnounce)
	if !strings.Contains(ev.Message, "town crier") {
		t.Errorf("broadcast = %q", ev.Message)
	}

	// The hub keeps delivering after dropping the dead connection.
	hub.Announce(Event{Type: EventAnnounce, Message: "the town crier speaks again"})
	ev = readEventOfType(t, alice, EventAnnounce)
	if !strings.Contains(ev.Message, "again") {
		t.Errorf("second broadcast = %q", ev.Message)
	}
}
