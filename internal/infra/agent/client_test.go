package agent

import (
	"context"
	"testing"
	"time"

	"clawdis/internal/biz/repo"
	"clawdis/internal/conf"
)

// echoAgentConfig spawns a shell that echoes every stdin line back prefixed
// with "echo:" and then prints the turn-end marker, standing in for a real
// agent binary in tests.
func echoAgentConfig() Config {
	script := `while IFS= read -r line; do echo "echo:$line"; echo '` + conf.TurnEndMarker + `'; done`
	return Config{Command: "/bin/sh", Args: []string{"-c", script}}
}

func TestClient_StartSession_SpawnsOnceAndReuses(t *testing.T) {
	c := NewClient(echoAgentConfig())
	defer c.Stop("s1")

	id1, isNew1, err := c.StartSession(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !isNew1 || id1 != "s1" {
		t.Fatalf("got id=%q isNew=%v", id1, isNew1)
	}

	id2, isNew2, err := c.StartSession(context.Background(), "s1", "hello again")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if isNew2 || id2 != id1 {
		t.Fatalf("expected reuse, got id=%q isNew=%v", id2, isNew2)
	}
}

func TestClient_StartSession_IdentityPromptRoundTripsThroughEchoAgent(t *testing.T) {
	c := NewClient(echoAgentConfig())
	defer c.Stop("s1")

	if _, _, err := c.StartSession(context.Background(), "s1", "identity"); err != nil {
		t.Fatalf("start session: %v", err)
	}

	var gotEnd bool
	var gotText bool
	deadline := time.After(3 * time.Second)
	for !gotEnd {
		select {
		case ev := <-c.Events():
			if ev.Type == repo.EventTextChunk {
				gotText = true
			}
			if ev.Type == repo.EventEnd {
				gotEnd = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for identity prompt echo")
		}
	}
	if !gotText {
		t.Fatal("expected at least one text chunk event")
	}
}

func TestClient_Stop_IsIdempotent(t *testing.T) {
	c := NewClient(echoAgentConfig())
	c.StartSession(context.Background(), "s1", "hello")
	c.Stop("s1")
	c.Stop("s1") // must not panic or block
}
