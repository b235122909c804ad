package respoke

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/respoke/respoke-go/internal/cloudmock"
)

func TestGroupJoinPublishLeave(t *testing.T) {
	svc, srv := newTestService(t, cloudmock.Config{})
	alice := connectTestClient(t, srv, "alice", nil)
	bob := connectTestClient(t, srv, "bob", nil)
	ctx := context.Background()

	aliceGroup, err := alice.JoinGroup(ctx, "ops")
	if err != nil {
		t.Fatalf("alice join: %v", err)
	}
	// Wait out alice's own join push so the watch below only sees bob.
	waitFor(t, func() bool { return len(aliceGroup.Members()) == 1 }, "alice in her own roster")

	joins := watch(aliceGroup, "join")
	bobGroup, err := bob.JoinGroup(ctx, "ops")
	if err != nil {
		t.Fatalf("bob join: %v", err)
	}
	if !bobGroup.IsJoined() {
		t.Error("expected bob's group handle to report joined")
	}

	ev := nextEvent(t, joins, "bob's join")
	if ev.Endpoint.ID() != "bob" || ev.Connection.ID() != bob.ConnectionID() {
		t.Errorf("join event names %s/%s", ev.Endpoint.ID(), ev.Connection.ID())
	}
	if ev.Group != aliceGroup {
		t.Error("expected the join event to carry the group")
	}

	groupMsgs := watch(aliceGroup, "message")
	clientMsgs := watch(alice, "message")
	echo := watch(bobGroup, "message")
	if err := bobGroup.Publish(ctx, "standup in 5"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ev = nextEvent(t, groupMsgs, "the group message")
	if ev.Message.From != "bob" || ev.Message.GroupID != "ops" || ev.Message.Text != "standup in 5" {
		t.Errorf("group message mangled: %+v", ev.Message)
	}
	ev = nextEvent(t, clientMsgs, "the client-level copy")
	if ev.Group != aliceGroup || ev.Message.GroupID != "ops" {
		t.Error("expected the client-level event to carry the group")
	}
	// Publishers hear their own messages back.
	ev = nextEvent(t, echo, "bob's echo")
	if ev.Message.From != "bob" {
		t.Errorf("echo attributed to %q", ev.Message.From)
	}

	leaves := watch(aliceGroup, "leave")
	if err := bobGroup.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if bobGroup.IsJoined() {
		t.Error("expected bob's group handle to report left")
	}
	ev = nextEvent(t, leaves, "bob's leave")
	if ev.Endpoint.ID() != "bob" {
		t.Errorf("leave event names %q", ev.Endpoint.ID())
	}
	waitFor(t, func() bool { return len(aliceGroup.Members()) == 1 }, "roster back to alice alone")

	members := svc.GroupMembers("ops")
	if len(members) != 1 || members[0] != "alice" {
		t.Errorf("service roster %v, want [alice]", members)
	}
}

func TestGroupHistory(t *testing.T) {
	_, srv := newTestService(t, cloudmock.Config{})
	alice := connectTestClient(t, srv, "alice", nil)
	ctx := context.Background()

	g, err := alice.JoinGroup(ctx, "log")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	for i := 1; i <= 5; i++ {
		if err := g.Publish(ctx, fmt.Sprintf("entry %d", i)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	history, err := g.History(ctx, 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}
	for i, want := range []string{"entry 3", "entry 4", "entry 5"} {
		if history[i].Text != want {
			t.Errorf("history[%d] = %q, want %q", i, history[i].Text, want)
		}
		if history[i].From != "alice" || history[i].GroupID != "log" {
			t.Errorf("history[%d] attribution wrong: %+v", i, history[i])
		}
		if time.Since(history[i].Timestamp) > time.Minute {
			t.Errorf("history[%d] timestamp not carried: %v", i, history[i].Timestamp)
		}
	}

	all, err := g.History(ctx, 0)
	if err != nil {
		t.Fatalf("unlimited history: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("expected the full log, got %d messages", len(all))
	}
}

func TestGetMembersRegistersPresenceObservers(t *testing.T) {
	_, srv := newTestService(t, cloudmock.Config{})
	alice := connectTestClient(t, srv, "alice", nil)
	bob := connectTestClient(t, srv, "bob", nil)
	ctx := context.Background()

	aliceGroup, err := alice.JoinGroup(ctx, "ops")
	if err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if _, err := bob.JoinGroup(ctx, "ops"); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	waitFor(t, func() bool { return len(aliceGroup.Members()) == 2 }, "both members known")

	members, err := aliceGroup.GetMembers(ctx)
	if err != nil {
		t.Fatalf("get members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	found := false
	for _, conn := range members {
		if conn.Endpoint().ID() == "bob" && conn.ID() == bob.ConnectionID() {
			found = true
		}
	}
	if !found {
		t.Error("expected bob's connection in the roster")
	}

	// Fetching the roster put alice on bob's presence feed.
	if err := bob.SetPresence(ctx, "dnd"); err != nil {
		t.Fatalf("bob presence: %v", err)
	}
	waitFor(t, func() bool { return alice.GetEndpoint("bob").Presence() == "dnd" }, "bob's presence to propagate")
}

func TestPublishNeedsChannel(t *testing.T) {
	_, srv := newTestService(t, cloudmock.Config{})
	alice := connectTestClient(t, srv, "alice", nil)
	ctx := context.Background()

	ghost := alice.GetGroup("ghost")
	err := ghost.Publish(ctx, "anyone?")
	var re *RequestError
	if !errors.As(err, &re) || re.Status != http.StatusNotFound {
		t.Fatalf("expected a 404 for an unknown channel, got %v", err)
	}

	// Creating the channel allows publishing before anyone joins.
	board := alice.GetGroup("announcements")
	if err := board.Create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := board.Publish(ctx, "first post"); err != nil {
		t.Fatalf("publish after create: %v", err)
	}
	history, err := board.History(ctx, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Text != "first post" {
		t.Errorf("history %+v, want the one post", history)
	}
}
