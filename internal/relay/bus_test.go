package relay

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/boardrelay/internal/ink"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBus(t *testing.T, server *miniredis.Miniredis, instanceID string) *RedisBus {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	bus, err := NewRedisBus(RedisBusConfig{Client: client, InstanceID: instanceID})
	if err != nil {
		t.Fatalf("failed to construct bus: %v", err)
	}
	return bus
}

func awaitFrame(t *testing.T, connection *Connection) Frame {
	t.Helper()
	select {
	case frame := <-connection.Send():
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a frame for %s within deadline", connection.ID())
		return Frame{}
	}
}

func TestNewRedisBusRequiresClient(t *testing.T) {
	if _, err := NewRedisBus(RedisBusConfig{}); err == nil {
		t.Fatalf("expected missing client error")
	}
}

func TestRedisBusSkipsOwnEnvelopes(t *testing.T) {
	server := miniredis.RunT(t)
	local := newTestBus(t, server, "replica-a")
	remote := newTestBus(t, server, "replica-b")

	received := make(chan Envelope, 4)
	subscription, err := local.Subscribe(context.Background(), func(envelope Envelope) {
		received <- envelope
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer subscription.Close()

	ctx := context.Background()
	if err := local.Publish(ctx, Envelope{SessionID: "s1", Kind: envelopeKindInk, Payload: []byte("own")}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := remote.Publish(ctx, Envelope{SessionID: "s1", Kind: envelopeKindInk, Payload: []byte("theirs")}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case envelope := <-received:
		if envelope.Origin != "replica-b" || string(envelope.Payload) != "theirs" {
			t.Fatalf("unexpected envelope: %#v", envelope)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected remote envelope within deadline")
	}
	select {
	case envelope := <-received:
		t.Fatalf("unexpected extra envelope: %#v", envelope)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisBusRelaysInkAcrossReplicas(t *testing.T) {
	server := miniredis.RunT(t)
	busA := newTestBus(t, server, "replica-a")
	busB := newTestBus(t, server, "replica-b")

	hubA := newTestHub(t, HubConfig{Bus: busA})
	hubB := newTestHub(t, HubConfig{Bus: busB, Engine: ink.NewEngine(ink.EngineConfig{})})

	subscription, err := busB.Subscribe(context.Background(), hubB.ApplyRemote)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer subscription.Close()

	sender := mustJoin(t, hubA, ChannelWhiteboard, "s1")
	receiver := mustJoin(t, hubB, ChannelWhiteboard, "s1")
	tutor := mustJoin(t, hubB, ChannelTutor, "s1")
	receiveFrame(t, sender)
	receiveFrame(t, receiver)

	if err := hubA.HandleWhiteboard(context.Background(), sender, []byte("cross-replica")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame := awaitFrame(t, receiver); string(frame.Data) != "cross-replica" || !frame.Binary {
		t.Fatalf("unexpected relayed frame: %#v", frame)
	}

	hubA.NotifyBoardChanged(context.Background(), "s1", 7, "1 created, 0 updated, 0 deleted")
	if frame := awaitFrame(t, tutor); frame.Binary {
		t.Fatalf("board notifications must be text frames")
	}
}

func TestSessionChannelUsesPrefix(t *testing.T) {
	server := miniredis.RunT(t)
	bus := newTestBus(t, server, "replica-a")
	if channel := bus.SessionChannel("lesson-1"); channel != "boardrelay:session:lesson-1" {
		t.Fatalf("unexpected channel %q", channel)
	}
}
