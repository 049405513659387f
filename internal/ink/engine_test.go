package ink

import (
	"bytes"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestEngine(t *testing.T, cfg EngineConfig) *Engine {
	t.Helper()
	engine := NewEngine(cfg)
	engine.Acquire("s1")
	return engine
}

func mustApply(t *testing.T, engine *Engine, sessionID string, update []byte) []byte {
	t.Helper()
	broadcast, err := engine.ApplyRemoteUpdate(sessionID, update)
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	return broadcast
}

func mustSnapshot(t *testing.T, engine *Engine, sessionID string) []byte {
	t.Helper()
	snapshot, err := engine.Snapshot(sessionID)
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}
	return snapshot
}

func TestApplyRemoteUpdateIsCommutative(t *testing.T) {
	updateA := []byte{0x01, 0x02, 0x03}
	updateB := []byte{0x09, 0x08}

	forward := newTestEngine(t, EngineConfig{})
	mustApply(t, forward, "s1", updateA)
	mustApply(t, forward, "s1", updateB)

	reverse := newTestEngine(t, EngineConfig{})
	mustApply(t, reverse, "s1", updateB)
	mustApply(t, reverse, "s1", updateA)

	if !bytes.Equal(mustSnapshot(t, forward, "s1"), mustSnapshot(t, reverse, "s1")) {
		t.Fatalf("snapshots differ by application order")
	}
}

func TestApplyRemoteUpdateIsAssociative(t *testing.T) {
	updates := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	orders := [][]int{{0, 1, 2}, {2, 0, 1}, {1, 2, 0}}

	var expected []byte
	for _, order := range orders {
		engine := newTestEngine(t, EngineConfig{})
		for _, index := range order {
			mustApply(t, engine, "s1", updates[index])
		}
		snapshot := mustSnapshot(t, engine, "s1")
		if expected == nil {
			expected = snapshot
			continue
		}
		if !bytes.Equal(expected, snapshot) {
			t.Fatalf("order %v produced a different snapshot", order)
		}
	}
}

func TestApplyRemoteUpdateIsIdempotent(t *testing.T) {
	update := []byte{0xAA, 0xBB}

	once := newTestEngine(t, EngineConfig{})
	if broadcast := mustApply(t, once, "s1", update); !bytes.Equal(broadcast, update) {
		t.Fatalf("expected first apply to rebroadcast the update, got %v", broadcast)
	}

	twice := newTestEngine(t, EngineConfig{})
	mustApply(t, twice, "s1", update)
	if broadcast := mustApply(t, twice, "s1", update); broadcast != nil {
		t.Fatalf("expected duplicate apply to return nil, got %v", broadcast)
	}

	if !bytes.Equal(mustSnapshot(t, once, "s1"), mustSnapshot(t, twice, "s1")) {
		t.Fatalf("duplicate update changed the snapshot")
	}
}

func TestSnapshotContainsMergedUpdates(t *testing.T) {
	engine := newTestEngine(t, EngineConfig{})
	empty := mustSnapshot(t, engine, "s1")
	decoded, err := DecodeSnapshot(empty)
	if err != nil || len(decoded) != 0 {
		t.Fatalf("expected empty snapshot, got %v (%v)", decoded, err)
	}

	mustApply(t, engine, "s1", []byte("stroke-1"))
	mustApply(t, engine, "s1", []byte("stroke-2"))
	decoded, err = DecodeSnapshot(mustSnapshot(t, engine, "s1"))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected two updates, got %d", len(decoded))
	}
	found := map[string]bool{}
	for _, update := range decoded {
		found[string(update)] = true
	}
	if !found["stroke-1"] || !found["stroke-2"] {
		t.Fatalf("snapshot lost an update: %v", found)
	}
}

func TestApplyRemoteUpdateDoesNotRetainCallerBuffer(t *testing.T) {
	engine := newTestEngine(t, EngineConfig{})
	update := []byte("ink")
	broadcast := mustApply(t, engine, "s1", update)
	update[0] = 'X'
	broadcast[1] = 'X'

	decoded, err := DecodeSnapshot(mustSnapshot(t, engine, "s1"))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if string(decoded[0]) != "ink" {
		t.Fatalf("document shares memory with caller: %q", decoded[0])
	}
}

func TestApplyRemoteUpdateLimits(t *testing.T) {
	engine := newTestEngine(t, EngineConfig{MaxUpdateBytes: 4, MaxDocumentBytes: 6})

	if _, err := engine.ApplyRemoteUpdate("s1", nil); !errors.Is(err, ErrEmptyUpdate) {
		t.Fatalf("expected empty update error, got %v", err)
	}
	if _, err := engine.ApplyRemoteUpdate("s1", []byte("12345")); !errors.Is(err, ErrUpdateTooLarge) {
		t.Fatalf("expected update limit error, got %v", err)
	}
	mustApply(t, engine, "s1", []byte("1234"))
	if _, err := engine.ApplyRemoteUpdate("s1", []byte("567")); !errors.Is(err, ErrDocumentFull) {
		t.Fatalf("expected document limit error, got %v", err)
	}
	if broadcast := mustApply(t, engine, "s1", []byte("1234")); broadcast != nil {
		t.Fatalf("duplicate at the limit must still be accepted as a no-op")
	}
}

func TestReleaseDropsEphemeralState(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	engine := NewEngine(EngineConfig{Logger: zap.New(core)})
	engine.Acquire("s1")
	engine.Acquire("s2")
	mustApply(t, engine, "s1", []byte("stroke"))

	if sessions := engine.Sessions(); len(sessions) != 2 || sessions[0] != "s1" {
		t.Fatalf("unexpected sessions: %v", sessions)
	}
	if engine.DocumentBytes() != len("stroke") {
		t.Fatalf("unexpected retained bytes: %d", engine.DocumentBytes())
	}

	engine.Release("s1")
	if _, err := engine.Snapshot("s1"); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("expected released session to be inactive, got %v", err)
	}
	if _, err := engine.ApplyRemoteUpdate("s1", []byte("late")); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("expected apply on released session to fail, got %v", err)
	}
	if logs.FilterMessage("ink document released").Len() != 1 {
		t.Fatalf("expected release to be logged")
	}

	engine.Acquire("s1")
	decoded, err := DecodeSnapshot(mustSnapshot(t, engine, "s1"))
	if err != nil || len(decoded) != 0 {
		t.Fatalf("reacquired session must start empty, got %v (%v)", decoded, err)
	}
}

func TestEnginesAreIsolated(t *testing.T) {
	first := newTestEngine(t, EngineConfig{})
	second := newTestEngine(t, EngineConfig{})
	mustApply(t, first, "s1", []byte("only-first"))

	decoded, err := DecodeSnapshot(mustSnapshot(t, second, "s1"))
	if err != nil || len(decoded) != 0 {
		t.Fatalf("engines share state: %v (%v)", decoded, err)
	}
}
