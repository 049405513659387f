package ink

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrSessionNotActive indicates an operation on a session with no acquired document.
var ErrSessionNotActive = errors.New("ink: session has no active document")

// EngineConfig bounds the ephemeral documents an Engine keeps.
type EngineConfig struct {
	MaxUpdateBytes   int
	MaxDocumentBytes int
	Logger           *zap.Logger
}

// Engine owns one Document per active session.
// Documents live only between Acquire and Release and never touch durable board state.
type Engine struct {
	mu        sync.Mutex
	documents map[string]*Document
	config    EngineConfig
	logger    *zap.Logger
}

// NewEngine constructs an Engine with no active sessions.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		documents: make(map[string]*Document),
		config:    cfg,
		logger:    logger,
	}
}

// Acquire lazily creates the document of a session.
func (e *Engine) Acquire(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.documents[sessionID]; ok {
		return
	}
	e.documents[sessionID] = NewDocument(e.config.MaxDocumentBytes)
	e.logger.Debug("ink document created", zap.String("session_id", sessionID))
}

// ApplyRemoteUpdate merges an update and returns the bytes to rebroadcast to other peers.
// A duplicate update returns nil so peers are not sent state they already hold.
func (e *Engine) ApplyRemoteUpdate(sessionID string, update []byte) ([]byte, error) {
	if len(update) == 0 {
		return nil, ErrEmptyUpdate
	}
	if e.config.MaxUpdateBytes > 0 && len(update) > e.config.MaxUpdateBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrUpdateTooLarge, len(update), e.config.MaxUpdateBytes)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	document, ok := e.documents[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotActive, sessionID)
	}
	added, err := document.Merge(update)
	if err != nil {
		e.logger.Warn("ink update refused",
			zap.String("session_id", sessionID),
			zap.Int("update_bytes", len(update)),
			zap.Int("document_bytes", document.Size()),
			zap.Error(err))
		return nil, err
	}
	if !added {
		return nil, nil
	}
	broadcast := make([]byte, len(update))
	copy(broadcast, update)
	return broadcast, nil
}

// Snapshot returns the merged state used to bootstrap a joining client.
func (e *Engine) Snapshot(sessionID string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	document, ok := e.documents[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotActive, sessionID)
	}
	return document.Encode(), nil
}

// Release drops the document of a session.
func (e *Engine) Release(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	document, ok := e.documents[sessionID]
	if !ok {
		return
	}
	delete(e.documents, sessionID)
	e.logger.Debug("ink document released",
		zap.String("session_id", sessionID),
		zap.Int("updates", document.Len()),
		zap.Int("document_bytes", document.Size()))
}

// Sessions lists the sessions with an active document.
func (e *Engine) Sessions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	sessions := make([]string, 0, len(e.documents))
	for sessionID := range e.documents {
		sessions = append(sessions, sessionID)
	}
	sort.Strings(sessions)
	return sessions
}

// DocumentBytes sums the retained update bytes across sessions.
func (e *Engine) DocumentBytes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, document := range e.documents {
		total += document.Size()
	}
	return total
}
