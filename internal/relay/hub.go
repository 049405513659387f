package relay

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/boardrelay/internal/ink"
	"github.com/MarcoPoloResearchLab/boardrelay/internal/metrics"
	"go.uber.org/zap"
)

const (
	envelopeKindInk          = "ink"
	envelopeKindBoardUpdated = "board_updated"

	defaultPublishTimeout = 2 * time.Second
)

var (
	errMissingRegistry = errors.New("relay: registry is required")
	errMissingEngine   = errors.New("relay: ink engine is required")
)

// Publisher forwards relay traffic to other replicas.
type Publisher interface {
	Publish(ctx context.Context, envelope Envelope) error
}

// HubConfig wires the relay's collaborators.
type HubConfig struct {
	Registry       *Registry
	Engine         *ink.Engine
	Bus            Publisher
	Metrics        *metrics.Collector
	Logger         *zap.Logger
	PublishTimeout time.Duration
}

// Hub connects the registry, the ink engine and the optional cross-replica bus.
type Hub struct {
	registry       *Registry
	engine         *ink.Engine
	bus            Publisher
	metrics        *metrics.Collector
	logger         *zap.Logger
	order          *sessionOrder
	publishTimeout time.Duration
}

// NewHub validates the configuration and returns a Hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publishTimeout := cfg.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}
	cfg.Metrics.ObserveInkDocuments(func() int {
		return len(cfg.Engine.Sessions())
	})
	return &Hub{
		registry:       cfg.Registry,
		engine:         cfg.Engine,
		bus:            cfg.Bus,
		metrics:        cfg.Metrics,
		logger:         logger,
		order:          newSessionOrder(),
		publishTimeout: publishTimeout,
	}, nil
}

// Registry returns the hub's connection registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Join registers a connection; whiteboard joiners receive the current ink snapshot first.
func (h *Hub) Join(channel Channel, sessionID, subject string) (*Connection, error) {
	unlock := h.order.lock(sessionID)
	defer unlock()

	connection, err := h.registry.Register(channel, sessionID, subject)
	if err != nil {
		return nil, err
	}
	if channel == ChannelWhiteboard {
		h.engine.Acquire(sessionID)
		snapshot, err := h.engine.Snapshot(sessionID)
		if err != nil {
			h.registry.Unregister(connection)
			return nil, err
		}
		connection.enqueue(Frame{Binary: true, Data: snapshot})
	}
	h.metrics.ConnectionOpened(string(channel))
	h.logger.Debug("relay connection joined",
		zap.String("session_id", sessionID),
		zap.String("channel", string(channel)),
		zap.String("connection_id", connection.ID()),
		zap.String("subject", subject))
	return connection, nil
}

// Leave unregisters a connection and releases the ink document once the whiteboard empties.
// Durable board state is never touched here.
func (h *Hub) Leave(connection *Connection) {
	if connection == nil {
		return
	}
	unlock := h.order.lock(connection.SessionID())
	removed := false
	if _, ok := h.registry.Lookup(connection.Channel(), connection.SessionID(), connection.ID()); ok {
		removed = true
		if h.registry.Unregister(connection) && connection.Channel() == ChannelWhiteboard {
			h.engine.Release(connection.SessionID())
		}
	}
	unlock()

	connection.Close(nil)
	if removed {
		h.metrics.ConnectionClosed(string(connection.Channel()))
	}
	h.logger.Debug("relay connection left",
		zap.String("session_id", connection.SessionID()),
		zap.String("channel", string(connection.Channel())),
		zap.String("connection_id", connection.ID()))
}

// HandleWhiteboard merges an inbound ink update, fans it out locally in arrival order
// and forwards it to other replicas.
func (h *Hub) HandleWhiteboard(ctx context.Context, connection *Connection, payload []byte) error {
	h.metrics.MessageReceived(string(ChannelWhiteboard))
	unlock := h.order.lock(connection.SessionID())
	broadcast, actions, err := h.dispatchWhiteboard(connection.ID(), connection.SessionID(), payload)
	if err == nil {
		h.Deliver(actions)
	}
	unlock()
	if err != nil {
		h.metrics.MessageRejected(rejectReason(err))
		return err
	}
	if broadcast != nil {
		h.publish(ctx, Envelope{SessionID: connection.SessionID(), Kind: envelopeKindInk, Payload: broadcast})
	}
	return nil
}

// HandleTutor replies to a control message.
func (h *Hub) HandleTutor(connection *Connection, payload []byte) {
	h.metrics.MessageReceived(string(ChannelTutor))
	unlock := h.order.lock(connection.SessionID())
	defer unlock()
	h.Deliver(h.DispatchTutor(connection.ID(), connection.SessionID(), payload))
}

// NotifyBoardChanged announces a committed patch to local tutor sockets and other replicas.
func (h *Hub) NotifyBoardChanged(ctx context.Context, sessionID string, boardVersion int64, summary string) {
	unlock := h.order.lock(sessionID)
	h.Deliver(h.BoardChanged(sessionID, boardVersion, summary))
	unlock()

	encoded, err := encodeBoardUpdate(sessionID, boardVersion, summary)
	if err != nil {
		return
	}
	h.publish(ctx, Envelope{SessionID: sessionID, Kind: envelopeKindBoardUpdated, Payload: encoded})
}

// ApplyRemote replays an envelope received from another replica to local sockets.
func (h *Hub) ApplyRemote(envelope Envelope) {
	h.metrics.BusMessage("received")
	unlock := h.order.lock(envelope.SessionID)
	defer unlock()

	switch envelope.Kind {
	case envelopeKindInk:
		if h.registry.Count(ChannelWhiteboard, envelope.SessionID) == 0 {
			return
		}
		broadcast, err := h.engine.ApplyRemoteUpdate(envelope.SessionID, envelope.Payload)
		if err != nil {
			h.logger.Warn("relay remote ink update refused",
				zap.String("session_id", envelope.SessionID),
				zap.String("origin", envelope.Origin),
				zap.Error(err))
			return
		}
		if broadcast == nil {
			return
		}
		h.Deliver(h.fanOut(ChannelWhiteboard, envelope.SessionID, "", Frame{Binary: true, Data: broadcast}))
	case envelopeKindBoardUpdated:
		h.Deliver(h.fanOut(ChannelTutor, envelope.SessionID, "", Frame{Data: envelope.Payload}))
	default:
		h.logger.Warn("relay remote envelope ignored",
			zap.String("session_id", envelope.SessionID),
			zap.String("kind", envelope.Kind))
	}
}

// Deliver enqueues every action and returns the number of frames accepted.
// Targets whose queue is full are closed as slow consumers.
func (h *Hub) Deliver(actions []Action) int {
	delivered := 0
	for _, action := range actions {
		for _, target := range action.Targets {
			if target.enqueue(action.Frame) {
				delivered++
				h.metrics.FramesDelivered(string(target.Channel()), 1)
				continue
			}
			if errors.Is(target.Err(), ErrSlowConsumer) {
				h.metrics.SlowConsumer(string(target.Channel()))
				h.logger.Warn("relay slow consumer disconnected",
					zap.String("session_id", target.SessionID()),
					zap.String("channel", string(target.Channel())),
					zap.String("connection_id", target.ID()))
			}
		}
	}
	return delivered
}

func (h *Hub) publish(ctx context.Context, envelope Envelope) {
	if h.bus == nil {
		return
	}
	publishContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.publishTimeout)
	defer cancel()
	if err := h.bus.Publish(publishContext, envelope); err != nil {
		h.logger.Warn("relay bus publish failed",
			zap.String("session_id", envelope.SessionID),
			zap.String("kind", envelope.Kind),
			zap.Error(err))
		return
	}
	h.metrics.BusMessage("published")
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ink.ErrEmptyUpdate):
		return "empty_update"
	case errors.Is(err, ink.ErrUpdateTooLarge):
		return "update_too_large"
	case errors.Is(err, ink.ErrDocumentFull):
		return "document_full"
	case errors.Is(err, ink.ErrSessionNotActive):
		return "session_inactive"
	default:
		return "other"
	}
}
