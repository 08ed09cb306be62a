package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/auth"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrHubStopped is returned by Hub operations submitted after Run has returned.
	ErrHubStopped = errors.New("realtime: hub stopped")
	// ErrSlowConsumer closes a peer whose outbound queue cannot take a reliable frame.
	ErrSlowConsumer = errors.New("realtime: peer outbound queue full")
	// ErrServerShutdown closes every peer during graceful shutdown.
	ErrServerShutdown = errors.New("realtime: server shutting down")

	errEmptyPayload = errors.New("realtime: empty payload")
)

// Peer is a live connection as seen by the Hub.
type Peer interface {
	ID() string
	Identity() auth.Identity
	// Send queues a frame without blocking and reports whether it was accepted.
	Send(frame []byte) bool
	// Close terminates the connection. It must not call back into the Hub.
	Close(reason error)
	// Done is closed once Close has been called.
	Done() <-chan struct{}
}

// HubConfig configures a Hub.
type HubConfig struct {
	Registry  *Registry
	Backplane Backplane
	NodeID    string
	Logger    *zap.Logger
}

// Hub owns the Presence Registry and sequences every room operation on a single goroutine.
// Per-room delivery order equals the order in which the Hub processed the operations.
type Hub struct {
	registry  *Registry
	peers     map[string]Peer
	commands  chan func()
	stopped   chan struct{}
	stopOnce  sync.Once
	backplane Backplane
	nodeID    string
	logger    *zap.Logger
}

// NewHub constructs a Hub. Run must be called before any other operation completes.
func NewHub(cfg HubConfig) *Hub {
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		registry:  registry,
		peers:     make(map[string]Peer),
		commands:  make(chan func()),
		stopped:   make(chan struct{}),
		backplane: cfg.Backplane,
		nodeID:    nodeID,
		logger:    logger.With(zap.String("component", "realtime_hub"), zap.String("node_id", nodeID)),
	}
}

// NodeID identifies this process on the backplane.
func (h *Hub) NodeID() string {
	return h.nodeID
}

// Run processes submitted operations until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return h.loop(groupCtx)
	})
	if h.backplane != nil {
		group.Go(func() error {
			return h.backplane.Run(groupCtx, func(frame RoomFrame) {
				h.deliverRemote(groupCtx, frame)
			})
		})
	}
	err := group.Wait()
	h.stop()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (h *Hub) loop(ctx context.Context) error {
	h.logger.Info("realtime hub started")
	for {
		select {
		case command := <-h.commands:
			command()
		case <-ctx.Done():
			h.stop()
			h.logger.Info("realtime hub stopped")
			return nil
		}
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		close(h.stopped)
	})
}

// exec runs command on the event loop and waits for it to finish.
func (h *Hub) exec(ctx context.Context, command func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		command()
	}
	select {
	case h.commands <- wrapped:
	case <-h.stopped:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Register makes peer eligible to join rooms.
func (h *Hub) Register(ctx context.Context, peer Peer) error {
	return h.exec(ctx, func() {
		h.peers[peer.ID()] = peer
		h.logger.Debug("peer registered",
			zap.String("connection_id", peer.ID()),
			zap.String("user_id", peer.Identity().UserID))
	})
}

// Join admits peer into the room for noteID, announces it to the other members and
// replies to peer with the full member list. A peer that disconnected or was closed in
// the meantime is ignored and Join reports false.
func (h *Hub) Join(ctx context.Context, peer Peer, noteID string) (bool, error) {
	admitted := false
	err := h.exec(ctx, func() {
		if _, ok := h.peers[peer.ID()]; !ok || isClosed(peer) {
			return
		}
		identity := peer.Identity()
		evicted := h.registry.Admit(noteID, Member{
			ConnectionID: peer.ID(),
			UserID:       identity.UserID,
			UserName:     identity.UserName,
		})
		for _, stale := range evicted {
			if stale.ConnectionID != peer.ID() {
				h.logger.Info("evicted stale session",
					zap.String("note_id", noteID),
					zap.String("user_id", stale.UserID),
					zap.String("connection_id", stale.ConnectionID))
				h.notifyReplaced(noteID, stale.ConnectionID)
			}
		}
		admitted = true

		joined, err := EncodeFrame(EventUserJoined, MemberEventPayload{
			NoteID:   noteID,
			UserID:   identity.UserID,
			UserName: identity.UserName,
		})
		if err != nil {
			h.logger.Error("encode user-joined failed", zap.Error(err))
		} else {
			h.fanout(noteID, peer.ID(), joined, true)
		}

		reply, err := EncodeFrame(EventCollaborators, CollaboratorsPayload{
			NoteID:        noteID,
			Collaborators: summarize(h.registry.Members(noteID)),
		})
		if err != nil {
			h.logger.Error("encode collaborators failed", zap.Error(err))
			return
		}
		if !peer.Send(reply) {
			peer.Close(ErrSlowConsumer)
		}
	})
	return admitted, err
}

// notifyReplaced tells an evicted connection that it no longer receives the room's events.
func (h *Hub) notifyReplaced(noteID, connectionID string) {
	stale, ok := h.peers[connectionID]
	if !ok {
		return
	}
	frame, err := EncodeFrame(EventError, ErrorPayload{NoteID: noteID, Message: MessageSessionReplaced})
	if err != nil {
		h.logger.Error("encode error frame failed", zap.Error(err))
		return
	}
	if !stale.Send(frame) {
		h.logger.Debug("replacement notice dropped", zap.String("connection_id", connectionID))
	}
}

func isClosed(peer Peer) bool {
	select {
	case <-peer.Done():
		return true
	default:
		return false
	}
}

// Leave removes peer from the room for noteID and announces it to the remaining members.
// It reports false when peer was not a member.
func (h *Hub) Leave(ctx context.Context, peer Peer, noteID string) (bool, error) {
	removed := false
	err := h.exec(ctx, func() {
		removed = h.removeMember(noteID, peer.ID())
	})
	return removed, err
}

// Disconnect removes peer from every room it is in. It is idempotent.
func (h *Hub) Disconnect(peer Peer) error {
	return h.exec(context.Background(), func() {
		delete(h.peers, peer.ID())
		for _, noteID := range h.registry.RoomsOf(peer.ID()) {
			h.removeMember(noteID, peer.ID())
		}
	})
}

func (h *Hub) removeMember(noteID, connectionID string) bool {
	member, ok := h.registry.Remove(noteID, connectionID)
	if !ok {
		return false
	}
	left, err := EncodeFrame(EventUserLeft, MemberEventPayload{
		NoteID:   noteID,
		UserID:   member.UserID,
		UserName: member.UserName,
	})
	if err != nil {
		h.logger.Error("encode user-left failed", zap.Error(err))
		return true
	}
	h.fanout(noteID, connectionID, left, true)
	return true
}

// Broadcast delivers frame to every member of the room except excludeID and republishes it
// on the backplane. A reliable frame that cannot be queued closes the receiving peer;
// an unreliable one is dropped for that peer.
func (h *Hub) Broadcast(ctx context.Context, noteID, excludeID string, frame []byte, reliable bool) error {
	err := h.exec(ctx, func() {
		h.fanout(noteID, excludeID, frame, reliable)
	})
	if err != nil {
		return err
	}
	if h.backplane != nil {
		h.backplane.Publish(RoomFrame{
			Origin:   h.nodeID,
			NoteID:   noteID,
			Frame:    frame,
			Reliable: reliable,
		})
	}
	return nil
}

func (h *Hub) deliverRemote(ctx context.Context, frame RoomFrame) {
	if frame.Origin == h.nodeID {
		return
	}
	if err := h.exec(ctx, func() {
		h.fanout(frame.NoteID, "", frame.Frame, frame.Reliable)
	}); err != nil && !errors.Is(err, ErrHubStopped) && !errors.Is(err, context.Canceled) {
		h.logger.Warn("remote frame delivery failed", zap.String("note_id", frame.NoteID), zap.Error(err))
	}
}

func (h *Hub) fanout(noteID, excludeID string, frame []byte, reliable bool) {
	for _, member := range h.registry.Members(noteID) {
		if member.ConnectionID == excludeID {
			continue
		}
		peer, ok := h.peers[member.ConnectionID]
		if !ok {
			continue
		}
		if peer.Send(frame) || !reliable {
			continue
		}
		h.logger.Warn("closing slow consumer",
			zap.String("note_id", noteID),
			zap.String("connection_id", member.ConnectionID))
		peer.Close(ErrSlowConsumer)
	}
}

// IsMember reports whether connectionID is present in the room for noteID.
func (h *Hub) IsMember(ctx context.Context, noteID, connectionID string) (bool, error) {
	member := false
	err := h.exec(ctx, func() {
		member = h.registry.Contains(noteID, connectionID)
	})
	return member, err
}

// Members returns the room's entries in join order.
func (h *Hub) Members(ctx context.Context, noteID string) ([]Member, error) {
	var members []Member
	err := h.exec(ctx, func() {
		members = h.registry.Members(noteID)
	})
	return members, err
}

// CloseAll closes every registered peer with reason. Each session's own cleanup then
// performs Disconnect.
func (h *Hub) CloseAll(ctx context.Context, reason error) error {
	return h.exec(ctx, func() {
		for _, peer := range h.peers {
			peer.Close(reason)
		}
	})
}
