package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/playground/internal/observability"
	"github.com/ent0n29/playground/internal/protocol"
)

var (
	ErrParticipantExists = errors.New("participant already connected")
	ErrMethodNotFound    = errors.New("rpc method not found")
	ErrMethodExists      = errors.New("rpc method already registered")
	ErrRPCTimeout        = errors.New("rpc response timeout")
)

const outboundBuffer = 64

type Participant struct {
	Identity string    `json:"identity"`
	Metadata string    `json:"-"`
	JoinedAt time.Time `json:"joined_at"`

	member *Member
}

// Left is closed once this participant's connection is gone. It tracks the
// connection that was claimed, not whoever holds the identity later.
func (p Participant) Left() <-chan struct{} {
	if p.member == nil {
		gone := make(chan struct{})
		close(gone)
		return gone
	}
	return p.member.left
}

// RPCInvocation is one inbound call to a registered method.
type RPCInvocation struct {
	RequestID       string
	CallerIdentity  string
	Payload         string
	ResponseTimeout time.Duration
}

type RPCHandler func(ctx context.Context, inv RPCInvocation) (string, error)

// Room is what the agent needs from the transport.
type Room interface {
	ID() string
	// WaitForParticipant claims the next connected participant. The
	// returned Participant's Left channel belongs to that connection.
	WaitForParticipant(ctx context.Context) (Participant, error)
	RegisterRPCMethod(method string, handler RPCHandler) error
	UnregisterRPCMethod(method string)
	// Disconnect tells the participant why and removes its connection. A
	// newer connection under the same identity is left alone.
	Disconnect(p Participant, code, detail string)
}

// Member is a connected participant as seen by its channel.
type Member struct {
	Participant

	outbound  chan any
	left      chan struct{}
	leaveOnce sync.Once
	metrics   *observability.Metrics
}

func (m *Member) Outbound() <-chan any { return m.outbound }

func (m *Member) Left() <-chan struct{} { return m.left }

// Send queues msg for the participant. It drops the message when the
// queue is full or the participant has left.
func (m *Member) Send(msg any, msgType string) bool {
	select {
	case <-m.left:
		return false
	default:
	}
	select {
	case m.outbound <- msg:
		return true
	default:
		m.metrics.ObserveWSMessage("outbound_dropped", msgType)
		return false
	}
}

// Hub is an in-process room holding connected participants and the RPC
// methods the agent exposes to them.
type Hub struct {
	id         string
	rpcTimeout time.Duration
	metrics    *observability.Metrics
	logger     *zap.Logger

	mu      sync.Mutex
	members map[string]*Member
	queue   []string
	claimed map[string]bool
	arrived chan struct{}
	methods map[string]RPCHandler
}

func NewHub(rpcTimeout time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Hub {
	if rpcTimeout <= 0 {
		rpcTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Hub{
		id:         id,
		rpcTimeout: rpcTimeout,
		metrics:    metrics,
		logger:     logger.With(zap.String("room_id", id)),
		members:    make(map[string]*Member),
		claimed:    make(map[string]bool),
		arrived:    make(chan struct{}),
		methods:    make(map[string]RPCHandler),
	}
}

func (h *Hub) ID() string { return h.id }

func (h *Hub) Join(identity, metadata string) (*Member, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, errors.New("identity is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[identity]; ok {
		return nil, fmt.Errorf("%w: %s", ErrParticipantExists, identity)
	}
	m := &Member{
		Participant: Participant{Identity: identity, Metadata: metadata, JoinedAt: time.Now().UTC()},
		outbound:    make(chan any, outboundBuffer),
		left:        make(chan struct{}),
		metrics:     h.metrics,
	}
	m.Participant.member = m
	h.members[identity] = m
	h.queue = append(h.queue, identity)
	close(h.arrived)
	h.arrived = make(chan struct{})
	h.logger.Info("participant joined", zap.String("identity", identity))
	return m, nil
}

func (h *Hub) Leave(identity string) {
	if m, ok := h.Member(identity); ok {
		h.remove(m)
	}
}

// remove drops m only if it is still the member registered under its
// identity, so a stale channel cannot evict a newer connection.
func (h *Hub) remove(m *Member) {
	h.mu.Lock()
	current, ok := h.members[m.Identity]
	if ok && current == m {
		delete(h.members, m.Identity)
		delete(h.claimed, m.Identity)
		h.dropQueuedLocked(m.Identity)
	}
	h.mu.Unlock()

	m.leaveOnce.Do(func() {
		close(m.left)
		h.logger.Info("participant left", zap.String("identity", m.Identity))
	})
}

func (h *Hub) Disconnect(p Participant, code, detail string) {
	m := p.member
	if m == nil {
		return
	}
	m.Send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: h.id,
		Code:      code,
		Source:    "agent",
		Detail:    detail,
	}, string(protocol.TypeErrorEvent))
	h.remove(m)
}

// WaitForParticipant blocks until a participant that no caller has claimed
// yet is connected, and claims it.
func (h *Hub) WaitForParticipant(ctx context.Context) (Participant, error) {
	for {
		h.mu.Lock()
		for len(h.queue) > 0 {
			identity := h.queue[0]
			h.queue = h.queue[1:]
			if m, ok := h.members[identity]; ok && !h.claimed[identity] {
				h.claimed[identity] = true
				h.mu.Unlock()
				return m.Participant, nil
			}
		}
		arrived := h.arrived
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return Participant{}, ctx.Err()
		case <-arrived:
		}
	}
}

// Left is closed once identity is no longer connected.
func (h *Hub) Left(identity string) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.members[identity]; ok {
		return m.left
	}
	gone := make(chan struct{})
	close(gone)
	return gone
}

func (h *Hub) Member(identity string) (*Member, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[identity]
	return m, ok
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.members)
}

func (h *Hub) RegisterRPCMethod(method string, handler RPCHandler) error {
	if strings.TrimSpace(method) == "" || handler == nil {
		return errors.New("rpc method name and handler are required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.methods[method]; ok {
		return fmt.Errorf("%w: %s", ErrMethodExists, method)
	}
	h.methods[method] = handler
	return nil
}

func (h *Hub) UnregisterRPCMethod(method string) {
	h.mu.Lock()
	delete(h.methods, method)
	h.mu.Unlock()
}

// PerformRPC dispatches a participant's call to the registered handler and
// waits at most the response timeout for its answer.
func (h *Hub) PerformRPC(ctx context.Context, caller, requestID, method, payload string) (string, error) {
	h.mu.Lock()
	handler, ok := h.methods[method]
	h.mu.Unlock()
	if !ok {
		h.metrics.ObserveRPC(method, "not_found")
		return "", fmt.Errorf("%w: %s", ErrMethodNotFound, method)
	}

	ctx, cancel := context.WithTimeout(ctx, h.rpcTimeout)
	defer cancel()

	type reply struct {
		out string
		err error
	}
	done := make(chan reply, 1)
	go func() {
		out, err := handler(ctx, RPCInvocation{
			RequestID:       requestID,
			CallerIdentity:  caller,
			Payload:         payload,
			ResponseTimeout: h.rpcTimeout,
		})
		done <- reply{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			h.metrics.ObserveRPC(method, "error")
			return "", r.err
		}
		h.metrics.ObserveRPC(method, "ok")
		return r.out, nil
	case <-ctx.Done():
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			h.metrics.ObserveRPC(method, "canceled")
			return "", ctx.Err()
		}
		h.metrics.ObserveRPC(method, "timeout")
		h.logger.Warn("rpc handler timed out",
			zap.String("method", method),
			zap.String("caller", caller),
			zap.Duration("timeout", h.rpcTimeout),
		)
		return "", ErrRPCTimeout
	}
}

func (h *Hub) dropQueuedLocked(identity string) {
	out := h.queue[:0]
	for _, id := range h.queue {
		if id != identity {
			out = append(out, id)
		}
	}
	h.queue = out
}
