package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/sessionhub/internal/model"
	"github.com/remote-agent-terminal/sessionhub/internal/protocol"
	"github.com/remote-agent-terminal/sessionhub/internal/repository"
)

// Reply is what an agent answers to one inbound message.
type Reply struct {
	Content string
	Status  string // reported as an AGENT_STATUS envelope when set
}

// Responder produces the agent side of a conversation.
type Responder interface {
	Respond(ctx context.Context, thread *model.Thread, inbound model.Message) (Reply, error)
}

// EchoResponder answers every message with its own content.
type EchoResponder struct {
	Prefix string
}

// Respond implements Responder.
func (e EchoResponder) Respond(_ context.Context, _ *model.Thread, inbound model.Message) (Reply, error) {
	return Reply{Content: e.Prefix + inbound.Content, Status: "idle"}, nil
}

// Config holds the backend service settings.
type Config struct {
	// ReplayOnSubscribe pushes the latest history page as a ThreadHistory
	// event when a client subscribes.
	ReplayOnSubscribe bool
	ReplayPageSize    int
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{ReplayOnSubscribe: true, ReplayPageSize: 50}
}

// Service implements the remote agent methods on top of the thread
// repository.
type Service struct {
	cfg       Config
	repo      *repository.ThreadRepository
	groups    *GroupManager
	handler   *Handler
	responder Responder
	log       zerolog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// NewService creates a new backend service.
func NewService(cfg Config, repo *repository.ThreadRepository, responder Responder, log zerolog.Logger) *Service {
	if responder == nil {
		responder = EchoResponder{Prefix: "echo: "}
	}
	if cfg.ReplayPageSize < 1 {
		cfg.ReplayPageSize = DefaultConfig().ReplayPageSize
	}

	groups := NewGroupManager()
	s := &Service{
		cfg:       cfg,
		repo:      repo,
		groups:    groups,
		handler:   NewHandler(groups, log),
		responder: responder,
		log:       log,
		now:       time.Now,
	}

	s.handler.Handle(protocol.MethodSubscribeToAgent, s.subscribeToAgent)
	s.handler.Handle(protocol.MethodGetThreadHistory, s.getThreadHistory)
	s.handler.Handle(protocol.MethodSendInboundMessage, s.sendInboundMessage)
	s.handler.SetOnLeave(func(c *Client) {
		s.log.Info().Int("channel_id", c.Identity().ChannelID).Str("agent", c.Identity().Agent).Msg("client disconnected")
	})

	return s
}

// Handler returns the WebSocket handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// Groups returns the subscription groups.
func (s *Service) Groups() *GroupManager {
	return s.groups
}

// timestamp returns a UTC time at millisecond precision, rounded up, and
// strictly after the given time.
func (s *Service) timestamp(after time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	t := now.Truncate(time.Millisecond)
	if t.Before(now) {
		t = t.Add(time.Millisecond)
	}
	if !t.After(after) {
		t = after.Add(time.Millisecond)
	}
	return t
}

func (s *Service) subscribeToAgent(ctx context.Context, c *Client, f *protocol.Frame) (any, error) {
	var (
		channelID   int
		participant string
		tenant      string
	)
	if err := f.Arg(0, &channelID); err != nil {
		return nil, err
	}
	if err := f.Arg(1, &participant); err != nil {
		return nil, err
	}
	if len(f.Arguments) > 2 {
		if err := f.Arg(2, &tenant); err != nil {
			return nil, err
		}
	}
	if participant == "" {
		participant = c.Identity().ParticipantID
	}
	if participant == "" {
		return nil, errors.New("participant is required")
	}

	id := c.Identity()
	s.groups.Join(GroupKey(id.Agent, participant), c)

	s.log.Debug().
		Int("channel_id", channelID).
		Str("agent", id.Agent).
		Str("participant", participant).
		Str("tenant", tenant).
		Msg("subscribed")

	if s.cfg.ReplayOnSubscribe {
		s.replay(ctx, c, id.WorkflowType, participant)
	}
	return true, nil
}

func (s *Service) replay(ctx context.Context, c *Client, workflowType, participant string) {
	batch, err := s.history(ctx, workflowType, participant, 1, s.cfg.ReplayPageSize)
	if err != nil {
		s.log.Warn().Err(err).Msg("history replay failed")
		return
	}
	if len(batch) == 0 {
		return
	}
	if err := c.Push(protocol.EventThreadHistory, batch); err != nil {
		s.log.Warn().Err(err).Msg("history replay failed")
	}
}

func (s *Service) getThreadHistory(ctx context.Context, c *Client, f *protocol.Frame) (any, error) {
	var (
		workflowType string
		participant  string
		page         int
		pageSize     int
	)
	if err := f.Arg(0, &workflowType); err != nil {
		return nil, err
	}
	if err := f.Arg(1, &participant); err != nil {
		return nil, err
	}
	if err := f.Arg(2, &page); err != nil {
		return nil, err
	}
	if err := f.Arg(3, &pageSize); err != nil {
		return nil, err
	}
	if pageSize < 1 {
		return nil, fmt.Errorf("page size must be positive, got %d", pageSize)
	}

	return s.history(ctx, workflowType, participant, page, pageSize)
}

// history returns a page of the participant's latest thread, newest first.
func (s *Service) history(ctx context.Context, workflowType, participant string, page, pageSize int) ([]protocol.RawMessage, error) {
	thread, err := s.repo.LatestThread(ctx, participant, workflowType)
	if errors.Is(err, model.ErrThreadNotFound) {
		return []protocol.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}

	messages, err := s.repo.ListMessages(ctx, thread.ID, page, pageSize)
	if err != nil {
		return nil, err
	}

	batch := make([]protocol.RawMessage, 0, len(messages))
	for _, msg := range messages {
		batch = append(batch, toRaw(msg, thread))
	}
	return batch, nil
}

func toRaw(msg model.Message, thread *model.Thread) protocol.RawMessage {
	return protocol.RawMessage{
		ID:            msg.ID,
		Content:       msg.Content,
		Direction:     protocol.FromDirection(msg.Direction),
		CreatedAt:     msg.CreatedAt,
		ThreadID:      thread.ID,
		ParticipantID: msg.ParticipantID,
		Agent:         thread.Agent,
		WorkflowType:  thread.WorkflowType,
	}
}

func (s *Service) resolveThread(ctx context.Context, c *Client, req *protocol.InboundRequest) (*model.Thread, error) {
	if req.ThreadID != "" {
		return s.repo.GetThread(ctx, req.ThreadID)
	}

	now := s.timestamp(time.Time{})
	thread := &model.Thread{
		ID:            uuid.NewString(),
		Agent:         req.Agent,
		WorkflowType:  req.WorkflowType,
		WorkflowID:    req.WorkflowID,
		ParticipantID: req.ParticipantID,
		TenantID:      c.Identity().TenantID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if thread.WorkflowType == "" {
		thread.WorkflowType = req.Agent
	}
	if err := s.repo.CreateThread(ctx, thread); err != nil {
		return nil, err
	}
	return thread, nil
}

func (s *Service) sendInboundMessage(ctx context.Context, c *Client, f *protocol.Frame) (any, error) {
	var req protocol.InboundRequest
	if err := f.Arg(0, &req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	thread, err := s.resolveThread(ctx, c, &req)
	if err != nil {
		return nil, err
	}

	inbound := model.Message{
		ID:            uuid.NewString(),
		ThreadID:      thread.ID,
		Direction:     model.DirectionInbound,
		Content:       req.Content,
		ParticipantID: req.ParticipantID,
		CreatedAt:     s.timestamp(thread.UpdatedAt),
	}
	if err := s.repo.AppendMessage(ctx, &inbound, req.Agent); err != nil {
		return nil, err
	}

	if err := c.Push(protocol.EventInboundProcessed, thread.ID); err != nil {
		s.log.Warn().Err(err).Msg("failed to push InboundProcessed")
	}

	s.respond(ctx, c, thread, inbound)

	return protocol.SendResult{ThreadID: thread.ID, MessageID: inbound.ID}, nil
}

// respond asks the responder for a reply, stores it and pushes it to the
// participant's subscribers. Responder failures are logged; the inbound
// message is already accepted.
func (s *Service) respond(ctx context.Context, c *Client, thread *model.Thread, inbound model.Message) {
	reply, err := s.responder.Respond(ctx, thread, inbound)
	if err != nil {
		s.log.Warn().Err(err).Str("thread_id", thread.ID).Msg("responder failed")
		return
	}

	outbound := model.Message{
		ID:            uuid.NewString(),
		ThreadID:      thread.ID,
		Direction:     model.DirectionOutbound,
		Content:       reply.Content,
		ParticipantID: inbound.ParticipantID,
		CreatedAt:     s.timestamp(inbound.CreatedAt),
	}
	if err := s.repo.AppendMessage(ctx, &outbound, thread.Agent); err != nil {
		s.log.Warn().Err(err).Str("thread_id", thread.ID).Msg("failed to store reply")
		return
	}

	push := c.Push
	if g := s.groups.Get(GroupKey(c.Identity().Agent, inbound.ParticipantID)); g != nil && g.Has(c) {
		push = g.Push
	}

	if err := push(protocol.EventReceiveMessage, toRaw(outbound, thread)); err != nil {
		s.log.Warn().Err(err).Msg("failed to push reply")
	}

	if reply.Status == "" {
		return
	}
	status, err := statusEnvelope(thread, reply.Status)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to encode status")
		return
	}
	if err := push(protocol.EventReceiveMessage, status); err != nil {
		s.log.Warn().Err(err).Msg("failed to push status")
	}
}

func statusEnvelope(thread *model.Thread, status string) (protocol.RawMessage, error) {
	payload, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		return protocol.RawMessage{}, err
	}
	return protocol.RawMessage{
		MessageType: string(model.MessageTypeAgentStatus),
		ThreadID:    thread.ID,
		Agent:       thread.Agent,
		Payload:     payload,
	}, nil
}

// Close disconnects all clients.
func (s *Service) Close() {
	s.handler.Close()
}
