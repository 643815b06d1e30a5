package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/event-saga/ratelimit"
)

/*
Redis Schema:

- Stream: {prefix}{agent} - requests for one agent, fields: request_id, payload
- List:   {prefix}reply:{request_id} - single reply for one request, expires after the reply TTL
*/

// DefaultAgentPrefix is the default key prefix for agent streams and replies.
const DefaultAgentPrefix = "saga:agent:"

// minAgentWait is the smallest wait BLPOP supports.
const minAgentWait = time.Second

// AgentRequest is the payload an agent receives.
type AgentRequest struct {
	RequestID      string         `json:"request_id"`
	SagaID         string         `json:"saga_id"`
	TenantID       string         `json:"tenant_id"`
	Step           string         `json:"step"`
	StepIndex      int            `json:"step_index"`
	Direction      string         `json:"direction"`
	Action         string         `json:"action"`
	IdempotencyKey string         `json:"idempotency_key"`
	Input          map[string]any `json:"input"`
	SentAt         time.Time      `json:"sent_at"`
}

// AgentReply is the payload an agent pushes back.
type AgentReply struct {
	RequestID string         `json:"request_id"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Permanent bool           `json:"permanent,omitempty"`
}

// AgentTarget sends a call to an agent over a Redis stream and waits for
// the reply on a per-request list.
type AgentTarget struct {
	client      redis.Cmdable
	prefix      string
	maxLen      int64
	defaultWait time.Duration
	limiter     ratelimit.Limiter
}

// AgentOption configures an AgentTarget.
type AgentOption func(*AgentTarget)

// WithAgentPrefix sets the key prefix. Default: "saga:agent:".
func WithAgentPrefix(prefix string) AgentOption {
	return func(t *AgentTarget) {
		if prefix != "" {
			t.prefix = prefix
		}
	}
}

// WithStreamMaxLen caps each agent stream, approximately. Default: 10000.
func WithStreamMaxLen(n int64) AgentOption {
	return func(t *AgentTarget) {
		t.maxLen = n
	}
}

// WithAgentWait sets how long to wait for a reply when the call context
// has no deadline. Default: 30s.
func WithAgentWait(d time.Duration) AgentOption {
	return func(t *AgentTarget) {
		if d > 0 {
			t.defaultWait = d
		}
	}
}

// WithAgentLimiter throttles requests sent to agents.
func WithAgentLimiter(limiter ratelimit.Limiter) AgentOption {
	return func(t *AgentTarget) {
		t.limiter = limiter
	}
}

// NewAgentTarget creates an AgentTarget.
func NewAgentTarget(client redis.Cmdable, opts ...AgentOption) *AgentTarget {
	t := &AgentTarget{
		client:      client,
		prefix:      DefaultAgentPrefix,
		maxLen:      10000,
		defaultWait: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func streamKey(prefix, agent string) string {
	return prefix + agent
}

func replyKey(prefix, requestID string) string {
	return prefix + "reply:" + requestID
}

// Invoke publishes the request and blocks until the agent replies, the
// wait elapses or ctx is done.
func (t *AgentTarget) Invoke(ctx context.Context, call Call) (map[string]any, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req := AgentRequest{
		RequestID:      uuid.NewString(),
		SagaID:         call.SagaID,
		TenantID:       call.TenantID,
		Step:           call.StepName,
		StepIndex:      call.StepIndex,
		Direction:      call.Direction,
		Action:         call.Action,
		IdempotencyKey: call.IdempotencyKey,
		Input:          call.Input,
		SentAt:         time.Now().UTC(),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, Permanent(fmt.Errorf("encode agent request: %w", err))
	}

	args := &redis.XAddArgs{
		Stream: streamKey(t.prefix, call.Target),
		Values: map[string]any{
			"request_id": req.RequestID,
			"payload":    string(payload),
		},
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return nil, fmt.Errorf("xadd %s: %w", args.Stream, err)
	}

	wait := t.defaultWait
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	if wait < minAgentWait {
		wait = minAgentWait
	}

	res, err := t.client.BLPop(ctx, wait, replyKey(t.prefix, req.RequestID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: no reply from agent %s", ErrTimeout, call.Target)
	}
	if err != nil {
		return nil, fmt.Errorf("wait for agent %s: %w", call.Target, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("wait for agent %s: unexpected reply shape", call.Target)
	}

	var reply AgentReply
	if err := json.Unmarshal([]byte(res[1]), &reply); err != nil {
		return nil, Permanent(fmt.Errorf("decode agent reply: %w", err))
	}
	if reply.Error != "" {
		agentErr := &AgentError{Agent: call.Target, Message: reply.Error}
		if reply.Permanent {
			return nil, Permanent(agentErr)
		}
		return nil, agentErr
	}
	if reply.Output == nil {
		reply.Output = map[string]any{}
	}
	return reply.Output, nil
}

// Compile-time check
var _ Target = (*AgentTarget)(nil)

// AgentHandler processes one agent request.
//
// Return a Permanent error to stop the saga engine from retrying.
type AgentHandler func(ctx context.Context, req AgentRequest) (map[string]any, error)

// AgentWorker consumes requests for one agent through a consumer group and
// pushes replies back.
type AgentWorker struct {
	client   redis.Cmdable
	agent    string
	handler  AgentHandler
	prefix   string
	group    string
	consumer string
	block    time.Duration
	batch    int64
	replyTTL time.Duration
	logger   *slog.Logger
}

// WorkerOption configures an AgentWorker.
type WorkerOption func(*AgentWorker)

// WithWorkerPrefix sets the key prefix. Must match the AgentTarget prefix.
func WithWorkerPrefix(prefix string) WorkerOption {
	return func(w *AgentWorker) {
		if prefix != "" {
			w.prefix = prefix
		}
	}
}

// WithConsumerGroup sets the consumer group name. Default: "saga-agents".
func WithConsumerGroup(group string) WorkerOption {
	return func(w *AgentWorker) {
		if group != "" {
			w.group = group
		}
	}
}

// WithConsumerName sets this worker's consumer name.
func WithConsumerName(name string) WorkerOption {
	return func(w *AgentWorker) {
		if name != "" {
			w.consumer = name
		}
	}
}

// WithBlock sets how long one read blocks waiting for requests.
func WithBlock(d time.Duration) WorkerOption {
	return func(w *AgentWorker) {
		if d > 0 {
			w.block = d
		}
	}
}

// WithReplyTTL sets how long an unread reply is kept. Default: 5m.
func WithReplyTTL(d time.Duration) WorkerOption {
	return func(w *AgentWorker) {
		if d > 0 {
			w.replyTTL = d
		}
	}
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *AgentWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewAgentWorker creates a worker serving agent with handler.
func NewAgentWorker(client redis.Cmdable, agent string, handler AgentHandler, opts ...WorkerOption) *AgentWorker {
	host, _ := os.Hostname()
	w := &AgentWorker{
		client:   client,
		agent:    agent,
		handler:  handler,
		prefix:   DefaultAgentPrefix,
		group:    "saga-agents",
		consumer: host + "-" + uuid.NewString()[:8],
		block:    time.Second,
		batch:    10,
		replyTTL: 5 * time.Minute,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes requests until ctx is done.
func (w *AgentWorker) Run(ctx context.Context) error {
	stream := streamKey(w.prefix, w.agent)

	err := w.client.XGroupCreateMkStream(ctx, stream, w.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		streams, err := w.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.group,
			Consumer: w.consumer,
			Streams:  []string{stream, ">"},
			Count:    w.batch,
			Block:    w.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("agent read failed", "agent", w.agent, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.block):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				w.handle(ctx, stream, msg)
			}
		}
	}
}

func (w *AgentWorker) handle(ctx context.Context, stream string, msg redis.XMessage) {
	defer func() {
		if err := w.client.XAck(ctx, stream, w.group, msg.ID).Err(); err != nil {
			w.logger.Error("agent ack failed", "agent", w.agent, "message_id", msg.ID, "error", err)
		}
	}()

	raw, _ := msg.Values["payload"].(string)
	var req AgentRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil || req.RequestID == "" {
		w.logger.Error("agent request malformed", "agent", w.agent, "message_id", msg.ID, "error", err)
		return
	}

	reply := AgentReply{RequestID: req.RequestID}
	out, err := w.handler(ctx, req)
	if err != nil {
		reply.Error = err.Error()
		reply.Permanent = IsPermanent(err)
		w.logger.Warn("agent handler failed",
			"agent", w.agent,
			"saga_id", req.SagaID,
			"step", req.Step,
			"direction", req.Direction,
			"error", err)
	} else {
		reply.Output = out
	}

	data, err := json.Marshal(reply)
	if err != nil {
		w.logger.Error("agent reply encode failed", "agent", w.agent, "error", err)
		return
	}

	key := replyKey(w.prefix, req.RequestID)
	pipe := w.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.Expire(ctx, key, w.replyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		w.logger.Error("agent reply failed", "agent", w.agent, "request_id", req.RequestID, "error", err)
	}
}
