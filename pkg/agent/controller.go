package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jasonkneen/claudesky/internal/observability"
	"github.com/jasonkneen/claudesky/internal/tracing"
	"github.com/jasonkneen/claudesky/pkg/credential"
	"github.com/jasonkneen/claudesky/pkg/messagequeue"
	"github.com/jasonkneen/claudesky/pkg/runtime"
	"github.com/jasonkneen/claudesky/pkg/stream"
	"github.com/rs/zerolog"
)

const tracerName = "claudesky.agent"

// Config holds controller configuration
type Config struct {
	Runtime      runtime.Runtime
	Credentials  credential.Supplier
	Logger       zerolog.Logger
	DefaultModel string
	// ModelAliases maps short names (opus, sonnet) to runtime model ids.
	ModelAliases map[string]string
}

// Options configures a single session.
type Options struct {
	Model             string
	MaxThinkingTokens int
	WorkingDir        string
	PermissionMode    runtime.PermissionMode
	AllowedTools      []string
	Env               map[string]string
	Resume            string
	// Credential overrides the controller's supplier when set.
	Credential *credential.Credential
}

// StopOptions configures Stop.
type StopOptions struct {
	// ResumeSessionID is recorded so the next Start resumes that conversation.
	ResumeSessionID string
}

// Controller owns the lifecycle of one streaming session at a time.
type Controller struct {
	runtime     runtime.Runtime
	credentials credential.Supplier
	logger      zerolog.Logger
	aliases     map[string]string

	queue *messagequeue.Queue
	demux *stream.Demux

	mu         sync.Mutex
	state      State
	current    *session
	generation uint64
}

type session struct {
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
	stream     runtime.Stream
	sink       stream.Sink
	logger     zerolog.Logger
	resumed    bool
	startedAt  time.Time
	done       chan struct{}

	// guarded by Controller.mu
	interrupting bool

	// owned by the driver loop
	initSeen bool

	emitMu sync.Mutex
}

// NewController creates a new session controller
func NewController(cfg Config) (*Controller, error) {
	observability.EnsureRegistered()

	if cfg.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}

	credentials := cfg.Credentials
	if credentials == nil {
		credentials = credential.Env{}
	}

	aliases := make(map[string]string, len(cfg.ModelAliases))
	for name, id := range cfg.ModelAliases {
		aliases[strings.ToLower(strings.TrimSpace(name))] = id
	}

	return &Controller{
		runtime:     cfg.Runtime,
		credentials: credentials,
		logger:      cfg.Logger.With().Str("component", "agent").Str("runtime", cfg.Runtime.Name()).Logger(),
		aliases:     aliases,
		queue:       messagequeue.New(messagequeue.WithName("session")),
		demux:       stream.NewDemux(),
		state:       State{ModelPreference: cfg.DefaultModel},
	}, nil
}

// ResolveModel maps an alias to a model id. Unknown names pass through unchanged.
func (c *Controller) ResolveModel(preference string) string {
	if id, ok := c.aliases[strings.ToLower(strings.TrimSpace(preference))]; ok {
		return id
	}
	return preference
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start opens a new session and launches its driver loop. It returns as soon as
// the loop is running; events are delivered to sink in stream order.
func (c *Controller) Start(ctx context.Context, opts Options, sink stream.Sink) (_ *Handle, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.EnsureTraceID(ctx)
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.start",
		tracing.AttrRuntime.String(c.runtime.Name()),
	)
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	if sink == nil {
		sink = func(stream.Event) {}
	}

	c.mu.Lock()
	for c.state.Phase == PhaseTerminating && c.current != nil {
		done := c.current.done
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c.mu.Lock()
	}

	if c.state.Phase != PhaseIdle {
		phase := c.state.Phase
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidState, phase)
	}

	basePreference := c.state.ModelPreference
	preference := opts.Model
	if preference == "" {
		preference = basePreference
	}
	resume := opts.Resume
	if resume == "" {
		resume = c.state.ResumeSessionID
	}

	c.demux.Reset()
	c.queue.ResetAbort()

	c.generation++
	sessCtx, cancel := context.WithCancel(tracing.CloneContext(ctx))
	s := &session{
		generation: c.generation,
		ctx:        sessCtx,
		cancel:     cancel,
		sink:       sink,
		logger:     logger.With().Uint64("generation", c.generation).Logger(),
		resumed:    resume != "",
		startedAt:  time.Now(),
		done:       make(chan struct{}),
	}
	c.current = s
	c.state.Phase = PhaseStarting
	c.mu.Unlock()

	// c.mu is not held across credential lookup and Open; callers see PhaseStarting.
	cred, err := c.resolveCredential(ctx, opts)
	if err != nil {
		c.mu.Lock()
		c.abandon(s)
		c.mu.Unlock()
		return nil, err
	}

	openOpts := runtime.OpenOptions{
		Model:             c.ResolveModel(preference),
		MaxThinkingTokens: opts.MaxThinkingTokens,
		WorkingDir:        opts.WorkingDir,
		PermissionMode:    opts.PermissionMode,
		AllowedTools:      opts.AllowedTools,
		Env:               opts.Env,
		Resume:            resume,
		Credential:        cred,
		Debug: func(line string) {
			c.emit(s, stream.DebugMessage{Text: line})
		},
	}

	st, openErr := c.runtime.Open(sessCtx, openOpts, runtime.InputFunc(c.nextInput))

	c.mu.Lock()
	if openErr != nil {
		c.abandon(s)
		c.mu.Unlock()
		logger.Error().Err(openErr).Msg("Failed to open runtime stream")
		return nil, &RemoteStreamError{Op: "open", Err: openErr}
	}
	if c.current != s || sessCtx.Err() != nil {
		c.abandon(s)
		c.mu.Unlock()
		if closeErr := st.Close(); closeErr != nil {
			logger.Debug().Err(closeErr).Msg("Failed to close runtime stream")
		}
		logger.Info().Msg("Session stopped while starting")
		return nil, fmt.Errorf("%w: session stopped while starting", ErrInvalidState)
	}

	// SetModel during startup only updated the preference.
	switchModel := c.state.ModelPreference != basePreference
	if switchModel {
		preference = c.state.ModelPreference
	}

	s.stream = st
	c.state = State{
		Phase:           PhaseProcessing,
		Processing:      true,
		LastSessionID:   c.state.LastSessionID,
		ModelPreference: preference,
		Resumed:         s.resumed,
		StartedAt:       s.startedAt,
	}
	if s.resumed {
		c.state.SessionID = resume
	}
	c.mu.Unlock()

	span.SetAttributes(
		tracing.AttrModel.String(openOpts.Model),
		tracing.AttrResumed.Bool(s.resumed),
	)
	observability.RecordSessionStart(c.runtime.Name(), s.resumed)
	observability.RecordSessionAudit(ctx, "session_start", "controller", "success", map[string]interface{}{
		"runtime": c.runtime.Name(),
		"model":   openOpts.Model,
		"resume":  resume,
	})
	s.logger.Info().
		Str("model", openOpts.Model).
		Str("resume", resume).
		Msg("Session started")

	go c.run(s)

	if switchModel {
		model := c.ResolveModel(preference)
		if err := st.SetModel(ctx, model); err != nil {
			observability.RecordModelSwitch(false)
			s.logger.Warn().Err(err).Str("model", model).Msg("Model switch requested during startup failed")
		} else {
			observability.RecordModelSwitch(true)
		}
	}

	return &Handle{c: c, s: s}, nil
}

// abandon releases a session that never reached PhaseProcessing. Caller holds c.mu.
func (c *Controller) abandon(s *session) {
	s.cancel()
	if c.current == s {
		c.becomeIdle()
	}
	close(s.done)
}

// becomeIdle returns to Idle, keeping what outlives a session. Caller holds c.mu.
func (c *Controller) becomeIdle() {
	c.current = nil
	c.state = State{
		Phase:           PhaseIdle,
		LastSessionID:   c.state.LastSessionID,
		ModelPreference: c.state.ModelPreference,
		ResumeSessionID: c.state.ResumeSessionID,
	}
}

func (c *Controller) resolveCredential(ctx context.Context, opts Options) (credential.Credential, error) {
	var cred credential.Credential
	if opts.Credential != nil {
		cred = *opts.Credential
	} else {
		supplied, err := c.credentials.Credential(ctx)
		if err != nil {
			return credential.Credential{}, fmt.Errorf("failed to resolve credential: %w", err)
		}
		cred = supplied
	}
	cred = cred.Normalize()
	if err := cred.Validate(); err != nil {
		return credential.Credential{}, err
	}
	return cred, nil
}

// nextInput is the runtime's input generator. It hands queued messages over one
// at a time and ends when the session is aborted.
func (c *Controller) nextInput(ctx context.Context) (messagequeue.Message, bool) {
	item, ok := c.queue.DrainNext(ctx)
	if !ok {
		return messagequeue.Message{}, false
	}
	item.MarkDelivered()
	return item.Message, true
}

// active reports whether s is the processing session. Caller holds c.mu.
func (c *Controller) active(s *session) bool {
	return s != nil && c.current == s && c.state.Phase == PhaseProcessing
}

// IsActive reports whether a session is processing.
func (c *Controller) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active(c.current)
}

// SessionID returns the remote session id once the runtime has announced it.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.SessionID
}

// Done returns a channel closed when the current session's loop exits. It is
// nil when no session exists.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return c.current.done
}

// SendMessage enqueues msg for the current session and waits until the runtime
// has taken it, the queue is cleared, or ctx is done.
func (c *Controller) SendMessage(ctx context.Context, msg messagequeue.Message) error {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	return c.sendMessage(ctx, s, msg)
}

// SendText is SendMessage for a plain text message.
func (c *Controller) SendText(ctx context.Context, text string) error {
	return c.SendMessage(ctx, messagequeue.Message{Text: text})
}

func (c *Controller) sendMessage(ctx context.Context, s *session, msg messagequeue.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	if !c.active(s) {
		c.mu.Unlock()
		return ErrNotActive
	}
	item := c.queue.Enqueue(msg)
	c.mu.Unlock()

	ctx = tracing.WithTurnID(ctx, tracing.NewTurnID())
	log := tracing.LoggerFromContext(ctx, s.logger)
	log.Debug().Str("message_id", item.Message.ID).Msg("Message queued")

	select {
	case <-item.Done():
		if !item.Delivered() {
			log.Debug().Str("message_id", item.Message.ID).Msg("Queued message discarded")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt asks the runtime to stop the in-flight turn. It reports false when
// there is no session. Concurrent calls share one remote interrupt.
func (c *Controller) Interrupt(ctx context.Context) (bool, error) {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	return c.interrupt(ctx, s)
}

func (c *Controller) interrupt(ctx context.Context, s *session) (_ bool, err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	if !c.active(s) {
		c.mu.Unlock()
		return false, nil
	}
	if s.interrupting {
		c.mu.Unlock()
		return true, nil
	}
	s.interrupting = true
	st := s.stream
	c.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.interrupt")
	defer func() { tracing.EndSpan(span, err) }()

	remoteErr := st.Interrupt(ctx)

	c.mu.Lock()
	s.interrupting = false
	c.mu.Unlock()

	if remoteErr != nil {
		observability.RecordInterrupt(false)
		s.logger.Warn().Err(remoteErr).Msg("Interrupt failed")
		return false, &RemoteStreamError{Op: "interrupt", Err: remoteErr}
	}

	observability.RecordInterrupt(true)
	observability.RecordSessionAudit(ctx, "session_interrupt", "controller", "success", nil)
	c.emit(s, stream.MessageStopped{})
	return true, nil
}

// Stop aborts the current session and waits for its driver loop to exit.
// Messages still queued are discarded without delivery.
func (c *Controller) Stop(ctx context.Context, opts StopOptions) error {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	return c.stop(ctx, s, opts)
}

func (c *Controller) stop(ctx context.Context, s *session, opts StopOptions) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	if opts.ResumeSessionID != "" {
		c.state.ResumeSessionID = opts.ResumeSessionID
	}
	if s == nil || c.current != s {
		c.mu.Unlock()
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.stop")
	defer func() { tracing.EndSpan(span, err) }()

	c.state.AbortRequested = true
	c.state.Processing = false
	c.state.Phase = PhaseTerminating
	c.queue.Abort()
	s.cancel()
	discarded := c.queue.Clear()
	done := s.done
	c.mu.Unlock()

	s.logger.Info().Int("discarded", discarded).Msg("Stopping session")
	observability.RecordSessionAudit(ctx, "session_stop", "controller", "success", map[string]interface{}{
		"discarded": discarded,
		"resume":    opts.ResumeSessionID,
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetModel changes the model preference and, when a session is processing,
// switches the runtime's model. The previous preference is restored on failure.
func (c *Controller) SetModel(ctx context.Context, preference string) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	if preference == c.state.ModelPreference {
		c.mu.Unlock()
		return nil
	}
	previous := c.state.ModelPreference
	c.state.ModelPreference = preference
	var st runtime.Stream
	var s *session
	if c.active(c.current) {
		s = c.current
		st = s.stream
	}
	c.mu.Unlock()

	if st == nil {
		return nil
	}

	model := c.ResolveModel(preference)
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.set_model", tracing.AttrModel.String(model))
	defer func() { tracing.EndSpan(span, err) }()

	if remoteErr := st.SetModel(ctx, model); remoteErr != nil {
		c.mu.Lock()
		if c.state.ModelPreference == preference {
			c.state.ModelPreference = previous
		}
		c.mu.Unlock()
		observability.RecordModelSwitch(false)
		s.logger.Warn().Err(remoteErr).Str("model", model).Msg("Model switch failed")
		return &RemoteStreamError{Op: "set_model", Err: remoteErr}
	}

	observability.RecordModelSwitch(true)
	s.logger.Info().Str("model", model).Msg("Model switched")
	return nil
}

func (c *Controller) emit(s *session, ev stream.Event) {
	observability.RecordEvent(string(ev.Kind()))
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.sink(ev)
}
