// Package stream turns a polled run into an ordered, deduplicated event stream.
//
// One call to Bridge.Stream owns one goroutine. Both the poll ticker and the
// keep-alive ticker are selected on in that goroutine, so ticks of a stream
// never overlap and the per-stream state needs no lock.
package stream

import (
	"context"
	"log/slog"
	"reflect"
	"time"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/metrics"
	"github.com/sakif/coderunner/internal/model"
)

const (
	pollTimeoutMessage = "Polling timeout - execution took too long to complete"
	noOutputMessage    = "Task completed but no output was returned"
)

// Source is the read side of the orchestrator.
type Source interface {
	Retrieve(ctx context.Context, id string) (*model.Run, error)
}

// Outcome says why a stream ended.
type Outcome string

const (
	OutcomeDone         Outcome = "done"
	OutcomePollTimeout  Outcome = "poll_timeout"
	OutcomeNotFound     Outcome = "not_found"
	OutcomeDisconnected Outcome = "disconnected"
)

// Err returns the error class of a non-successful outcome, or nil.
func (o Outcome) Err() error {
	switch o {
	case OutcomePollTimeout:
		return apperror.Timeout(pollTimeoutMessage)
	case OutcomeNotFound:
		return apperror.ErrNotFound
	case OutcomeDisconnected:
		return apperror.ErrStreamTerminated
	default:
		return nil
	}
}

type Config struct {
	PollInterval      time.Duration
	KeepAliveInterval time.Duration
	// MaxPolls bounds the life of a stream whose run never finishes.
	MaxPolls int
	// FetchTimeout bounds a single status fetch.
	FetchTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:      500 * time.Millisecond,
		KeepAliveInterval: 30 * time.Second,
		MaxPolls:          600,
		FetchTimeout:      10 * time.Second,
	}
}

type Bridge struct {
	source Source
	config Config
	logger *slog.Logger
	now    func() time.Time
}

func NewBridge(source Source, cfg Config, logger *slog.Logger) *Bridge {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = def.KeepAliveInterval
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = def.MaxPolls
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	return &Bridge{
		source: source,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// session is the state of one stream. closed is set exactly once and no
// write happens after it.
type session struct {
	b      *Bridge
	id     string
	w      EventWriter
	logger *slog.Logger

	lastStatus executor.Status
	lastOutput *executor.ExecutionResult
	pollCount  int

	closed  bool
	outcome Outcome
}

// Stream writes the events of one job to w until the job finishes, the poll
// ceiling is hit, the job turns out not to exist, or ctx is cancelled by the
// peer going away. It always returns the reason.
func (b *Bridge) Stream(ctx context.Context, jobID string, w EventWriter) Outcome {
	s := &session{
		b:      b,
		id:     jobID,
		w:      w,
		logger: b.logger.With(slog.String("executionId", jobID)),
	}
	start := b.now()

	outcome := s.run(ctx)

	metrics.StreamsEndedTotal.WithLabelValues(string(outcome)).Inc()
	s.logger.Debug("stream ended",
		slog.String("outcome", string(outcome)),
		slog.Int("polls", s.pollCount),
		slog.Duration("duration", b.now().Sub(start)),
	)
	return outcome
}

func (s *session) run(ctx context.Context) Outcome {
	s.emit(ctx, Event{Type: EventConnected, ExecutionID: s.id})
	if s.closed {
		return s.outcome
	}

	poll := time.NewTicker(s.b.config.PollInterval)
	defer poll.Stop()
	keepAlive := time.NewTicker(s.b.config.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			s.close(OutcomeDisconnected)
		case <-keepAlive.C:
			s.keepAlive(ctx)
		case <-poll.C:
			s.tick(ctx)
		}
		if s.closed {
			return s.outcome
		}
	}
}

func (s *session) tick(ctx context.Context) {
	if s.closed {
		return
	}
	s.pollCount++

	fetchCtx, cancel := context.WithTimeout(ctx, s.b.config.FetchTimeout)
	run, err := s.b.source.Retrieve(fetchCtx, s.id)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			s.close(OutcomeDisconnected)
			return
		}
		if apperror.IsNotFound(err) {
			metrics.StreamPollsTotal.WithLabelValues("fatal").Inc()
			s.emit(ctx, Event{Type: EventError, Error: err.Error()})
			s.close(OutcomeNotFound)
			return
		}
		metrics.StreamPollsTotal.WithLabelValues("transient").Inc()
		s.logger.Warn("transient error polling run, retrying",
			slog.Int("poll", s.pollCount),
			slog.String("error", err.Error()),
		)
		s.checkCeiling(ctx)
		return
	}
	metrics.StreamPollsTotal.WithLabelValues("ok").Inc()

	status := run.Status.Coarse()
	if status != s.lastStatus {
		if !s.emit(ctx, Event{Type: EventStatus, Status: status}) {
			return
		}
		s.lastStatus = status
		s.logger.Debug("run status changed", slog.String("status", string(run.Status)))
	}

	if run.Output != nil && !reflect.DeepEqual(run.Output, s.lastOutput) {
		s.emitOutput(ctx, run.Output, false)
		s.lastOutput = run.Output
	}
	if s.closed {
		return
	}

	if status.IsTerminal() {
		if run.Output != nil {
			s.emitOutput(ctx, run.Output, true)
		} else {
			s.logger.Warn("run finished without output", slog.String("status", string(run.Status)))
			msg := noOutputMessage
			if run.Error != "" {
				msg += ": " + run.Error
			}
			s.emit(ctx, Event{Type: EventStderr, Data: &msg})
		}
		s.emit(ctx, Event{Type: EventDone, Status: status})
		s.close(OutcomeDone)
		return
	}

	s.checkCeiling(ctx)
}

// emitOutput sends the fields of out that differ from the last snapshot.
// stdout and stderr go out as whole values, never as deltas. A non-empty error
// is surfaced on the stderr channel. The final pass skips empty streams.
func (s *session) emitOutput(ctx context.Context, out *executor.ExecutionResult, final bool) {
	last := s.lastOutput
	if last == nil {
		last = &executor.ExecutionResult{}
	}

	if out.Stdout != nil && !sameString(out.Stdout, last.Stdout) && !(final && *out.Stdout == "") {
		s.emit(ctx, Event{Type: EventStdout, Data: out.Stdout})
	}
	if out.Stderr != nil && !sameString(out.Stderr, last.Stderr) && !(final && *out.Stderr == "") {
		s.emit(ctx, Event{Type: EventStderr, Data: out.Stderr})
	}
	if out.ExitCode != nil && (last.ExitCode == nil || *out.ExitCode != *last.ExitCode) {
		s.emit(ctx, Event{Type: EventExitCode, ExitCode: out.ExitCode})
	}
	if out.Error != "" && out.Error != last.Error {
		msg := out.Error
		s.emit(ctx, Event{Type: EventStderr, Data: &msg})
	}
}

func (s *session) checkCeiling(ctx context.Context) {
	if s.pollCount < s.b.config.MaxPolls {
		return
	}
	s.logger.Warn("run did not finish before the poll ceiling", slog.Int("polls", s.pollCount))
	s.emit(ctx, Event{Type: EventError, Error: pollTimeoutMessage})
	s.close(OutcomePollTimeout)
}

func (s *session) keepAlive(ctx context.Context) {
	if s.closed || ctx.Err() != nil {
		return
	}
	if err := s.w.WriteKeepAlive(); err != nil {
		s.close(OutcomeDisconnected)
	}
}

// emit writes ev unless the stream is closed or the peer is gone. A failed
// write closes the stream. It reports whether the event was written.
func (s *session) emit(ctx context.Context, ev Event) bool {
	if s.closed {
		return false
	}
	if ctx.Err() != nil {
		s.close(OutcomeDisconnected)
		return false
	}

	ev.Timestamp = s.b.now().UnixMilli()
	if err := s.w.WriteEvent(ev); err != nil {
		s.logger.Debug("failed to write event",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		s.close(OutcomeDisconnected)
		return false
	}
	metrics.StreamEventsTotal.WithLabelValues(string(ev.Type)).Inc()
	return true
}

func (s *session) close(outcome Outcome) {
	if s.closed {
		return
	}
	s.closed = true
	s.outcome = outcome
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
