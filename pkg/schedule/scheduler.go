// Package schedule sends outbound gateway actions on cron schedules.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tsarna/gateway-client/pkg/gateway"
)

// Sender sends outbound actions. *gateway.Session satisfies it.
type Sender interface {
	SendAction(ctx context.Context, op gateway.Opcode, data any) error
}

// Action is one scheduled outbound action.
type Action struct {
	Name     string
	Schedule string
	Op       gateway.Opcode
	Data     any
}

// Scheduler runs Actions against a Sender. Actions that fire while the
// session is not connected are skipped and logged.
type Scheduler struct {
	sender  Sender
	logger  *zap.Logger
	timeout time.Duration
	cron    *cron.Cron
	parser  cron.Parser

	mu      sync.Mutex
	entries map[string]cron.EntryID
	results chan<- Result
}

// Result reports the outcome of one run.
type Result struct {
	Action string
	At     time.Time
	Err    error
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a scheduler that sends through sender. Schedules use the
// standard five cron fields with an optional leading seconds field, or
// descriptors such as "@every 30s".
func New(sender Sender) *Scheduler {
	return &Scheduler{
		sender:  sender,
		logger:  zap.NewNop(),
		timeout: 10 * time.Second,
		parser:  parser,
		entries: make(map[string]cron.EntryID),
	}
}

// WithLogger sets the logger
func (s *Scheduler) WithLogger(logger *zap.Logger) *Scheduler {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithTimeout bounds each send.
func (s *Scheduler) WithTimeout(timeout time.Duration) *Scheduler {
	if timeout > 0 {
		s.timeout = timeout
	}
	return s
}

// WithResults delivers the outcome of every run to ch. Results are dropped
// when ch is full.
func (s *Scheduler) WithResults(ch chan<- Result) *Scheduler {
	s.results = ch
	return s
}

// Build creates the underlying cron runner in location (Local if nil).
func (s *Scheduler) Build(location *time.Location) *Scheduler {
	if location == nil {
		location = time.Local
	}
	s.cron = cron.New(
		cron.WithLogger(NewZapCronLogger(s.logger)),
		cron.WithParser(s.parser),
		cron.WithLocation(location),
		cron.WithChain(cron.SkipIfStillRunning(NewZapCronLogger(s.logger))),
	)
	return s
}

// Add registers action. Names must be unique and the opcode must be one
// that may be sent as an action.
func (s *Scheduler) Add(action Action) error {
	if action.Name == "" {
		return errors.New("action name is required")
	}
	if !action.Op.Outbound() {
		return fmt.Errorf("action %s: opcode %s cannot be sent as an action", action.Name, action.Op)
	}
	schedule, err := s.parser.Parse(action.Schedule)
	if err != nil {
		return fmt.Errorf("action %s: invalid schedule %q: %w", action.Name, action.Schedule, err)
	}
	if s.cron == nil {
		s.Build(nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[action.Name]; ok {
		return fmt.Errorf("action %s already scheduled", action.Name)
	}
	s.entries[action.Name] = s.cron.Schedule(schedule, &job{scheduler: s, action: action})
	return nil
}

// Remove unschedules the named action.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.entries[name]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	return true
}

// Next returns when the named action runs next.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	if s.cron == nil {
		s.Build(nil)
	}
	s.cron.Start()
}

// Stop stops the scheduler. The returned context is done when running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

// Run sends action once, as a scheduled run would.
func (s *Scheduler) Run(ctx context.Context, action Action) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.sender.SendAction(ctx, action.Op, action.Data)
	switch {
	case err == nil:
		s.logger.Debug("Scheduled action sent", zap.String("action", action.Name), zap.Stringer("op", action.Op))
	case errors.Is(err, gateway.ErrNotConnected):
		s.logger.Info("Skipping scheduled action, not connected", zap.String("action", action.Name))
	default:
		s.logger.Error("Scheduled action failed", zap.String("action", action.Name), zap.Error(err))
	}

	if s.results != nil {
		select {
		case s.results <- Result{Action: action.Name, At: time.Now(), Err: err}:
		default:
		}
	}
	return err
}

type job struct {
	scheduler *Scheduler
	action    Action
}

func (j *job) Run() {
	_ = j.scheduler.Run(context.Background(), j.action)
}
