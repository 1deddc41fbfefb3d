package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/cryolab/deltarun/pkg/types"
)

const (
	leadDuration     = time.Minute * 5 // leadDuration is how long before a run the upcoming event is sent.
	preCheckMaxTimes = 30
	preCheckInterval = time.Second * 10
	idleWait         = time.Hour * 10000
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler starts unattended runs from a cron expression.
type Scheduler struct {
	Task       func() error         // starts the run
	PreCheck   func() error         // instruments idle, program present
	OnUpcoming func(runAt time.Time) // sent leadDuration ahead of a run
	OnError    func(err error)

	mu       sync.Mutex
	expr     string
	schedule cron.Schedule
	nextRun  time.Time
	running  bool

	controlCh chan controlMsg
	stopCh    chan struct{}
	doneCh    chan struct{}
}

type controlKind int

const (
	ctrlRecalculate controlKind = iota // schedule replaced or disabled
	ctrlPostpone                       // only the next run moves
	ctrlSkip
)

type controlMsg struct {
	kind controlKind
	at   time.Time
}

func NewScheduler(task, preCheck func() error) *Scheduler {
	if task == nil {
		panic("task function cannot be nil")
	}

	return &Scheduler{
		Task:      task,
		PreCheck:  preCheck,
		controlCh: make(chan controlMsg, 4),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// ParseSchedule reports whether expr is a usable cron expression.
func ParseSchedule(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	go s.runScheduled()
}

// Stop ends the scheduling goroutine and waits for it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	if running {
		<-s.doneCh
	}
}

// Schedule replaces the cron expression. An empty expression disables scheduling.
func (s *Scheduler) Schedule(expr string) error {
	var sh cron.Schedule
	if expr != "" {
		var err error
		sh, err = cronParser.Parse(expr)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.expr = expr
	s.schedule = sh
	s.nextRun = time.Time{}
	if sh != nil {
		s.nextRun = sh.Next(time.Now())
	}
	running := s.running
	s.mu.Unlock()

	if running {
		s.trySendControl(ctrlRecalculate, time.Time{})
	}
	return nil
}

func (s *Scheduler) Disable() {
	_ = s.Schedule("")
}

// Postpone moves the next scheduled run by d. It cannot move past the run after it.
func (s *Scheduler) Postpone(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("postpone duration must be positive")
	}

	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() {
		s.mu.Unlock()
		return fmt.Errorf("no active schedule to postpone")
	}
	orig := s.nextRun
	following := s.schedule.Next(orig).Truncate(time.Second)
	running := s.running
	s.mu.Unlock()

	if !running {
		return fmt.Errorf("no active schedule to postpone")
	}

	pp := orig.Add(d).Truncate(time.Second)
	if pp.Compare(following) >= 0 {
		return fmt.Errorf("postpone duration too long")
	}

	s.mu.Lock()
	s.nextRun = pp
	s.mu.Unlock()
	s.trySendControl(ctrlPostpone, pp)
	return nil
}

// Skip drops the next scheduled run.
func (s *Scheduler) Skip() error {
	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() {
		s.mu.Unlock()
		return fmt.Errorf("no active schedule to skip")
	}
	s.nextRun = s.schedule.Next(s.nextRun)
	running := s.running
	s.mu.Unlock()

	if running {
		s.trySendControl(ctrlSkip, time.Time{})
	}
	return nil
}

func (s *Scheduler) Status() types.ScheduleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := types.ScheduleStatus{
		Cron:   s.expr,
		Active: s.running && s.schedule != nil,
	}
	if !s.nextRun.IsZero() {
		next := s.nextRun
		st.NextRun = &next
	}
	return st
}

func (s *Scheduler) runScheduled() {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
		logrus.Debug("scheduler stopped")
	}()

	logrus.Debug("scheduler started")

	for {
		leading := true
		attempts := 0
		var precheckErr error

		schedule, nextRun := s.snapshot()
		wait := idleWait
		if schedule != nil && !nextRun.IsZero() {
			wait = max(time.Until(nextRun)-leadDuration, 0)
		}
		timer := time.NewTimer(wait)

	loop:
		for {
			select {
			case <-timer.C:
				if schedule == nil || nextRun.IsZero() {
					break loop
				}

				if leading {
					logrus.WithField("runAt", nextRun.Format(time.DateTime)).Debug("upcoming scheduled run")
					leading = false
					timer.Reset(max(time.Until(nextRun), 0))
					s.notifyUpcoming(nextRun)
					continue
				}

				logrus.WithField("runAt", nextRun.Format(time.DateTime)).Info("starting scheduled run")

				if s.PreCheck != nil {
					if err := s.PreCheck(); err != nil {
						if precheckErr == nil || err.Error() != precheckErr.Error() {
							precheckErr = err
							s.notifyError(fmt.Errorf("precheck failed: %w", err))
						}

						attempts++
						if attempts <= preCheckMaxTimes {
							logrus.Debugf("precheck failed (%d/%d): %v; retrying in %s", attempts, preCheckMaxTimes, err, preCheckInterval)
							timer.Reset(preCheckInterval)
							continue
						}

						s.advanceNextRun()
						break loop
					}
				}

				if err := s.Task(); err != nil {
					s.notifyError(fmt.Errorf("scheduled run failed: %w", err))
				}
				s.advanceNextRun()
				break loop
			case <-s.stopCh:
				timer.Stop()
				return
			case msg := <-s.controlCh:
				logrus.WithFields(logrus.Fields{
					"kind": msg.kind,
					"at":   msg.at,
				}).Debug("received control msg")

				if msg.kind == ctrlPostpone {
					nextRun = msg.at
					timer.Reset(max(time.Until(msg.at), 0))
					continue
				}
				break loop
			}
		}
		timer.Stop()
	}
}

func (s *Scheduler) snapshot() (cron.Schedule, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule, s.nextRun
}

func (s *Scheduler) advanceNextRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return
	}
	s.nextRun = s.schedule.Next(s.nextRun)
}

func (s *Scheduler) notifyUpcoming(runAt time.Time) {
	if s.OnUpcoming == nil {
		return
	}
	go s.OnUpcoming(runAt)
}

func (s *Scheduler) notifyError(err error) {
	if s.OnError == nil {
		return
	}
	go s.OnError(err)
}

func (s *Scheduler) trySendControl(kind controlKind, at time.Time) {
	select {
	case s.controlCh <- controlMsg{kind: kind, at: at}:
	default:
	}
}
