package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mixelka/junkguard/internal/classifier"
	"github.com/mixelka/junkguard/internal/email"
	"github.com/mixelka/junkguard/internal/formatter"
	"github.com/mixelka/junkguard/internal/metrics"
	"github.com/mixelka/junkguard/internal/parser"
	"github.com/mixelka/junkguard/pkg/models"
)

// notifyQueueSize bounds notifications waiting for delivery; extra ones are dropped
const notifyQueueSize = 100

type notification struct {
	account *models.Account
	entry   *models.ActivityLogEntry
}

var (
	// ErrCheckInProgress is returned when the account is already being checked
	ErrCheckInProgress = errors.New("check already in progress")
	// ErrStopped is returned once the scanner is shutting down
	ErrStopped = errors.New("scanner stopped")
)

// State of an account in the scanner
type State string

const (
	StateIdle         State = "idle"
	StateChecking     State = "checking"
	StateErrorBackoff State = "error_backoff" // last check failed, the next tick retries
)

// Trigger labels why a check ran
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Store is the record store the scanner reads and logs to
type Store interface {
	GetAccountByID(ctx context.Context, id int64) (*models.Account, error)
	GetAllActiveAccounts(ctx context.Context) ([]*models.Account, error)
	GetProviderByID(ctx context.Context, id int64) (*models.ProviderConfig, error)
	GetMergedPreferences(ctx context.Context, userID, accountID int64) (*models.JunkMailPreferences, error)
	IsEmailTrusted(ctx context.Context, email string, userID int64, accountID *int64) (bool, error)
	AppendActivity(ctx context.Context, entry *models.ActivityLogEntry) error
	TouchLastCheck(ctx context.Context, id int64, at time.Time) error
	TouchLastAction(ctx context.Context, id int64, at time.Time) error
	TouchLastForward(ctx context.Context, id int64, at time.Time) error
}

// SessionPool hands out pooled provider sessions
type SessionPool interface {
	GetSession(ctx context.Context, account *models.Account) (email.Session, error)
	Release(accountID int64)
}

// Notifier receives notable activity entries
type Notifier interface {
	NotifyActivity(ctx context.Context, account *models.Account, entry *models.ActivityLogEntry)
}

// Config scanner settings
type Config struct {
	MinPollInterval time.Duration
	PageSize        int
	FilterMode      models.FilterMode // System default, accounts may override
}

type schedule struct {
	id       cron.EntryID
	interval time.Duration
}

// Scanner runs the per-account scan, classify and act pipeline on a schedule
type Scanner struct {
	cfg        Config
	store      Store
	pool       SessionPool
	classifier *classifier.Classifier
	banner     *formatter.BannerFormatter
	html       *parser.HTMLParser
	notifier   Notifier
	notes      chan notification
	logger     *slog.Logger
	now        func() time.Time

	cron *cron.Cron
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu        sync.Mutex
	schedules map[int64]schedule
	inflight  map[int64]struct{}
	states    map[int64]State
	stopped   bool
}

// New creates a new scanner
func New(cfg Config, store Store, pool SessionPool, cls *classifier.Classifier, logger *slog.Logger) *Scanner {
	if cfg.MinPollInterval <= 0 {
		cfg.MinPollInterval = time.Duration(models.MinPollInterval) * time.Minute
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if !cfg.FilterMode.Valid() {
		cfg.FilterMode = models.FilterModeDelete
	}

	logger = logger.With("component", "scanner")
	cronLog := cronLogger{logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scanner{
		cfg:        cfg,
		store:      store,
		pool:       pool,
		classifier: cls,
		banner:     formatter.NewBannerFormatter(),
		html:       parser.NewHTMLParser(),
		logger:     logger,
		now:        time.Now,
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog)),
		),
		ctx:       ctx,
		stop:      cancel,
		schedules: make(map[int64]schedule),
		inflight:  make(map[int64]struct{}),
		states:    make(map[int64]State),
		notes:     make(chan notification, notifyQueueSize),
	}
	go s.deliverNotifications()
	return s
}

// SetNotifier sets the receiver for notable activity
func (s *Scanner) SetNotifier(n Notifier) {
	s.notifier = n
}

// deliverNotifications hands queued activity to the notifier so a slow
// notifier never holds up a check
func (s *Scanner) deliverNotifications() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case n := <-s.notes:
			s.notifier.NotifyActivity(s.ctx, n.account, n.entry)
		}
	}
}

// Start schedules every active account and starts the timers
func (s *Scanner) Start(ctx context.Context) error {
	accounts, err := s.store.GetAllActiveAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active accounts: %w", err)
	}

	for _, account := range accounts {
		s.Reschedule(account)
	}
	s.cron.Start()

	s.logger.Info("scanner started", "accounts", len(accounts))
	return nil
}

// Stop cancels every timer and waits for in-flight checks to finish.
// Checks are not interrupted; ctx bounds the wait.
func (s *Scanner) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	defer s.stop()

	select {
	case <-done:
		s.logger.Info("scanner stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scanner stop timed out with checks in flight")
		return ctx.Err()
	}
}

// Reschedule arms the account's timer at its polling interval, replacing any previous one.
// Inactive accounts are unscheduled.
func (s *Scanner) Reschedule(account *models.Account) {
	if !account.IsActive {
		s.Unschedule(account.ID)
		return
	}

	interval := time.Duration(account.PollInterval) * time.Minute
	if interval < s.cfg.MinPollInterval {
		interval = s.cfg.MinPollInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if sch, ok := s.schedules[account.ID]; ok {
		if sch.interval == interval {
			return
		}
		s.cron.Remove(sch.id)
	}

	id := account.ID
	entryID := s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.tick(id)
	}))
	s.schedules[id] = schedule{id: entryID, interval: interval}
	if _, ok := s.states[id]; !ok {
		s.states[id] = StateIdle
	}
	metrics.ScheduledAccounts.Set(float64(len(s.schedules)))

	s.logger.Info("account scheduled", "account_id", id, "interval", interval)
}

// Unschedule cancels the account's timer; a check in flight finishes normally
func (s *Scanner) Unschedule(accountID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sch, ok := s.schedules[accountID]
	if !ok {
		return
	}
	s.cron.Remove(sch.id)
	delete(s.schedules, accountID)
	if _, running := s.inflight[accountID]; !running {
		delete(s.states, accountID)
	}
	metrics.ScheduledAccounts.Set(float64(len(s.schedules)))

	s.logger.Info("account unscheduled", "account_id", accountID)
}

// Interval returns the account's armed interval
func (s *Scanner) Interval(accountID int64) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[accountID]
	return sch.interval, ok
}

// State returns the account's scanner state
func (s *Scanner) State(accountID int64) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[accountID]; ok {
		return st
	}
	return StateIdle
}

// TriggerCheckNow starts an out-of-band check and returns without waiting for it
func (s *Scanner) TriggerCheckNow(accountID int64) error {
	if err := s.acquire(accountID); err != nil {
		if errors.Is(err, ErrCheckInProgress) {
			metrics.ChecksSkipped.Inc()
		}
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLogged(accountID, TriggerManual)
	}()
	return nil
}

// CheckAccount runs one check synchronously
func (s *Scanner) CheckAccount(ctx context.Context, accountID int64) (*Result, error) {
	if err := s.acquire(accountID); err != nil {
		if errors.Is(err, ErrCheckInProgress) {
			metrics.ChecksSkipped.Inc()
		}
		return nil, err
	}
	res, err := s.run(ctx, accountID, TriggerManual)
	s.release(accountID, err)
	return res, err
}

// AnalyzeContent classifies content without touching any mailbox or log
func (s *Scanner) AnalyzeContent(ctx context.Context, in classifier.Input) models.Verdict {
	return s.classifier.Classify(ctx, in)
}

func (s *Scanner) tick(accountID int64) {
	if err := s.acquire(accountID); err != nil {
		if errors.Is(err, ErrCheckInProgress) {
			metrics.ChecksSkipped.Inc()
			s.logger.Warn("previous check still running, skipping tick", "account_id", accountID)
		}
		return
	}
	s.runLogged(accountID, TriggerScheduled)
}

// runLogged runs a check acquired by the caller and releases it
func (s *Scanner) runLogged(accountID int64, trigger Trigger) {
	res, err := s.run(s.ctx, accountID, trigger)
	s.release(accountID, err)
	if err != nil {
		s.logger.Error("check failed", "account_id", accountID, "trigger", trigger, "error", err)
		return
	}
	s.logger.Info("check completed", "account_id", accountID, "trigger", trigger,
		"scanned", res.Scanned, "deleted", res.Deleted, "forwarded", res.Forwarded)
}

// acquire marks the account as checking; at most one check per account runs at a time
func (s *Scanner) acquire(accountID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.inflight[accountID]; ok {
		return ErrCheckInProgress
	}
	s.inflight[accountID] = struct{}{}
	s.states[accountID] = StateChecking
	return nil
}

func (s *Scanner) release(accountID int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inflight, accountID)
	if _, scheduled := s.schedules[accountID]; !scheduled && err == nil {
		delete(s.states, accountID)
		return
	}
	if err != nil {
		s.states[accountID] = StateErrorBackoff
	} else {
		s.states[accountID] = StateIdle
	}
}
