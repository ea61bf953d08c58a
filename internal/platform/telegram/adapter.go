// Package telegram implements platform.Platform and transport.Adapter on top
// of telebot. One Adapter owns one bot: it long-polls for membership updates
// and serves every outbound API call through a shared rate limiter.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "chatwarden/internal/runtime/supervisor"
	"chatwarden/internal/transport"
	logx "chatwarden/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RatePerSec throttles outbound API calls; Telegram allows roughly 30/s per bot.
	RatePerSec int
	ParseMode  string
	// APIURL points at a self-hosted Bot API server; empty means api.telegram.org.
	APIURL string
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot       *tele.Bot
	limiter   *rate.Limiter
	parseMode tele.ParseMode

	out     atomic.Pointer[updateSink]
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	joins recentSet
}

// updateSink is where handlers deliver updates while the adapter runs.
type updateSink struct {
	out  chan<- transport.Update
	done <-chan struct{}
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	return newAdapter(cfg, log, false)
}

func newAdapter(cfg Config, log logx.Logger, offline bool) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:       cfg,
		log:       log,
		limiter:   rate.NewLimiter(rate.Limit(max(1, cfg.RatePerSec)), max(1, cfg.RatePerSec)),
		parseMode: tele.ParseMode(cfg.ParseMode),
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: offline,
		OnError: func(err error, _ tele.Context) {
			a.log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a.bot = b
	a.registerHandlers()
	return a, nil
}

func toChat(c *tele.Chat) transport.Chat {
	if c == nil {
		return transport.Chat{}
	}
	return transport.Chat{ID: c.ID, Title: c.Title, Private: c.Type == tele.ChatPrivate}
}

func toUser(u *tele.User) *transport.User {
	if u == nil {
		return nil
	}
	return &transport.User{
		ID:        u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		IsBot:     u.IsBot,
	}
}

func (a *Adapter) registerHandlers() {
	message := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil || m.Sender == nil {
			return nil
		}
		a.sendUpdate(transport.Update{
			Kind:      transport.UpdateMessage,
			Chat:      toChat(m.Chat),
			MessageID: m.ID,
			From:      toUser(m.Sender),
		})
		return nil
	}
	a.bot.Handle(tele.OnText, message)
	a.bot.Handle(tele.OnMedia, message)
	a.bot.Handle(tele.OnEdited, message)

	// telebot fires OnUserJoined once for the legacy single-user field and
	// once per entry when only the list is set, so the whole message is
	// handled on the first call and repeats are skipped.
	a.bot.Handle(tele.OnUserJoined, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		if !a.joins.add(m.Chat.ID, m.ID) {
			return nil
		}
		for i, up := range joinUpdates(m) {
			if i > 0 {
				up.MessageID = 0
			}
			a.sendUpdate(up)
		}
		return nil
	})

	a.bot.Handle(tele.OnUserLeft, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.UserLeft == nil {
			return nil
		}
		a.sendUpdate(transport.Update{
			Kind:      transport.UpdateUserLeft,
			Chat:      toChat(m.Chat),
			MessageID: m.ID,
			From:      toUser(m.UserLeft),
		})
		return nil
	})

	seen := func(c tele.Context) error {
		if m := c.Message(); m != nil && m.Chat != nil {
			a.sendUpdate(transport.Update{Kind: transport.UpdateGroupSeen, Chat: toChat(m.Chat), MessageID: m.ID})
		}
		return nil
	}
	a.bot.Handle(tele.OnAddedToGroup, seen)
	a.bot.Handle(tele.OnGroupCreated, seen)
	a.bot.Handle(tele.OnSuperGroupCreated, seen)

	a.bot.Handle(tele.OnMigration, func(c tele.Context) error {
		from, to := c.Migration()
		if from == 0 || to == 0 {
			return nil
		}
		up := transport.Update{Kind: transport.UpdateMigrated, Chat: transport.Chat{ID: from}, MigrateTo: to}
		if m := c.Message(); m != nil && m.Chat != nil {
			up.Chat.Title = m.Chat.Title
		}
		a.sendUpdate(up)
		return nil
	})
}

// joinUpdates lists every user a join message introduces, then the member
// who added them when that is someone else. Only the first update carries
// the service message id.
func joinUpdates(m *tele.Message) []transport.Update {
	users := m.UsersJoined
	if len(users) == 0 && m.UserJoined != nil {
		users = []tele.User{*m.UserJoined}
	}
	chat := toChat(m.Chat)
	ups := make([]transport.Update, 0, len(users)+1)
	joined := make(map[int64]bool, len(users))
	for i := range users {
		joined[users[i].ID] = true
		ups = append(ups, transport.Update{
			Kind:      transport.UpdateUserJoined,
			Chat:      chat,
			MessageID: m.ID,
			From:      toUser(&users[i]),
		})
	}
	if m.Sender != nil && !joined[m.Sender.ID] {
		ups = append(ups, transport.Update{Kind: transport.UpdateMessage, Chat: chat, From: toUser(m.Sender)})
	}
	return ups
}

// sendUpdate blocks until the update is queued or the adapter stops.
// telebot runs every handler on its own goroutine, so waiting here only
// holds back the handler that produced the update.
func (a *Adapter) sendUpdate(up transport.Update) {
	sink := a.out.Load()
	if sink == nil {
		return
	}
	select {
	case sink.out <- up:
	case <-sink.done:
	}
}

// recentSet remembers the last few (chat, message) pairs.
type recentSet struct {
	mu   sync.Mutex
	seen map[[2]int64]struct{}
}

const recentCap = 1024

// add reports whether the pair was not seen before.
func (r *recentSet) add(chatID int64, msgID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]int64{chatID, int64(msgID)}
	if _, ok := r.seen[key]; ok {
		return false
	}
	if r.seen == nil || len(r.seen) >= recentCap {
		r.seen = make(map[[2]int64]struct{}, recentCap)
	}
	r.seen[key] = struct{}{}
	return true
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	// polling hiccups must not take the process down
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.out.Store(&updateSink{out: out, done: sup.Context().Done()})
	a.runMu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Start blocks until Stop; an early return while the context is live is
	// treated as a failure and restarted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("telebot poller exited")
	}, 500*time.Millisecond, 10*time.Second)

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.out.Store(nil)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()

	// getUpdates may still be waiting on its long poll; cap the wait.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}
