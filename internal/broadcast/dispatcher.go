// Package broadcast delivers scheduled messages from the persisted queue.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"chatwarden/internal/eventbus"
	"chatwarden/internal/platform"
	"chatwarden/internal/storage"
	logx "chatwarden/pkg/logx"
)

// ErrInvalidRequest marks a broadcast rejected before it reached the queue.
var ErrInvalidRequest = errors.New("invalid broadcast request")

// DeletePolicy decides when a due row leaves the queue.
type DeletePolicy string

const (
	// PolicyAttempt deletes the row after one attempt whatever the outcome.
	PolicyAttempt DeletePolicy = "attempt"
	// PolicyAllDelivered requeues the row for targets that failed with a
	// transient error; targets the bot left are dropped.
	PolicyAllDelivered DeletePolicy = "all_delivered"
)

func ParsePolicy(s string) (DeletePolicy, error) {
	switch DeletePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyAttempt:
		return PolicyAttempt, nil
	case PolicyAllDelivered:
		return PolicyAllDelivered, nil
	}
	return "", fmt.Errorf("unknown delete policy %q", s)
}

type Config struct {
	AlbumSize    int
	DeletePolicy DeletePolicy
}

// Request is a broadcast to schedule.
type Request struct {
	Targets []int64  `json:"chats"`
	Text    string   `json:"message"`
	Images  []string `json:"images"`
	At      string   `json:"datetime"`
}

// Report summarises one delivered row.
type Report struct {
	MessageID int64   `json:"message_id"`
	Delivered []int64 `json:"delivered"`
	Failed    []int64 `json:"failed"`
	// Gone lists failed targets the bot is no longer part of.
	Gone []int64 `json:"gone,omitempty"`
}

type Dispatcher struct {
	store storage.Store
	plat  platform.Platform
	bus   eventbus.Bus
	log   logx.Logger
	cfg   Config
	now   func() time.Time
}

func NewDispatcher(store storage.Store, plat platform.Platform, bus eventbus.Bus, cfg Config, log logx.Logger) *Dispatcher {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if cfg.DeletePolicy == "" {
		cfg.DeletePolicy = PolicyAttempt
	}
	return &Dispatcher{
		store: store,
		plat:  plat,
		bus:   bus,
		cfg:   cfg,
		log:   log.With(logx.String("comp", "dispatcher")),
		now:   time.Now,
	}
}

// Schedule validates a request and stores it. The timestamp and every
// image are checked up front so bad input never reaches the queue.
func (d *Dispatcher) Schedule(ctx context.Context, req Request) (int64, error) {
	if len(req.Targets) == 0 {
		return 0, fmt.Errorf("%w: at least one target chat is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Images) == 0 {
		return 0, fmt.Errorf("%w: message or images required", ErrInvalidRequest)
	}
	at, err := time.Parse(time.RFC3339, req.At)
	if err != nil {
		return 0, fmt.Errorf("%w: datetime must be RFC3339: %w", ErrInvalidRequest, err)
	}
	if _, err := DecodeImages(req.Images); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	id, err := d.store.EnqueueMessage(ctx, storage.QueuedMessage{
		Targets:     req.Targets,
		Text:        req.Text,
		Images:      req.Images,
		ScheduledAt: req.At,
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue message: %w", err)
	}
	d.log.Info("broadcast scheduled", logx.Int64("message_id", id), logx.Int64s("targets", req.Targets), logx.Time("at", at), logx.Int("images", len(req.Images)))
	return id, nil
}

// Tick delivers every due row once. Only a failure to read the queue is
// returned; per-row problems are logged and the tick moves on.
func (d *Dispatcher) Tick(ctx context.Context) error {
	rows, err := d.store.ListQueue(ctx)
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}
	now := d.now()
	for _, row := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		at, err := time.Parse(time.RFC3339, row.ScheduledAt)
		if err != nil {
			d.log.Error("queued message has a bad timestamp", logx.Int64("message_id", row.ID), logx.String("datetime", row.ScheduledAt), logx.Err(err))
			continue
		}
		if at.After(now) {
			continue
		}
		rep := d.deliver(ctx, row)
		if err := d.settle(ctx, row, rep); err != nil {
			d.log.Error("settle queued message failed", logx.Int64("message_id", row.ID), logx.Err(err))
		}
	}
	return nil
}

// deliver sends albums then text to each target. Send failures are logged
// per target and never stop the remaining targets.
func (d *Dispatcher) deliver(ctx context.Context, row storage.QueuedMessage) Report {
	log := d.log.With(logx.Int64("message_id", row.ID))
	images := make([]platform.Image, 0, len(row.Images))
	for i, payload := range row.Images {
		img, err := DecodeImage(i, payload)
		if err != nil {
			log.Warn("skipping undecodable image", logx.Err(err))
			continue
		}
		images = append(images, img)
	}
	albums := Chunk(images, d.cfg.AlbumSize)

	rep := Report{MessageID: row.ID}
	for _, target := range row.Targets {
		if err := d.sendTo(ctx, target, albums, row.Text); err != nil {
			rep.Failed = append(rep.Failed, target)
			if platform.CategoryOf(err).BotGone() {
				rep.Gone = append(rep.Gone, target)
			}
			log.Warn("delivery failed", logx.Int64("group_id", target), logx.Err(err))
			continue
		}
		rep.Delivered = append(rep.Delivered, target)
	}
	if len(rep.Failed) > 0 {
		log.Warn("broadcast finished with failures", logx.Int("delivered", len(rep.Delivered)), logx.Int64s("failed", rep.Failed))
	} else {
		log.Info("broadcast delivered", logx.Int("targets", len(rep.Delivered)))
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.BroadcastSent, Data: rep})
	return rep
}

func (d *Dispatcher) sendTo(ctx context.Context, target int64, albums [][]platform.Image, text string) error {
	var errs []error
	for _, album := range albums {
		if err := d.plat.SendMediaGroup(ctx, target, album); err != nil {
			errs = append(errs, fmt.Errorf("album: %w", err))
		}
	}
	if strings.TrimSpace(text) != "" {
		if err := d.plat.SendText(ctx, target, text); err != nil {
			errs = append(errs, fmt.Errorf("text: %w", err))
		}
	}
	return errors.Join(errs...)
}

// settle removes a delivered row, requeueing failed targets first under
// PolicyAllDelivered.
func (d *Dispatcher) settle(ctx context.Context, row storage.QueuedMessage, rep Report) error {
	if d.cfg.DeletePolicy == PolicyAllDelivered && len(rep.Failed) > len(rep.Gone) {
		retry := row
		retry.ID = 0
		retry.Targets = retryTargets(rep)
		id, err := d.store.EnqueueMessage(ctx, retry)
		if err != nil {
			return fmt.Errorf("requeue failed targets: %w", err)
		}
		d.log.Info("requeued failed targets", logx.Int64("message_id", row.ID), logx.Int64("retry_id", id), logx.Int64s("targets", retry.Targets))
	}
	return d.store.DeleteQueued(ctx, row.ID)
}

func retryTargets(rep Report) []int64 {
	out := make([]int64, 0, len(rep.Failed))
	for _, id := range rep.Failed {
		if !slices.Contains(rep.Gone, id) {
			out = append(out, id)
		}
	}
	return out
}
