package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/uptrace/bun/driver/pgdriver"

	logx "chatwarden/pkg/logx"
)

const defaultConnectTimeout = 30 * time.Second

// Open initializes the configured store and waits for it to answer a ping.
// Driver "none" yields ErrDisabled: the directory is mandatory.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	var (
		st  Store
		err error
	)
	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	case "postgres", "postgresql", "pg":
		st, err = openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}

	p, ok := st.(pinger)
	if !ok {
		return st, nil
	}
	if err := pingWithRetry(ctx, p, cfg.ConnectTimeout, log); err != nil {
		_ = st.Close()
		return nil, err
	}
	if m, ok := st.(migrator); ok {
		if err := m.migrate(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("storage migrate: %w", err)
		}
	}
	log.Info("storage ready")
	return st, nil
}

type pinger interface {
	ping(ctx context.Context) error
}

type migrator interface {
	migrate(ctx context.Context) error
}

func pingWithRetry(ctx context.Context, p pinger, total time.Duration, log logx.Logger) error {
	if total <= 0 {
		total = defaultConnectTimeout
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(250*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(total),
	)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := p.ping(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		log.Warn("storage not reachable yet", logx.Int("attempt", attempt), logx.Err(err))
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("storage ping: %w", err)
	}
	return nil
}

// retryable reports whether a connection error may go away on its own.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pgerr pgdriver.Error
	if errors.As(err, &pgerr) {
		code := pgerr.Field('C')
		// 08 connection exception, 53 insufficient resources, 57 operator intervention
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "53") || strings.HasPrefix(code, "57")
	}
	msg := err.Error()
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "i/o timeout", "no such host", "EOF", "database is locked"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return errors.Is(err, context.DeadlineExceeded)
}
