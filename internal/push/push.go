// Package push maintains a long-poll connection to the push relay so that
// doorbell rings surface faster than the poll interval. Push is an
// accelerator only: every notification just wakes the reconciliation loop,
// and any failure here degrades to plain polling.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/kzdgn/diafonbox/internal/core/cloud"
)

const (
	defaultListenTimeout = 60 * time.Second
	minRetry             = time.Second
	maxRetry             = 2 * time.Minute
)

// CredentialSource resolves the relay credentials registered in the cloud.
type CredentialSource interface {
	PushCredentials(ctx context.Context) (cloud.PushCredentials, error)
}

// Listener long-polls the push relay and wakes the engine on notifications.
type Listener struct {
	http    *http.Client
	base    string
	creds   CredentialSource
	topics  []string
	wake    func()
	timeout time.Duration
	log     *slog.Logger
}

// Config holds push listener settings.
type Config struct {
	BaseURL       string
	Topics        []string
	ListenTimeout time.Duration
}

// NewListener creates a push listener. wake is called once per received
// notification.
func NewListener(cfg Config, creds CredentialSource, wake func(), log *slog.Logger) *Listener {
	timeout := cfg.ListenTimeout
	if timeout <= 0 {
		timeout = defaultListenTimeout
	}
	return &Listener{
		// The relay holds the listen request open until a notification
		// arrives; the client timeout is what ends an idle round.
		http:    &http.Client{Timeout: timeout},
		base:    cfg.BaseURL,
		creds:   creds,
		topics:  cfg.Topics,
		wake:    wake,
		timeout: timeout,
		log:     log,
	}
}

// Run long-polls until the context is cancelled. Missing credentials or a
// dead relay never fail the daemon; the loop logs, backs off and retries.
func (l *Listener) Run(ctx context.Context) {
	creds, err := l.creds.PushCredentials(ctx)
	if err != nil {
		if errors.Is(err, cloud.ErrNotFound) {
			l.log.Info("no push token registered, relying on polling alone")
			return
		}
		l.log.Warn("push credentials unavailable, relying on polling alone", "error", err)
		return
	}

	if err := l.auth(ctx, creds); err != nil {
		l.log.Warn("push relay auth failed, relying on polling alone", "error", err)
		return
	}
	if err := l.subscribe(ctx, creds); err != nil {
		l.log.Warn("push topic subscribe failed, relying on polling alone", "error", err)
		return
	}
	l.log.Info("push listener connected", "listen_timeout", l.timeout, "topics", len(l.topics))

	retry := minRetry
	for ctx.Err() == nil {
		got, err := l.listen(ctx, creds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// An idle round ends with a client-side timeout; go straight
			// into the next one.
			if isTimeout(err) {
				retry = minRetry
				continue
			}
			l.log.Debug("push listen failed, backing off", "delay", retry, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry):
			}
			if retry *= 2; retry > maxRetry {
				retry = maxRetry
			}
			continue
		}
		retry = minRetry
		if got {
			l.log.Debug("push notification received")
			l.wake()
		}
	}
}

func (l *Listener) auth(ctx context.Context, creds cloud.PushCredentials) error {
	var resp struct {
		Success bool `json:"success"`
	}
	body := map[string]any{"auth": creds.AuthKey, "token": creds.Token}
	if err := l.post(ctx, "/devices/auth", body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("push: relay rejected device token")
	}
	return nil
}

func (l *Listener) subscribe(ctx context.Context, creds cloud.PushCredentials) error {
	var resp json.RawMessage
	body := map[string]any{
		"token":  creds.Token,
		"auth":   creds.AuthKey,
		"topics": l.topics,
	}
	return l.post(ctx, "/devices/subscribe", body, &resp)
}

// listen issues one long-poll round and reports whether a notification
// arrived. The relay answers with a single notification object, or an empty
// body when the round ends without one.
func (l *Listener) listen(ctx context.Context, creds cloud.PushCredentials) (bool, error) {
	var resp struct {
		Notification json.RawMessage `json:"notification"`
	}
	body := map[string]any{"auth": creds.AuthKey, "token": creds.Token}
	if err := l.post(ctx, "/devices/listen", body, &resp); err != nil {
		return false, err
	}
	return len(resp.Notification) > 0 && string(resp.Notification) != "null", nil
}

func (l *Listener) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("push: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("push: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := l.http.Do(req)
	if err != nil {
		return fmt.Errorf("push: %s: %w", path, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("push: %s: unexpected status %d", path, res.StatusCode)
	}
	// An empty body is a valid idle answer.
	if err := json.NewDecoder(res.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("push: %s: decode: %w", path, err)
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
