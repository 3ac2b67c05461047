package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

const defaultTimeout = 5 * time.Second

type Event struct {
	Type        string         `json:"type"`
	RecipientID string         `json:"recipient_id"`
	SubjectKind string         `json:"subject_kind"`
	SubjectID   string         `json:"subject_id"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
	TS          string         `json:"ts"`
}

// Dispatcher delivers a notification to a party.
type Dispatcher interface {
	Notify(ctx context.Context, evt Event) error
}

// Noop drops every notification.
type Noop struct{}

func (Noop) Notify(context.Context, Event) error { return nil }

// Multi fans a notification out to several dispatchers and joins their errors.
type Multi []Dispatcher

func (m Multi) Notify(ctx context.Context, evt Event) error {
	var errs []error
	for _, d := range m {
		if err := d.Notify(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async runs Next on its own goroutine with a detached, bounded context so
// delivery never blocks or fails the caller.
type Async struct {
	Next      Dispatcher
	Timeout   time.Duration
	Logger    *slog.Logger
	OnFailure func(evt Event, err error)
}

// Notify always returns nil; failures are logged and reported to OnFailure.
func (a Async) Notify(ctx context.Context, evt Event) error {
	a.Go(ctx, evt)
	return nil
}

// Go starts delivery and returns a channel closed when it finishes.
func (a Async) Go(ctx context.Context, evt Event) <-chan struct{} {
	done := make(chan struct{})
	if a.Next == nil {
		close(done)
		return done
	}
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	go func() {
		defer close(done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				a.fail(evt, errors.New("notifier panicked"))
			}
		}()
		if err := a.Next.Notify(dctx, evt); err != nil {
			a.fail(evt, err)
		}
	}()
	return done
}

func (a Async) fail(evt Event, err error) {
	if a.Logger != nil {
		a.Logger.Warn("notification failed",
			slog.String("type", evt.Type),
			slog.String("recipient_id", evt.RecipientID),
			slog.String("subject_id", evt.SubjectID),
			slog.String("error", err.Error()))
	}
	if a.OnFailure != nil {
		a.OnFailure(evt, err)
	}
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
