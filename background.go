package swcache

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/unkn0wn-root/swcache/control"
)

// DefaultSyncTag identifies the deferred-sync task when the host names none.
const DefaultSyncTag = "background-sync"

// Push fallbacks for fields the payload leaves out.
const (
	DefaultNotificationTitle = "New update"
	DefaultNotificationBody  = "A new update is available."
	DefaultNotificationURL   = "/"
)

// Scheduler is the external retry scheduler for deferred sync. It keeps a
// task per tag and calls SyncDeliverer.DeliverSync until a delivery succeeds,
// the task is cancelled, or it gives up.
type Scheduler interface {
	Schedule(ctx context.Context, tag string) error
	Cancel(ctx context.Context, tag string) error
}

// SyncDeliverer performs one delivery attempt. A non-nil error asks the
// scheduler to retry.
type SyncDeliverer interface {
	DeliverSync(ctx context.Context, tag string) error
}

// Notification is a user-visible message raised by a push.
type Notification struct {
	ID    string
	Title string
	Body  string
	URL   string
}

// Notifier shows and closes notifications on the host.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, id string) error
}

// ParsePush reads {title?, body?, url?}. Missing, empty or non-string fields
// take the defaults. An empty payload is all defaults.
func ParsePush(payload []byte) (Notification, error) {
	n := Notification{
		Title: DefaultNotificationTitle,
		Body:  DefaultNotificationBody,
		URL:   DefaultNotificationURL,
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return n, nil
	}
	if !gjson.ValidBytes(payload) {
		return Notification{}, fmt.Errorf("%w: push payload is not JSON", ErrInvalidPayload)
	}
	res := gjson.ParseBytes(payload)
	if !res.IsObject() {
		return Notification{}, fmt.Errorf("%w: push payload is not an object", ErrInvalidPayload)
	}
	fields := res.Map()
	if v, ok := fields["title"]; ok && v.Type == gjson.String && v.Str != "" {
		n.Title = v.Str
	}
	if v, ok := fields["body"]; ok && v.Type == gjson.String && v.Str != "" {
		n.Body = v.Str
	}
	if v, ok := fields["url"]; ok && v.Type == gjson.String && v.Str != "" {
		n.URL = v.Str
	}
	return n, nil
}

// hubNotifier shows notifications by broadcasting them to attached clients.
type hubNotifier struct{ hub *control.Hub }

func (h hubNotifier) Show(_ context.Context, n Notification) error {
	return broadcast(h.hub, control.ShowNotification, control.NotificationData{
		ID: n.ID, Title: n.Title, Body: n.Body, URL: n.URL,
	})
}

func (h hubNotifier) Close(_ context.Context, id string) error {
	return broadcast(h.hub, control.CloseNotification, control.NotificationData{ID: id})
}

// broadcast fails when no client received the message.
func broadcast(hub *control.Hub, t control.Type, data any) error {
	m, err := control.New(t, data)
	if err != nil {
		return err
	}
	n, err := hub.Broadcast(m)
	if n == 0 {
		if err != nil {
			return err
		}
		return ErrNoClients
	}
	return nil
}

// shown tracks notifications that can still be clicked. Oldest go first when full.
type shown struct {
	mu    sync.Mutex
	max   int
	order []string
	byID  map[string]Notification
}

func newShown(max int) *shown {
	return &shown{max: max, byID: make(map[string]Notification)}
}

func (s *shown) add(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[n.ID]; !ok {
		s.order = append(s.order, n.ID)
	}
	s.byID[n.ID] = n
	for len(s.order) > s.max {
		delete(s.byID, s.order[0])
		s.order = s.order[1:]
	}
	return n
}

func (s *shown) take(id string) (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byID[id]
	if !ok {
		return Notification{}, false
	}
	delete(s.byID, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return n, true
}
