// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2025 Daniel Schmidt

package mit

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// defaultSubscriptionLease is the time the controller keeps a
// subscription alive without a refresh.
const defaultSubscriptionLease = 60 * time.Second

// EventType classifies a change notification.
type EventType string

const (
	// EventCreated signals a new object
	EventCreated EventType = "created"

	// EventModified signals changed properties on an existing object
	EventModified EventType = "modified"

	// EventDeleted signals a removed object
	EventDeleted EventType = "deleted"
)

// MoEvent is one change notification delivered on an event channel.
type MoEvent struct {
	// SubscriptionIDs lists the subscriptions the event matched
	SubscriptionIDs []string

	// Type classifies the change
	Type EventType

	// Dn identifies the changed object
	Dn string

	// ClassName is the changed object's class
	ClassName string

	// Changes holds the reported property values
	Changes map[string]string
}

// Subscription is one active query subscription on an event channel.
// The controller drops a subscription that is not refreshed within its
// lease.
type Subscription struct {
	// ID is the controller-assigned subscription id
	ID string

	ch *EventChannel

	mu       sync.Mutex
	deadline time.Time
}

// Deadline returns the instant the subscription lapses unless
// refreshed.
func (s *Subscription) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

// Refresh renews the subscription lease.
func (s *Subscription) Refresh(ctx context.Context) error {
	c := s.ch.client
	raw, status, err := c.do(ctx, "GET", "/api/subscriptionRefresh.json",
		urlValues("id", s.ID), nil, true)
	if err != nil {
		return err
	}
	if status != 200 {
		return &MitError{
			Code:       ErrSubscriptionLost,
			Operation:  "refreshSubscription",
			Message:    remoteText(raw, fmt.Sprintf("refresh of subscription %s rejected", s.ID)),
			RemoteCode: remoteCode(raw),
			HTTPCode:   status,
		}
	}
	s.mu.Lock()
	s.deadline = time.Now().Add(s.ch.lease)
	s.mu.Unlock()
	return nil
}

// AutoRefresh renews the subscription at half its lease until the
// context is canceled or the channel closes. It blocks; run it in its
// own goroutine.
func (s *Subscription) AutoRefresh(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ch.done:
			return nil
		case <-time.After(s.ch.lease / 2):
		}
		if err := s.Refresh(ctx); err != nil {
			return err
		}
	}
}

// EventChannel is a websocket connection delivering change
// notifications for the client's subscriptions. Events are also
// applied to the client's local tree, so the mirror tracks the
// controller between queries.
type EventChannel struct {
	client *Client
	conn   *websocket.Conn
	lease  time.Duration

	events chan MoEvent
	errs   chan error
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	subs map[string]*Subscription
}

// EventChannel opens the controller websocket for this client's
// session token. Fails with SubscriptionLost when the session cannot
// authenticate a websocket or the dial fails.
func (c *Client) EventChannel(ctx context.Context) (*EventChannel, error) {
	if !c.session.SupportsEventChannel() {
		return nil, newError(ErrSubscriptionLost, "eventChannel", "session type cannot authenticate an event channel")
	}
	ts, ok := c.session.(tokenSession)
	if !ok || ts.token() == "" {
		return nil, newError(ErrSubscriptionLost, "eventChannel", "session has no token, login first")
	}

	wsURL := strings.Replace(c.url, "http", "ws", 1) + "/socket" + ts.token()
	dialer := websocket.Dialer{HandshakeTimeout: c.requestTimeout}
	if c.insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, &MitError{
			Code:      ErrSubscriptionLost,
			Operation: "eventChannel",
			Message:   "websocket dial failed",
			Err:       err,
		}
	}
	ch := &EventChannel{
		client: c,
		conn:   conn,
		lease:  defaultSubscriptionLease,
		events: make(chan MoEvent, 64),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		subs:   make(map[string]*Subscription),
	}
	go ch.read()
	go ch.watchLeases()
	c.logger.Info(ctx, "event channel opened", "url", c.url)
	return ch, nil
}

// Events returns the notification stream. The channel is closed when
// the event channel shuts down.
func (ch *EventChannel) Events() <-chan MoEvent {
	return ch.events
}

// Errs delivers the terminal error of the channel, if any.
func (ch *EventChannel) Errs() <-chan error {
	return ch.errs
}

// SubscribeDn runs a Dn query with a subscription: later changes to
// matching objects arrive as events. Returns the subscription and the
// initial result set. The subscribe exchange always speaks JSON, like
// the websocket delivering the events, whatever format the client is
// configured for.
func (ch *EventChannel) SubscribeDn(ctx context.Context, q DnQuery) (*Subscription, []*Mo, error) {
	q.Options.Subscribe = true
	resp, err := ch.client.queryWith(ctx, JSONCodec{}, q.path(FormatJSON), q.values())
	if err != nil {
		return nil, nil, err
	}
	return ch.finishSubscribe(resp)
}

// SubscribeClass runs a class query with a subscription.
func (ch *EventChannel) SubscribeClass(ctx context.Context, q ClassQuery) (*Subscription, []*Mo, error) {
	q.Options.Subscribe = true
	resp, err := ch.client.queryWith(ctx, JSONCodec{}, q.path(FormatJSON), q.values())
	if err != nil {
		return nil, nil, err
	}
	return ch.finishSubscribe(resp)
}

func (ch *EventChannel) finishSubscribe(resp *Response) (*Subscription, []*Mo, error) {
	if resp.SubscriptionID == "" {
		return nil, nil, newError(ErrSubscriptionLost, "subscribe", "controller returned no subscription id")
	}
	mos, err := ch.client.mergeResponse(resp)
	if err != nil {
		return nil, nil, err
	}
	sub := &Subscription{
		ID:       resp.SubscriptionID,
		ch:       ch,
		deadline: time.Now().Add(ch.lease),
	}
	ch.mu.Lock()
	ch.subs[sub.ID] = sub
	ch.mu.Unlock()
	return sub, mos, nil
}

// Unsubscribe stops tracking a subscription locally. The controller
// side lapses on its own once refreshes stop.
func (ch *EventChannel) Unsubscribe(sub *Subscription) {
	ch.mu.Lock()
	delete(ch.subs, sub.ID)
	ch.mu.Unlock()
}

// Close shuts the websocket down and closes the event stream.
func (ch *EventChannel) Close() error {
	var err error
	ch.once.Do(func() {
		close(ch.done)
		err = ch.conn.Close()
		close(ch.events)
	})
	return err
}

// read pumps websocket messages into the event stream until the
// connection fails or the channel is closed.
func (ch *EventChannel) read() {
	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			select {
			case <-ch.done:
			default:
				ch.fail(&MitError{
					Code:      ErrSubscriptionLost,
					Operation: "eventChannel",
					Message:   "websocket read failed",
					Err:       err,
				})
			}
			return
		}
		events, err := ch.decodeEvents(data)
		if err != nil {
			ch.client.logger.Warn(context.Background(), "discarding undecodable event", "error", err)
			continue
		}
		for _, event := range events {
			ch.apply(event)
			select {
			case ch.events <- event:
			case <-ch.done:
				return
			}
		}
	}
}

// decodeEvents parses one websocket message:
//
//	{"subscriptionId": ["72057..."], "imdata": [{...}]}
func (ch *EventChannel) decodeEvents(data []byte) ([]MoEvent, error) {
	schema := ch.client.Schema()
	if schema == nil {
		return nil, fmt.Errorf("no schema loaded")
	}
	var ids []string
	idField := gjson.GetBytes(data, "subscriptionId")
	if idField.IsArray() {
		for _, id := range idField.Array() {
			ids = append(ids, id.String())
		}
	} else if idField.Exists() {
		ids = append(ids, idField.String())
	}
	resp, err := (JSONCodec{}).DecodeResponse(schema, data)
	if err != nil {
		return nil, err
	}
	events := make([]MoEvent, 0, len(resp.Mos))
	for _, mo := range resp.Mos {
		eventType := EventModified
		switch {
		case mo.status.Has(StatusDeleted):
			eventType = EventDeleted
		case mo.status.Has(StatusCreated):
			eventType = EventCreated
		}
		changes := make(map[string]string)
		for _, name := range mo.PropNames() {
			changes[name] = mo.Prop(name)
		}
		events = append(events, MoEvent{
			SubscriptionIDs: ids,
			Type:            eventType,
			Dn:              mo.Dn().String(),
			ClassName:       mo.ClassName(),
			Changes:         changes,
		})
	}
	return events, nil
}

// apply folds an event into the local tree.
func (ch *EventChannel) apply(event MoEvent) {
	mit := ch.client.Mit()
	if mit == nil {
		return
	}
	if event.Type == EventDeleted {
		if mo := mit.LookupByDn(event.Dn); mo != nil {
			mit.Remove(mo)
		}
		return
	}
	schema := ch.client.Schema()
	dn, err := ParseDn(schema, event.Dn)
	if err != nil {
		return
	}
	meta, err := schema.Class(event.ClassName)
	if err != nil {
		return
	}
	mo, err := newDetachedMo(meta, dn.Parent(), dn.Rn().namingVals...)
	if err != nil {
		return
	}
	for name, value := range event.Changes {
		mo.setRemoteProp(name, value)
	}
	_, _ = mit.Merge([]*Mo{mo})
}

// watchLeases raises SubscriptionLost for subscriptions whose lease
// lapsed without a refresh.
func (ch *EventChannel) watchLeases() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ch.done:
			return
		case now := <-ticker.C:
			ch.mu.Lock()
			var lapsed []*Subscription
			for id, sub := range ch.subs {
				if now.After(sub.Deadline()) {
					lapsed = append(lapsed, sub)
					delete(ch.subs, id)
				}
			}
			ch.mu.Unlock()
			for _, sub := range lapsed {
				ch.fail(newError(ErrSubscriptionLost, "eventChannel", "subscription %s lapsed without refresh", sub.ID))
			}
		}
	}
}

func (ch *EventChannel) fail(err error) {
	select {
	case ch.errs <- err:
	default:
	}
}
