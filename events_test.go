// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2025 Daniel Schmidt

package mit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const testSubscriptionID = "72057594037927936"

// eventServer is a mock controller with a websocket endpoint. The
// test pushes notification messages through conns.
type eventServer struct {
	server    *httptest.Server
	conns     chan *websocket.Conn
	refreshes atomic.Int32
}

func newEventServer(t *testing.T) *eventServer {
	t.Helper()
	es := &eventServer{conns: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/aaaLogin.json", loginHandler("tok-1"))
	mux.HandleFunc("/api/class/fvTenant.json", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("subscription") != "yes" {
			t.Error("subscription query missing subscription=yes")
		}
		fmt.Fprintf(w, `{
			"subscriptionId": %q,
			"totalCount": "1",
			"imdata": [{"fvTenant": {"attributes": {"dn": "uni/tn-a", "name": "a"}}}]
		}`, testSubscriptionID)
	})
	mux.HandleFunc("/api/subscriptionRefresh.json", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != testSubscriptionID {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"imdata": [{"error": {"attributes": {"code": "404", "text": "unknown subscription"}}}]}`)
			return
		}
		es.refreshes.Add(1)
		fmt.Fprint(w, `{"imdata": []}`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/socket") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Path != "/sockettok-1" {
			t.Errorf("websocket path = %q, want /sockettok-1", r.URL.Path)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("websocket upgrade failed: %v", err)
			return
		}
		es.conns <- conn
	})

	es.server = httptest.NewServer(mux)
	t.Cleanup(es.server.Close)
	return es
}

// push sends one notification message on the server side of the
// websocket.
func (es *eventServer) push(t *testing.T, conn *websocket.Conn, message string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
		t.Fatalf("pushing event: %v", err)
	}
}

func testEventChannel(t *testing.T, es *eventServer, opts ...ClientOption) (*Client, *EventChannel, *websocket.Conn) {
	t.Helper()
	client, err := NewClient(es.server.URL, testRegistry(t), NewLoginSession("admin", "secret"), opts...)
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	ctx := context.Background()
	if err := client.Login(ctx); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	ch, err := client.EventChannel(ctx)
	if err != nil {
		t.Fatalf("EventChannel() error: %v", err)
	}
	t.Cleanup(func() { ch.Close() })

	var conn *websocket.Conn
	select {
	case conn = <-es.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for websocket connection")
	}
	return client, ch, conn
}

func waitEvent(t *testing.T, ch *EventChannel) MoEvent {
	t.Helper()
	select {
	case event := <-ch.Events():
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
		return MoEvent{}
	}
}

// TestEventChannelSubscribe tests the subscribe handshake and event
// delivery including the local tree updates
func TestEventChannelSubscribe(t *testing.T) {
	es := newEventServer(t)
	client, ch, conn := testEventChannel(t, es)

	sub, mos, err := ch.SubscribeClass(context.Background(), NewClassQuery("fvTenant"))
	if err != nil {
		t.Fatalf("SubscribeClass() error: %v", err)
	}
	if sub.ID != testSubscriptionID {
		t.Errorf("sub.ID = %q, want %q", sub.ID, testSubscriptionID)
	}
	if len(mos) != 1 || mos[0].Dn().String() != "uni/tn-a" {
		t.Fatalf("initial results = %v, want [uni/tn-a]", dns(mos))
	}

	es.push(t, conn, fmt.Sprintf(`{
		"subscriptionId": [%q],
		"imdata": [{"fvBD": {"attributes": {
			"dn": "uni/tn-a/BD-web", "status": "created", "arpFlood": "yes"}}}]
	}`, testSubscriptionID))

	event := waitEvent(t, ch)
	if event.Type != EventCreated {
		t.Errorf("event.Type = %q, want created", event.Type)
	}
	if event.Dn != "uni/tn-a/BD-web" || event.ClassName != "fvBD" {
		t.Errorf("event = %s %s, want fvBD uni/tn-a/BD-web", event.ClassName, event.Dn)
	}
	if len(event.SubscriptionIDs) != 1 || event.SubscriptionIDs[0] != testSubscriptionID {
		t.Errorf("event.SubscriptionIDs = %v, want [%s]", event.SubscriptionIDs, testSubscriptionID)
	}
	if event.Changes["arpFlood"] != "yes" {
		t.Errorf("event.Changes = %v, want arpFlood=yes", event.Changes)
	}
	bd := client.Mit().LookupByDn("uni/tn-a/BD-web")
	if bd == nil || bd.Prop("arpFlood") != "yes" {
		t.Error("created event not applied to local tree")
	}

	es.push(t, conn, fmt.Sprintf(`{
		"subscriptionId": [%q],
		"imdata": [{"fvBD": {"attributes": {
			"dn": "uni/tn-a/BD-web", "status": "modified", "arpFlood": "no"}}}]
	}`, testSubscriptionID))

	event = waitEvent(t, ch)
	if event.Type != EventModified {
		t.Errorf("event.Type = %q, want modified", event.Type)
	}
	if got := client.Mit().LookupByDn("uni/tn-a/BD-web").Prop("arpFlood"); got != "no" {
		t.Errorf("arpFlood after modified event = %q, want no", got)
	}

	es.push(t, conn, fmt.Sprintf(`{
		"subscriptionId": [%q],
		"imdata": [{"fvBD": {"attributes": {
			"dn": "uni/tn-a/BD-web", "status": "deleted"}}}]
	}`, testSubscriptionID))

	event = waitEvent(t, ch)
	if event.Type != EventDeleted {
		t.Errorf("event.Type = %q, want deleted", event.Type)
	}
	if client.Mit().LookupByDn("uni/tn-a/BD-web") != nil {
		t.Error("deleted event not applied to local tree")
	}
}

// TestEventChannelSubscribeXMLFormat tests that the subscribe exchange
// speaks JSON even for a client configured for the XML wire format
func TestEventChannelSubscribeXMLFormat(t *testing.T) {
	es := newEventServer(t)
	client, ch, _ := testEventChannel(t, es, WithFormat(FormatXML))

	if client.Format() != FormatXML {
		t.Fatalf("Format() = %q, want xml", client.Format())
	}
	sub, mos, err := ch.SubscribeClass(context.Background(), NewClassQuery("fvTenant"))
	if err != nil {
		t.Fatalf("SubscribeClass() error: %v", err)
	}
	if sub.ID != testSubscriptionID {
		t.Errorf("sub.ID = %q, want %q", sub.ID, testSubscriptionID)
	}
	if len(mos) != 1 || mos[0].Dn().String() != "uni/tn-a" {
		t.Errorf("initial results = %v, want [uni/tn-a]", dns(mos))
	}
}

// TestEventChannelRequiresToken tests that an event channel needs an
// authenticated token session
func TestEventChannelRequiresToken(t *testing.T) {
	es := newEventServer(t)
	ctx := context.Background()

	t.Run("signature session", func(t *testing.T) {
		pemBytes, _ := testKeyPEM(t)
		session, err := NewCertSession("uni/userext/user-admin/usercert-admin", pemBytes)
		if err != nil {
			t.Fatalf("NewCertSession() error: %v", err)
		}
		client, _ := NewClient(es.server.URL, testRegistry(t), session,
			WithSchemaVersion("5.2(1g)"))
		if _, err := client.EventChannel(ctx); !IsCode(err, ErrSubscriptionLost) {
			t.Errorf("EventChannel() = %v, want SubscriptionLost", err)
		}
	})

	t.Run("before login", func(t *testing.T) {
		client, _ := NewClient(es.server.URL, testRegistry(t), NewLoginSession("admin", "secret"))
		if _, err := client.EventChannel(ctx); !IsCode(err, ErrSubscriptionLost) {
			t.Errorf("EventChannel() = %v, want SubscriptionLost", err)
		}
	})
}

// TestSubscriptionRefresh tests lease renewal
func TestSubscriptionRefresh(t *testing.T) {
	es := newEventServer(t)
	_, ch, _ := testEventChannel(t, es)

	ctx := context.Background()
	sub, _, err := ch.SubscribeClass(ctx, NewClassQuery("fvTenant"))
	if err != nil {
		t.Fatalf("SubscribeClass() error: %v", err)
	}
	before := sub.Deadline()
	time.Sleep(10 * time.Millisecond)
	if err := sub.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if !sub.Deadline().After(before) {
		t.Error("Refresh() must extend the deadline")
	}
	if es.refreshes.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", es.refreshes.Load())
	}

	sub.ID = "bogus"
	if err := sub.Refresh(ctx); !IsCode(err, ErrSubscriptionLost) {
		t.Errorf("Refresh() with unknown id = %v, want SubscriptionLost", err)
	}
}

// TestSubscriptionLeaseLapse tests that a lapsed lease surfaces as a
// terminal error
func TestSubscriptionLeaseLapse(t *testing.T) {
	es := newEventServer(t)
	_, ch, _ := testEventChannel(t, es)

	sub, _, err := ch.SubscribeClass(context.Background(), NewClassQuery("fvTenant"))
	if err != nil {
		t.Fatalf("SubscribeClass() error: %v", err)
	}
	sub.mu.Lock()
	sub.deadline = time.Now().Add(-time.Second)
	sub.mu.Unlock()

	select {
	case err := <-ch.Errs():
		if !IsCode(err, ErrSubscriptionLost) {
			t.Errorf("error = %v, want SubscriptionLost", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for lease lapse error")
	}
}

// TestEventChannelReadFailure tests the terminal error on a dropped
// websocket
func TestEventChannelReadFailure(t *testing.T) {
	es := newEventServer(t)
	_, ch, conn := testEventChannel(t, es)

	conn.Close()

	select {
	case err := <-ch.Errs():
		if !IsCode(err, ErrSubscriptionLost) {
			t.Errorf("error = %v, want SubscriptionLost", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for read failure error")
	}
}

// TestEventChannelClose tests shutdown semantics
func TestEventChannelClose(t *testing.T) {
	es := newEventServer(t)
	_, ch, _ := testEventChannel(t, es)

	if err := ch.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
	select {
	case _, ok := <-ch.Events():
		if ok {
			t.Error("Events() must be closed after Close()")
		}
	case <-time.After(time.Second):
		t.Error("Events() not closed after Close()")
	}
}
