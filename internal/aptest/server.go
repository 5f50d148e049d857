// Package aptest is an in-process ActivityPub server for tests.
//
// It hosts actors with an outbox, an mls:messages collection, an
// mls:keyPackages collection and an optional server-sent event stream.
// Activities posted to an outbox are fanned out to the messages collection
// of every local recipient, which is enough to run several clients against
// each other.
package aptest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/opd-ai/apmls/activitypub"
)

// Server is a fake federation server.
type Server struct {
	*httptest.Server

	// PageSize is the number of items per messages page.
	PageSize int
	// Token, if set, is required as a bearer token on outbox POSTs and
	// event stream subscriptions.
	Token string

	mu       sync.Mutex
	actors   map[string]*actor
	failures map[string][]int
}

type actor struct {
	name        string
	eventStream bool
	posted      []map[string]any
	messages    []map[string]any
	keyPackages []map[string]any
	subscribers map[chan struct{}]chan struct{}
	gets        int
	streams     int
}

// New starts a server and closes it when t ends.
func New(t testing.TB) *Server {
	s := &Server{
		PageSize: 2,
		actors:   make(map[string]*actor),
		failures: make(map[string][]int),
	}

	r := mux.NewRouter()
	r.HandleFunc("/users/{name}", s.handleActor).Methods(http.MethodGet)
	r.HandleFunc("/users/{name}/outbox", s.handleOutbox).Methods(http.MethodPost)
	r.HandleFunc("/users/{name}/messages", s.handleMessages).Methods(http.MethodGet)
	r.HandleFunc("/users/{name}/keyPackages", s.handleKeyPackages).Methods(http.MethodGet)
	r.HandleFunc("/users/{name}/events", s.handleEvents).Methods(http.MethodGet)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// AddActor registers name. With eventStream the messages collection
// advertises an SSE endpoint.
func (s *Server) AddActor(name string, eventStream bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actors[name] = &actor{
		name:        name,
		eventStream: eventStream,
		subscribers: make(map[chan struct{}]chan struct{}),
	}
	return s.ActorID(name)
}

// ActorID returns the id of name.
func (s *Server) ActorID(name string) string { return s.URL + "/users/" + name }

// OutboxURL returns the outbox of name.
func (s *Server) OutboxURL(name string) string { return s.ActorID(name) + "/outbox" }

// MessagesURL returns the messages collection of name.
func (s *Server) MessagesURL(name string) string { return s.ActorID(name) + "/messages" }

// FailOutbox makes the next POSTs to name's outbox answer with codes, in order.
func (s *Server) FailOutbox(name string, codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[name] = append(s.failures[name], codes...)
}

// Posted returns the activities accepted by name's outbox.
func (s *Server) Posted(name string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.actors[name]
	if a == nil {
		return nil
	}
	return append([]map[string]any(nil), a.posted...)
}

// Messages returns the items in name's messages collection.
func (s *Server) Messages(name string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.actors[name]
	if a == nil {
		return nil
	}
	return append([]map[string]any(nil), a.messages...)
}

// CollectionGets counts GETs of name's messages collection root.
func (s *Server) CollectionGets(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.actors[name]; a != nil {
		return a.gets
	}
	return 0
}

// Deliver appends an item with content to name's messages collection and
// notifies subscribers.
func (s *Server) Deliver(name, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.actors[name]; a != nil {
		s.appendMessage(a, map[string]any{"type": activitypub.TypePrivateMessage, "content": content})
	}
}

// Notify wakes name's event stream subscribers without adding anything.
func (s *Server) Notify(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.actors[name]; a != nil {
		notify(a)
	}
}

func (s *Server) appendMessage(a *actor, obj map[string]any) {
	item := map[string]any{
		"id":        fmt.Sprintf("%s/messages/%d", s.ActorID(a.name), len(a.messages)+1),
		"type":      obj["type"],
		"mediaType": activitypub.MediaTypeMLS,
		"encoding":  activitypub.EncodingBase64,
		"content":   obj["content"],
		"published": time.Now().UTC().Format(time.RFC3339),
	}
	a.messages = append(a.messages, item)
	notify(a)
}

func notify(a *actor) {
	for ch := range a.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) *actor {
	name := mux.Vars(r)["name"]
	a := s.actors[name]
	if a == nil {
		http.NotFound(w, r)
	}
	return a
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", activitypub.ContentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.lookup(w, r)
	if a == nil {
		return
	}
	id := s.ActorID(a.name)
	writeJSON(w, http.StatusOK, map[string]any{
		"@context":        activitypub.Context,
		"id":              id,
		"type":            "Person",
		"name":            a.name,
		"outbox":          id + "/outbox",
		"mls:messages":    id + "/messages",
		"mls:keyPackages": id + "/keyPackages",
	})
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var activity map[string]any
	if err := json.NewDecoder(r.Body).Decode(&activity); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.lookup(w, r)
	if a == nil {
		return
	}
	if codes := s.failures[a.name]; len(codes) > 0 {
		s.failures[a.name] = codes[1:]
		http.Error(w, http.StatusText(codes[0]), codes[0])
		return
	}

	a.posted = append(a.posted, activity)
	doc := activitypub.Document(activity)
	obj, ok := doc.Document(activitypub.PropertyObject)
	if !ok {
		http.Error(w, "object required", http.StatusBadRequest)
		return
	}

	if obj.HasType(activitypub.TypeKeyPackage) {
		location := fmt.Sprintf("%s/keyPackages/%d", s.ActorID(a.name), len(a.keyPackages)+1)
		obj["id"] = location
		a.keyPackages = append(a.keyPackages, obj)
		w.Header().Set("Location", location)
		w.WriteHeader(http.StatusCreated)
		return
	}

	for _, recipient := range obj.List(activitypub.PropertyTo) {
		id, _ := recipient.(string)
		name, ok := strings.CutPrefix(id, s.URL+"/users/")
		if !ok {
			continue
		}
		if target := s.actors[name]; target != nil {
			s.appendMessage(target, obj)
		}
	}
	w.Header().Set("Location", fmt.Sprintf("%s/outbox/%d", s.ActorID(a.name), len(a.posted)))
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.lookup(w, r)
	if a == nil {
		return
	}
	base := s.MessagesURL(a.name)

	pageParam := r.URL.Query().Get("page")
	if pageParam == "" {
		a.gets++
		collection := map[string]any{
			"@context":   activitypub.Context,
			"id":         base,
			"type":       "OrderedCollection",
			"totalItems": len(a.messages),
			"first":      base + "?page=1",
		}
		if a.eventStream {
			collection["sse:eventStream"] = s.ActorID(a.name) + "/events"
		}
		writeJSON(w, http.StatusOK, collection)
		return
	}

	page, err := strconv.Atoi(pageParam)
	if err != nil || page < 1 {
		http.Error(w, "bad page", http.StatusBadRequest)
		return
	}
	size := s.PageSize
	if size <= 0 {
		size = len(a.messages) + 1
	}
	start := (page - 1) * size
	end := min(start+size, len(a.messages))
	items := []any{}
	for i := start; i < end; i++ {
		items = append(items, a.messages[i])
	}
	out := map[string]any{
		"id":           fmt.Sprintf("%s?page=%d", base, page),
		"type":         "OrderedCollectionPage",
		"partOf":       base,
		"orderedItems": items,
	}
	if end < len(a.messages) {
		out["next"] = fmt.Sprintf("%s?page=%d", base, page+1)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleKeyPackages(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.lookup(w, r)
	if a == nil {
		return
	}
	items := make([]any, 0, len(a.keyPackages))
	for i := len(a.keyPackages) - 1; i >= 0; i-- {
		items = append(items, a.keyPackages[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"@context":     activitypub.Context,
		"id":           s.ActorID(a.name) + "/keyPackages",
		"type":         "OrderedCollection",
		"totalItems":   len(items),
		"orderedItems": items,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	a := s.lookup(w, r)
	if a == nil {
		s.mu.Unlock()
		return
	}
	ch := make(chan struct{}, 1)
	hangup := make(chan struct{})
	a.subscribers[ch] = hangup
	a.streams++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(a.subscribers, ch)
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for n := 1; ; n++ {
		select {
		case <-r.Context().Done():
			return
		case <-hangup:
			return
		case <-ch:
			fmt.Fprintf(w, "id: %d\nevent: message\ndata: {\"type\":\"Update\"}\n\n", n)
			flusher.Flush()
		}
	}
}

// Hangup ends every open event stream of name.
func (s *Server) Hangup(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.actors[name]; a != nil {
		for ch, hangup := range a.subscribers {
			close(hangup)
			delete(a.subscribers, ch)
		}
	}
}

// Streams reports how many event streams name has opened so far.
func (s *Server) Streams(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.actors[name]; a != nil {
		return a.streams
	}
	return 0
}

// Subscribers reports how many event streams are open for name.
func (s *Server) Subscribers(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.actors[name]; a != nil {
		return len(a.subscribers)
	}
	return 0
}
