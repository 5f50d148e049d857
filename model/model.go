// Package model holds the records persisted for each encrypted conversation.
package model

import (
	"time"

	"github.com/opd-ai/apmls/protocol"
)

// DefaultGroupName is given to groups created locally.
const DefaultGroupName = "New Group"

// ReceivedGroupName is given to groups joined through a welcome.
const ReceivedGroupName = "Received Group"

// Group is one encrypted conversation.
//
// State is owned by the protocol engine and is only ever replaced as a
// whole. Members is a cached view; the engine's leaf enumeration is the
// source of truth.
type Group struct {
	ID          string
	Name        string
	Members     []string
	State       protocol.State
	LastMessage string
	CreateDate  time.Time
	UpdateDate  time.Time
	ReadDate    time.Time
}

// Clone returns a deep copy of g.
func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	c := *g
	c.Members = append([]string(nil), g.Members...)
	c.State = g.State.Clone()
	return &c
}

// HasMember reports whether id is in the cached member list.
func (g *Group) HasMember(id string) bool {
	for _, m := range g.Members {
		if m == id {
			return true
		}
	}
	return false
}

// Unread reports whether the group changed after it was last read.
func (g *Group) Unread() bool {
	return g.UpdateDate.After(g.ReadDate)
}

// SetState swaps in a new engine state and bumps UpdateDate.
func (g *Group) SetState(state protocol.State, now time.Time) {
	g.State = state
	g.Touch(now)
}

// Touch bumps UpdateDate, never moving it before CreateDate.
func (g *Group) Touch(now time.Time) {
	if now.Before(g.CreateDate) {
		now = g.CreateDate
	}
	g.UpdateDate = now
}

// Message is one decrypted application message.
type Message struct {
	ID         string
	Group      string
	Sender     string
	Plaintext  string
	CreateDate time.Time
}

// Clone returns a copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// Preview truncates s to at most n runes.
func Preview(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
