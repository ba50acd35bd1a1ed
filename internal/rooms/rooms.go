// Package rooms tracks which live connections belong to which broadcast
// scope. A room is just a named membership set; the session server
// decides what to send to it.
package rooms

import "sync"

// Member is anything that can belong to a room, keyed by a stable id.
type Member interface {
	ID() string
}

// ProjectRoom names the presence/chat scope of a project.
func ProjectRoom(projectID string) string {
	return "project:" + projectID
}

// FileRoom names the per-file scope of a project file.
func FileRoom(projectID, filePath string) string {
	return "file:" + projectID + ":" + filePath
}

type Set struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Member
}

func NewSet() *Set {
	return &Set{rooms: make(map[string]map[string]Member)}
}

// Join adds m to room. Joining twice is a no-op.
func (s *Set) Join(room string, m Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[string]Member)
		s.rooms[room] = members
	}
	members[m.ID()] = m
}

// Leave removes m from room and reports whether the room is now empty.
func (s *Set) Leave(room string, m Member) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rooms[room]
	if !ok {
		return true
	}
	delete(members, m.ID())
	if len(members) == 0 {
		delete(s.rooms, room)
		return true
	}
	return false
}

// Members returns a snapshot of the room's membership.
func (s *Set) Members(room string) []Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := make([]Member, 0, len(s.rooms[room]))
	for _, m := range s.rooms[room] {
		members = append(members, m)
	}
	return members
}

// Others returns the room's membership without m.
func (s *Set) Others(room string, m Member) []Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := make([]Member, 0, len(s.rooms[room]))
	for id, member := range s.rooms[room] {
		if id == m.ID() {
			continue
		}
		members = append(members, member)
	}
	return members
}

// LeaveAll removes m from every room it belongs to and returns the rooms
// it left.
func (s *Set) LeaveAll(m Member) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var left []string
	for room, members := range s.rooms {
		if _, ok := members[m.ID()]; !ok {
			continue
		}
		delete(members, m.ID())
		if len(members) == 0 {
			delete(s.rooms, room)
		}
		left = append(left, room)
	}
	return left
}

// Contains reports whether m is in room.
func (s *Set) Contains(room string, m Member) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[room][m.ID()]
	return ok
}
