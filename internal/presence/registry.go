// Package presence tracks which connections are live and the nickname each
// one registered.
package presence

import (
	"cmp"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"
)

var (
	ErrEmptyNickname     = errors.New("nickname cannot be empty")
	ErrAlreadyRegistered = errors.New("nickname already set for this connection")
	ErrNicknameTaken     = errors.New("nickname is already in use")
)

type entry struct {
	nickname string
	seq      uint64
}

// Registry maps connection ids to nicknames. A connection moves from
// unregistered to registered once, and to removed once; removed is terminal.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	// lowercased nickname -> connection id
	byName  map[string]string
	removed map[string]struct{}
	seq     uint64
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]entry),
		byName:  make(map[string]string),
		removed: make(map[string]struct{}),
	}
}

// NormalizeNickname trims surrounding whitespace.
func NormalizeNickname(nickname string) string {
	return strings.TrimSpace(nickname)
}

// Register binds nickname to connId and returns the stored (trimmed) name.
func (r *Registry) Register(connId, nickname string) (string, error) {
	nickname = NormalizeNickname(nickname)
	if nickname == "" {
		return "", ErrEmptyNickname
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[connId]; ok {
		return "", ErrAlreadyRegistered
	}
	if _, ok := r.removed[connId]; ok {
		return "", ErrAlreadyRegistered
	}

	key := strings.ToLower(nickname)
	if _, taken := r.byName[key]; taken {
		return "", ErrNicknameTaken
	}

	r.seq++
	r.entries[connId] = entry{nickname: nickname, seq: r.seq}
	r.byName[key] = connId
	return nickname, nil
}

// Unregister removes the binding for connId, returning the nickname it held.
func (r *Registry) Unregister(connId string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connId]
	if !ok {
		return "", false
	}

	delete(r.entries, connId)
	delete(r.byName, strings.ToLower(e.nickname))
	r.removed[connId] = struct{}{}
	return e.nickname, true
}

// Discard undoes a Register that could not be completed. Unlike Unregister the
// connection returns to unregistered and may register again.
func (r *Registry) Discard(connId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[connId]; ok {
		delete(r.entries, connId)
		delete(r.byName, strings.ToLower(e.nickname))
	}
}

// Forget drops the terminal marker for a closed connection so the removed set
// does not grow for the life of the process.
func (r *Registry) Forget(connId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.removed, connId)
}

func (r *Registry) Nickname(connId string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[connId]
	return e.nickname, ok
}

// Nicknames returns a snapshot of registered nicknames in registration order.
func (r *Registry) Nicknames() []string {
	r.mu.RLock()
	entries := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	slices.SortFunc(entries, func(a, b entry) int {
		return cmp.Compare(a.seq, b.seq)
	})

	return lo.Map(entries, func(e entry, _ int) string { return e.nickname })
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}
