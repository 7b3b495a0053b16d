package main

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// nameResolver resolves user ids to usernames, caching results so
// per-utterance lookups do not hammer the REST API.
type nameResolver struct {
	lookup func(userID string) (string, error)
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]nameEntry
}

type nameEntry struct {
	val    string
	expiry time.Time
}

func newNameResolver(s *discordgo.Session) *nameResolver {
	return &nameResolver{
		lookup: func(userID string) (string, error) {
			u, err := s.User(userID)
			if err != nil {
				return "", err
			}
			return u.Username, nil
		},
		ttl:   5 * time.Minute,
		cache: make(map[string]nameEntry),
	}
}

// UserName returns the username for userID, or empty when it cannot be
// resolved. Failed lookups are not cached so a transient REST error does
// not stick for the TTL.
func (r *nameResolver) UserName(userID string) string {
	if r == nil || userID == "" {
		return ""
	}
	now := time.Now()
	r.mu.Lock()
	if e, ok := r.cache[userID]; ok && now.Before(e.expiry) {
		r.mu.Unlock()
		return e.val
	}
	r.mu.Unlock()

	name, err := r.lookup(userID)
	if err != nil || name == "" {
		return ""
	}
	r.mu.Lock()
	r.cache[userID] = nameEntry{val: name, expiry: now.Add(r.ttl)}
	r.mu.Unlock()
	return name
}
