package session

import (
	"sort"
	"strings"

	mcperrors "github.com/ajitpratap0/mcp-engine-go/pkg/errors"
	"github.com/ajitpratap0/mcp-engine-go/pkg/logging"
)

// subscriptionIndex is the many-to-many relation between sessions and
// resource URIs, kept in both directions. It has no lock of its own; the
// store's mutex guards it together with the session map.
type subscriptionIndex struct {
	bySession map[string]map[string]struct{}
	byURI     map[string]map[string]struct{}
}

func newSubscriptionIndex() *subscriptionIndex {
	return &subscriptionIndex{
		bySession: make(map[string]map[string]struct{}),
		byURI:     make(map[string]map[string]struct{}),
	}
}

func (x *subscriptionIndex) add(sessionID, uri string) bool {
	uris, ok := x.bySession[sessionID]
	if !ok {
		uris = make(map[string]struct{})
		x.bySession[sessionID] = uris
	}
	if _, exists := uris[uri]; exists {
		return false
	}
	uris[uri] = struct{}{}

	subs, ok := x.byURI[uri]
	if !ok {
		subs = make(map[string]struct{})
		x.byURI[uri] = subs
	}
	subs[sessionID] = struct{}{}
	return true
}

func (x *subscriptionIndex) remove(sessionID, uri string) bool {
	uris, ok := x.bySession[sessionID]
	if !ok {
		return false
	}
	if _, exists := uris[uri]; !exists {
		return false
	}
	delete(uris, uri)
	if len(uris) == 0 {
		delete(x.bySession, sessionID)
	}

	if subs, ok := x.byURI[uri]; ok {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(x.byURI, uri)
		}
	}
	return true
}

// removeSession drops every entry of a session and returns how many there were
func (x *subscriptionIndex) removeSession(sessionID string) int {
	uris := x.bySession[sessionID]
	for uri := range uris {
		if subs, ok := x.byURI[uri]; ok {
			delete(subs, sessionID)
			if len(subs) == 0 {
				delete(x.byURI, uri)
			}
		}
	}
	delete(x.bySession, sessionID)
	return len(uris)
}

func (x *subscriptionIndex) uris(sessionID string) []string {
	return sortedKeys(x.bySession[sessionID])
}

func (x *subscriptionIndex) sessions(uri string) []string {
	return sortedKeys(x.byURI[uri])
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Subscribe registers interest of a live session in a resource URI. It
// reports whether a new entry was created; subscribing twice is not an error.
func (s *Store) Subscribe(sessionID, uri string) (bool, error) {
	if strings.TrimSpace(uri) == "" {
		return false, mcperrors.InvalidParams("uri", "uri is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return false, mcperrors.SessionNotFound(sessionID)
	}
	if !sess.state.IsOperational() {
		return false, mcperrors.NotInitialized(sessionID, "subscribe")
	}

	added := s.subs.add(sessionID, uri)
	if added {
		s.logger.Debug("Subscribed to resource",
			logging.String(logging.SessionIDKey, sessionID),
			logging.String("uri", uri),
		)
	}
	return added, nil
}

// Unsubscribe removes a subscription. It returns false, with no other
// effect, when the entry does not exist.
func (s *Store) Unsubscribe(sessionID, uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.subs.remove(sessionID, uri)
	if removed {
		s.logger.Debug("Unsubscribed from resource",
			logging.String(logging.SessionIDKey, sessionID),
			logging.String("uri", uri),
		)
	}
	return removed
}

// Subscriptions returns the URIs a session is subscribed to, sorted
func (s *Store) Subscriptions(sessionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subs.uris(sessionID)
}

// Subscribers returns the ids of sessions subscribed to uri, sorted
func (s *Store) Subscribers(uri string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subs.sessions(uri)
}
