package meshcall

import (
	"sync"

	"github.com/bt-bridge/meshcall/shared"
)

type Participant struct {
	ID          string
	DisplayName string
	IsOnline    bool
}

// Roster is the membership list kept from join/leave notifications. It is
// independent from the set of peer connections.
type Roster struct {
	hub *shared.Hub[[]Participant]

	mu    sync.Mutex
	order []string
	byID  map[string]Participant
}

func NewRoster(logger shared.LoggerAdapter) *Roster {
	return &Roster{
		hub:  shared.NewHub[[]Participant](logger, "roster"),
		byID: make(map[string]Participant),
	}
}

// Join adds a participant. Joining with a known id changes nothing and
// reports false.
func (r *Roster) Join(id, displayName string) bool {
	if id == "" {
		return false
	}
	r.mu.Lock()
	if _, ok := r.byID[id]; ok {
		r.mu.Unlock()
		return false
	}
	r.byID[id] = Participant{ID: id, DisplayName: displayName, IsOnline: true}
	r.order = append(r.order, id)
	list := r.listLocked()
	r.mu.Unlock()
	r.hub.Publish(list)
	return true
}

// Leave removes a participant; unknown ids are ignored.
func (r *Roster) Leave(id string) bool {
	r.mu.Lock()
	if _, ok := r.byID[id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	list := r.listLocked()
	r.mu.Unlock()
	r.hub.Publish(list)
	return true
}

// Replace swaps the whole roster for users, skipping exclude (the local user).
func (r *Roster) Replace(users []MeetingUser, exclude string) {
	r.mu.Lock()
	r.order = r.order[:0]
	clear(r.byID)
	for _, u := range users {
		if u.UserID == "" || u.UserID == exclude {
			continue
		}
		if _, ok := r.byID[u.UserID]; ok {
			continue
		}
		online := true
		if u.IsOnline != nil {
			online = *u.IsOnline
		}
		r.byID[u.UserID] = Participant{ID: u.UserID, DisplayName: u.UserName, IsOnline: online}
		r.order = append(r.order, u.UserID)
	}
	list := r.listLocked()
	r.mu.Unlock()
	r.hub.Publish(list)
}

func (r *Roster) Get(id string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	return p, ok
}

// List returns participants in join order.
func (r *Roster) List() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func (r *Roster) Subscribe(fn func([]Participant)) shared.Subscription {
	return r.hub.Subscribe(fn)
}

func (r *Roster) Unsubscribe(s shared.Subscription) bool {
	return r.hub.Unsubscribe(s)
}

func (r *Roster) listLocked() []Participant {
	out := make([]Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}
