package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/adwski/telehealth-relay/backend/model"
	"github.com/benbjohnson/clock"
)

// Pending is a peer waiting for a host decision.
type Pending struct {
	Room  string
	Peer  string
	Name  string
	Since time.Time
	Wire  model.Wire
}

// Member is an admitted peer together with its transport handle.
type Member struct {
	Peer string
	Role model.Role
	Wire model.Wire
}

// Departure describes what a removal took away.
type Departure struct {
	Existed    bool
	WasActive  bool
	WasPending bool
	Role       model.Role
}

type pendingEntry struct {
	name  string
	since time.Time
}

// room is stored while it holds at least one transport handle, so peers that
// connected but did not announce yet keep their handle. A room with no active
// and no pending peer is vacant and is not reported by Room or Rooms.
// active and pending are always subsets of conns and never intersect.
type room struct {
	conns   map[string]model.Wire
	active  map[string]struct{}
	pending map[string]pendingEntry
	roles   map[string]model.Role
}

func newRoom() *room {
	return &room{
		conns:   make(map[string]model.Wire),
		active:  make(map[string]struct{}),
		pending: make(map[string]pendingEntry),
		roles:   make(map[string]model.Role),
	}
}

func (r *room) forget(peer string) Departure {
	_, existed := r.conns[peer]
	_, wasActive := r.active[peer]
	_, wasPending := r.pending[peer]
	dep := Departure{
		Existed:    existed,
		WasActive:  wasActive,
		WasPending: wasPending,
		Role:       r.roles[peer],
	}
	delete(r.conns, peer)
	delete(r.active, peer)
	delete(r.pending, peer)
	delete(r.roles, peer)
	return dep
}

func (r *room) empty() bool {
	return len(r.conns) == 0 && len(r.active) == 0 && len(r.pending) == 0
}

func (r *room) vacant() bool {
	return len(r.active) == 0 && len(r.pending) == 0
}

// Registry is the per-process connection registry. All operations are total:
// absent rooms and peers read as empty.
type Registry struct {
	mx    *sync.Mutex
	db    map[string]*room
	clock clock.Clock
}

func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		mx:    &sync.Mutex{},
		db:    make(map[string]*room),
		clock: clk,
	}
}

// Connect registers a transport handle without admitting the peer.
// If the peer already had a handle, it is returned so the caller can close it,
// and the peer starts admission over.
func (reg *Registry) Connect(roomID, peer string, wire model.Wire) (model.Wire, bool) {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	r, ok := reg.db[roomID]
	if !ok {
		r = newRoom()
		reg.db[roomID] = r
	}
	old, replaced := r.conns[peer]
	r.forget(peer)
	r.conns[peer] = wire
	return old, replaced
}

// Disconnect removes every trace of the peer in the room. Idempotent.
func (reg *Registry) Disconnect(roomID, peer string) Departure {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	r, ok := reg.db[roomID]
	if !ok {
		return Departure{}
	}
	dep := r.forget(peer)
	reg.gc(roomID, r)
	return dep
}

// Release is Disconnect guarded by handle identity: it does nothing if the peer
// has since reconnected with another handle.
func (reg *Registry) Release(roomID, peer, wireID string) Departure {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	r, ok := reg.db[roomID]
	if !ok {
		return Departure{}
	}
	if w, ok := r.conns[peer]; !ok || w.ID != wireID {
		return Departure{}
	}
	dep := r.forget(peer)
	reg.gc(roomID, r)
	return dep
}

func (reg *Registry) gc(roomID string, r *room) {
	if r.empty() {
		delete(reg.db, roomID)
	}
}

// Announce records a self-declared role. A host is admitted immediately,
// leaving the pending map if it was there. It reports whether the peer
// became active by this call and whether the peer is known at all.
func (reg *Registry) Announce(roomID, peer string, role model.Role) (activated bool, ok bool) {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	r, ok := reg.db[roomID]
	if !ok {
		return false, false
	}
	if _, ok = r.conns[peer]; !ok {
		return false, false
	}
	if role != model.RoleHost {
		r.roles[peer] = model.RoleGuest
		return false, true
	}
	r.roles[peer] = model.RoleHost
	delete(r.pending, peer)
	if _, already := r.active[peer]; already {
		return false, true
	}
	r.active[peer] = struct{}{}
	return true, true
}

// RequestJoin puts a connected, not yet active peer into the pending map.
// Repeated requests refresh the display name but keep the original timestamp.
func (reg *Registry) RequestJoin(roomID, peer, name string) bool {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	r, ok := reg.db[roomID]
	if !ok {
		return false
	}
	if _, ok = r.conns[peer]; !ok {
		return false
	}
	if _, active := r.active[peer]; active {
		return false
	}
	if _, ok = r.roles[peer]; !ok {
		r.roles[peer] = model.RoleGuest
	}
	entry, ok := r.pending[peer]
	if !ok {
		entry.since = reg.clock.Now()
	}
	entry.name = name
	r.pending[peer] = entry
	return true
}

// Approve moves a pending peer to the active set. It returns false when the
// peer is not pending here, which makes repeated approvals no-ops.
func (reg *Registry) Approve(roomID, peer string) (model.Wire, bool) {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	r, ok := reg.db[roomID]
	if !ok {
		return model.Wire{}, false
	}
	if _, ok = r.pending[peer]; !ok {
		return model.Wire{}, false
	}
	delete(r.pending, peer)
	r.active[peer] = struct{}{}
	if _, ok = r.roles[peer]; !ok {
		r.roles[peer] = model.RoleGuest
	}
	return r.conns[peer], true
}

// Reject drops a pending peer entirely and hands back its handle for closing.
func (reg *Registry) Reject(roomID, peer string) (model.Wire, bool) {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	r, ok := reg.db[roomID]
	if !ok {
		return model.Wire{}, false
	}
	if _, ok = r.pending[peer]; !ok {
		return model.Wire{}, false
	}
	wire := r.conns[peer]
	r.forget(peer)
	reg.gc(roomID, r)
	return wire, true
}

// ExpirePending removes pending peers that waited longer than ttl.
func (reg *Registry) ExpirePending(ttl time.Duration) []Pending {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	var (
		expired  []Pending
		deadline = reg.clock.Now().Add(-ttl)
	)
	for roomID, r := range reg.db {
		for peer, entry := range r.pending {
			if entry.since.After(deadline) {
				continue
			}
			expired = append(expired, Pending{
				Room:  roomID,
				Peer:  peer,
				Name:  entry.name,
				Since: entry.since,
				Wire:  r.conns[peer],
			})
			r.forget(peer)
		}
		reg.gc(roomID, r)
	}
	return expired
}

func (reg *Registry) IsActive(roomID, peer string) bool {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	r, ok := reg.db[roomID]
	if !ok {
		return false
	}
	_, ok = r.active[peer]
	return ok
}

func (reg *Registry) RoleOf(roomID, peer string) (model.Role, bool) {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	r, ok := reg.db[roomID]
	if !ok {
		return "", false
	}
	role, ok := r.roles[peer]
	return role, ok
}

func (reg *Registry) Wire(roomID, peer string) (model.Wire, bool) {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	r, ok := reg.db[roomID]
	if !ok {
		return model.Wire{}, false
	}
	w, ok := r.conns[peer]
	return w, ok
}

// ActiveList returns admitted peers sorted by id.
func (reg *Registry) ActiveList(roomID string) []string {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	r, ok := reg.db[roomID]
	if !ok {
		return nil
	}
	peers := make([]string, 0, len(r.active))
	for peer := range r.active {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers
}

// PendingList returns waiting peers, oldest request first.
func (reg *Registry) PendingList(roomID string) []Pending {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	r, ok := reg.db[roomID]
	if !ok {
		return nil
	}
	return r.pendingSnapshot(roomID)
}

func (r *room) pendingSnapshot(roomID string) []Pending {
	list := make([]Pending, 0, len(r.pending))
	for peer, entry := range r.pending {
		list = append(list, Pending{
			Room:  roomID,
			Peer:  peer,
			Name:  entry.name,
			Since: entry.since,
			Wire:  r.conns[peer],
		})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Since.Equal(list[j].Since) {
			return list[i].Peer < list[j].Peer
		}
		return list[i].Since.Before(list[j].Since)
	})
	return list
}

// Members is a snapshot of the active set with handles, safe to iterate
// after the lock is released.
func (reg *Registry) Members(roomID string) []Member {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	r, ok := reg.db[roomID]
	if !ok {
		return nil
	}
	members := make([]Member, 0, len(r.active))
	for peer := range r.active {
		members = append(members, Member{
			Peer: peer,
			Role: r.roles[peer],
			Wire: r.conns[peer],
		})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Peer < members[j].Peer })
	return members
}

// Room describes a room for introspection. Vacant rooms read as absent.
func (reg *Registry) Room(roomID string) (*model.Room, bool) {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	r, ok := reg.db[roomID]
	if !ok || r.vacant() {
		return nil, false
	}
	return r.describe(roomID), true
}

// Rooms describes every non-vacant room held by this process, sorted by id.
func (reg *Registry) Rooms() []*model.Room {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	rooms := make([]*model.Room, 0, len(reg.db))
	for roomID, r := range reg.db {
		if r.vacant() {
			continue
		}
		rooms = append(rooms, r.describe(roomID))
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

func (r *room) describe(roomID string) *model.Room {
	desc := &model.Room{
		ID:      roomID,
		Active:  make([]model.Participant, 0, len(r.active)),
		Pending: make([]model.Participant, 0, len(r.pending)),
	}
	for peer := range r.active {
		desc.Active = append(desc.Active, model.Participant{ID: peer, Role: r.roles[peer]})
	}
	sort.Slice(desc.Active, func(i, j int) bool { return desc.Active[i].ID < desc.Active[j].ID })
	for _, p := range r.pendingSnapshot(roomID) {
		desc.Pending = append(desc.Pending, model.Participant{ID: p.Peer, Role: r.roles[p.Peer], Name: p.Name})
	}
	return desc
}
