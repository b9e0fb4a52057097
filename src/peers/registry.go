package peers

const (
	// RoleChild marks a connection accepted by this node.
	RoleChild = "child"
	// RoleParent marks the connection this node dialed.
	RoleParent = "parent"
)

// Registry tracks the connections of a node: an ordered list of children, in
// the order they joined, and at most one parent. It also remembers which
// connection was designated as successor, that is the peer this node has
// told its children to fail over to.
//
// A Registry is not safe for concurrent use; it belongs to the node loop.
type Registry struct {
	children  []*Peer
	parent    *Peer
	successor string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddChild appends a child record.
func (r *Registry) AddChild(p *Peer) {
	r.children = append(r.children, p)
}

// SetParent installs the parent record. A previous parent must have been
// removed first; it is returned if it was not.
func (r *Registry) SetParent(p *Peer) (previous *Peer) {
	previous = r.parent
	r.parent = p
	return previous
}

// Parent returns the parent record, or nil.
func (r *Registry) Parent() *Peer {
	return r.parent
}

// IsParent reports whether id identifies the parent connection.
func (r *Registry) IsParent(id string) bool {
	return r.parent != nil && r.parent.ID() == id
}

// ByID looks up a record, child or parent, by connection identity.
func (r *Registry) ByID(id string) *Peer {
	for _, p := range r.children {
		if p.ID() == id {
			return p
		}
	}
	if r.IsParent(id) {
		return r.parent
	}
	return nil
}

// Confirm marks a child as a confirmed overlay peer listening on port.
func (r *Registry) Confirm(id string, port uint16) bool {
	for _, p := range r.children {
		if p.ID() == id {
			p.Confirmed = true
			p.Port = port
			return true
		}
	}
	return false
}

// Rename sets the display name of a record.
func (r *Registry) Rename(id, name string) bool {
	p := r.ByID(id)
	if p == nil {
		return false
	}
	p.Name = name
	return true
}

// Remove deletes a record and clears the successor and parent references that
// pointed to it.
func (r *Registry) Remove(id string) (*Peer, bool) {
	if r.successor == id {
		r.successor = ""
	}
	if r.IsParent(id) {
		p := r.parent
		r.parent = nil
		return p, true
	}
	for i, p := range r.children {
		if p.ID() == id {
			r.children = append(r.children[:i], r.children[i+1:]...)
			return p, true
		}
	}
	return nil, false
}

// Children returns the child records in join order.
func (r *Registry) Children() []*Peer {
	res := make([]*Peer, len(r.children))
	copy(res, r.children)
	return res
}

// Confirmed returns the confirmed children in join order, leaving out the
// record identified by excludeID.
func (r *Registry) Confirmed(excludeID string) []*Peer {
	var res []*Peer
	for _, p := range r.children {
		if p.Confirmed && p.ID() != excludeID {
			res = append(res, p)
		}
	}
	return res
}

// ConfirmedCount counts the confirmed children other than excludeID.
func (r *Registry) ConfirmedCount(excludeID string) int {
	return len(r.Confirmed(excludeID))
}

// All returns every record, children first, then the parent.
func (r *Registry) All() []*Peer {
	res := r.Children()
	if r.parent != nil {
		res = append(res, r.parent)
	}
	return res
}

// Len returns the number of records.
func (r *Registry) Len() int {
	n := len(r.children)
	if r.parent != nil {
		n++
	}
	return n
}

// SetSuccessor designates the record identified by id as successor.
func (r *Registry) SetSuccessor(id string) {
	r.successor = id
}

// Successor returns the designated successor, or nil if there is none or it
// has since been removed.
func (r *Registry) Successor() *Peer {
	if r.successor == "" {
		return nil
	}
	return r.ByID(r.successor)
}

// Infos returns a serializable snapshot of every record.
func (r *Registry) Infos() []Info {
	res := make([]Info, 0, r.Len())
	for _, p := range r.All() {
		role := RoleChild
		if p == r.parent {
			role = RoleParent
		}
		res = append(res, Info{
			ID:        p.ID(),
			Role:      role,
			Addr:      p.Addr,
			Confirmed: p.Confirmed,
			Port:      p.Port,
			Name:      p.Name,
			Successor: p.ID() == r.successor,
		})
	}
	return res
}
