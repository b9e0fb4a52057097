package peers

import (
	gonet "net"
	"testing"

	"github.com/mosaicnetworks/prism/src/net"
)

func newTestPeer(t *testing.T, name string) *Peer {
	a, b := gonet.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewPeer(net.NewConn(a, 0), name)
}

func TestRegistryJoinOrder(t *testing.T) {
	r := NewRegistry()
	p1, p2, p3 := newTestPeer(t, "p1"), newTestPeer(t, "p2"), newTestPeer(t, "p3")
	r.AddChild(p1)
	r.AddChild(p2)
	r.AddChild(p3)

	children := r.Children()
	if len(children) != 3 {
		t.Fatalf("expected 3 children, got %d", len(children))
	}
	for i, want := range []*Peer{p1, p2, p3} {
		if children[i] != want {
			t.Fatalf("child %d should be %s, got %s", i, want, children[i])
		}
	}
}

func TestRegistryConfirm(t *testing.T) {
	r := NewRegistry()
	p1, p2 := newTestPeer(t, "p1"), newTestPeer(t, "p2")
	r.AddChild(p1)
	r.AddChild(p2)

	if r.ConfirmedCount("") != 0 {
		t.Fatalf("new children should not be confirmed")
	}

	if !r.Confirm(p2.ID(), 4001) {
		t.Fatalf("Confirm should find p2")
	}
	if !p2.Confirmed || p2.Port != 4001 {
		t.Fatalf("p2 should be confirmed on port 4001, got %v %d", p2.Confirmed, p2.Port)
	}

	confirmed := r.Confirmed("")
	if len(confirmed) != 1 || confirmed[0] != p2 {
		t.Fatalf("expected only p2 confirmed, got %v", confirmed)
	}
	if r.ConfirmedCount(p2.ID()) != 0 {
		t.Fatalf("excluding p2 should leave no confirmed peer")
	}
}

func TestRegistryConfirmIgnoresParent(t *testing.T) {
	r := NewRegistry()
	parent := newTestPeer(t, "parent")
	r.SetParent(parent)

	if r.Confirm(parent.ID(), 5000) {
		t.Fatalf("the parent is not a child and cannot be confirmed")
	}
}

func TestRegistryRename(t *testing.T) {
	r := NewRegistry()
	child, parent := newTestPeer(t, "Client 1"), newTestPeer(t, "Upstream")
	r.AddChild(child)
	r.SetParent(parent)

	if !r.Rename(child.ID(), "alice") || r.ByID(child.ID()).Name != "alice" {
		t.Fatalf("child should be renamed")
	}
	if !r.Rename(parent.ID(), "bob") || r.Parent().Name != "bob" {
		t.Fatalf("parent should be renamed")
	}
	if r.Rename("unknown", "carol") {
		t.Fatalf("unknown ids cannot be renamed")
	}
}

func TestRegistryRemoveClearsReferences(t *testing.T) {
	r := NewRegistry()
	c1, c2, parent := newTestPeer(t, "c1"), newTestPeer(t, "c2"), newTestPeer(t, "parent")
	r.AddChild(c1)
	r.AddChild(c2)
	r.SetParent(parent)
	r.SetSuccessor(c1.ID())

	if r.Successor() != c1 {
		t.Fatalf("c1 should be successor")
	}

	if _, ok := r.Remove(c1.ID()); !ok {
		t.Fatalf("c1 should be removed")
	}
	if r.Successor() != nil {
		t.Fatalf("successor should be cleared with c1")
	}
	if r.ByID(c1.ID()) != nil {
		t.Fatalf("c1 should be gone")
	}

	r.SetSuccessor(parent.ID())
	if _, ok := r.Remove(parent.ID()); !ok {
		t.Fatalf("parent should be removed")
	}
	if r.Parent() != nil || r.Successor() != nil {
		t.Fatalf("parent and successor should be cleared")
	}
	if r.Len() != 1 {
		t.Fatalf("only c2 should remain, got %d records", r.Len())
	}

	if _, ok := r.Remove("unknown"); ok {
		t.Fatalf("unknown ids cannot be removed")
	}
}

func TestRegistryInfos(t *testing.T) {
	r := NewRegistry()
	child, parent := newTestPeer(t, "c"), newTestPeer(t, "p")
	r.AddChild(child)
	r.SetParent(parent)
	r.Confirm(child.ID(), 7000)
	r.SetSuccessor(child.ID())

	infos := r.Infos()
	if len(infos) != 2 {
		t.Fatalf("expected 2 infos, got %d", len(infos))
	}
	if infos[0].Role != RoleChild || !infos[0].Confirmed || infos[0].Port != 7000 || !infos[0].Successor {
		t.Fatalf("bad child info: %+v", infos[0])
	}
	if infos[1].Role != RoleParent || infos[1].Successor {
		t.Fatalf("bad parent info: %+v", infos[1])
	}
}

func TestExcludePeer(t *testing.T) {
	p1, p2 := newTestPeer(t, "p1"), newTestPeer(t, "p2")

	index, others := ExcludePeer([]*Peer{p1, p2}, p2.ID())
	if index != 1 || len(others) != 1 || others[0] != p1 {
		t.Fatalf("bad exclusion: %d %v", index, others)
	}
}
