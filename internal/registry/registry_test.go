package registry

import (
	"testing"

	"go.uber.org/zap"

	"github.com/cmastudios/mcmdd/internal/session"
)

func TestRegistryGetAndHas(t *testing.T) {
	a := session.New("alpha", ".", []string{"true"}, 0, zap.NewNop())
	b := session.New("beta", ".", []string{"true"}, 0, zap.NewNop())
	r := New([]*session.Session{a, b})

	if got := r.Get("alpha"); got != a {
		t.Errorf("Get(alpha) = %v, want %v", got, a)
	}
	if got := r.Get("missing"); got != nil {
		t.Errorf("Get(missing) = %v, want nil", got)
	}
	if !r.Has("beta") {
		t.Error("Has(beta) = false, want true")
	}
	if r.Has("missing") {
		t.Error("Has(missing) = true, want false")
	}
}

func TestRegistryPreservesOrder(t *testing.T) {
	a := session.New("z", ".", []string{"true"}, 0, zap.NewNop())
	b := session.New("a", ".", []string{"true"}, 0, zap.NewNop())
	r := New([]*session.Session{a, b})

	ids := r.IDs()
	if len(ids) != 2 || ids[0] != "z" || ids[1] != "a" {
		t.Errorf("IDs() = %v, want [z a] (configuration order, not sorted)", ids)
	}
}
