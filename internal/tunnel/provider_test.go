package tunnel

import (
	"errors"
	"testing"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	cf := &fakeProvider{name: "Cloudflared", available: true}
	ng := &fakeProvider{name: "ngrok", available: true}
	if err := reg.Register(cf); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ng); err != nil {
		t.Fatal(err)
	}

	if _, ok := reg.Get("CLOUDFLARED"); !ok {
		t.Error("case-insensitive lookup failed")
	}
	if names := reg.Names(); len(names) != 2 || names[0] != "cloudflared" || names[1] != "ngrok" {
		t.Errorf("Names() = %v, want registration order", names)
	}
	if ps := reg.Providers(); len(ps) != 2 || ps[0] != Provider(cf) {
		t.Error("Providers() does not preserve registration order")
	}
}

func TestRegistryDuplicate(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	if err := reg.Register(&fakeProvider{name: "ngrok"}); err != nil {
		t.Fatal(err)
	}
	err := reg.Register(&fakeProvider{name: "NGROK"})
	if !errors.Is(err, ErrProviderRegistered) {
		t.Fatalf("err = %v, want ErrProviderRegistered", err)
	}
}

func TestRegistryEmptyName(t *testing.T) {
	t.Parallel()

	if err := NewRegistry().Register(&fakeProvider{name: "  "}); err == nil {
		t.Fatal("registered a provider with a blank name")
	}
}
