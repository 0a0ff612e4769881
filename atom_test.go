package oniri

import "testing"

func TestAtomZeroValue(t *testing.T) {
	var a Atom[*ServicesConfig]

	if a.Get() != nil { t.Fatalf("expected nil before Set") }
}

func TestAtomSetAndSwap(t *testing.T) {
	var a Atom[Role]
	var old Role

	a.Set(ROLE_CLIENT)
	if a.Get() != ROLE_CLIENT { t.Fatalf("expected client, got %v", a.Get()) }

	old = a.Swap(ROLE_SERVER)
	if old != ROLE_CLIENT { t.Errorf("swap returned %v", old) }
	if a.Get() != ROLE_SERVER { t.Errorf("expected server, got %v", a.Get()) }
}
