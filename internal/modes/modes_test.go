package modes

import "testing"

func TestResolve(t *testing.T) {
	if got := Resolve("tough_love", "listener"); got != ModeToughLove {
		t.Fatalf("Resolve() = %q, want %q", got, ModeToughLove)
	}
	if got := Resolve("", "listener"); got != ModeListener {
		t.Fatalf("Resolve() fallback to preference = %q, want %q", got, ModeListener)
	}
	if got := Resolve("shouty", ""); got != Default {
		t.Fatalf("Resolve() unknown values = %q, want default %q", got, Default)
	}
}

func TestBundleForUnknownFallsBack(t *testing.T) {
	b := BundleFor(Mode("bogus"))
	if b.Mode != Default {
		t.Fatalf("BundleFor(bogus).Mode = %q, want %q", b.Mode, Default)
	}
	if b.SystemPrompt == "" || b.Greeting == "" {
		t.Fatalf("default bundle should carry prompt and greeting")
	}
}
