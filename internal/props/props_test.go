package props

import "testing"

func TestGetSetRoundTrip(t *testing.T) {
	p := New()
	p.Set("a.b.c", "v1")
	if got := p.Get("a.b.c"); got != "v1" {
		t.Fatalf("get(set(p,v),p) == v failed: got %q", got)
	}
}

func TestGetFallbackChain(t *testing.T) {
	p := New()
	p.SetDefault("a", "root-default")
	p.SetDefault("a.b", "mid-default")
	p.Set("a.b.c", "")
	// c has no explicit value and no own default: falls back to
	// parent b's default.
	if got := p.Get("a.b.c"); got != "mid-default" {
		t.Fatalf("expected parent default fallback, got %q", got)
	}
	// x.y.z has no node at all, so Get returns "" even though x has a default.
	p2 := New()
	p2.SetDefault("x", "x-default")
	if got := p2.Get("x.y.z"); got != "" {
		t.Fatalf("nonexistent path should return empty, got %q", got)
	}
}

func TestMergeIdentityWithEmpty(t *testing.T) {
	a := New()
	a.Set("svc.name", "echo")
	a.Set("svc.rate", "100")

	empty := New()
	before := Save(a)
	a.Merge(empty)
	after := Save(a)
	if before != after {
		t.Fatalf("merge(a, empty) must equal a: before=%q after=%q", before, after)
	}
}

func TestMergeOverlay(t *testing.T) {
	a := New()
	a.Set("svc.name", "echo")
	a.Set("svc.rate", "100")

	b := New()
	b.Set("svc.rate", "200")
	b.Set("svc.extra", "new")

	a.Merge(b)

	if got := a.Get("svc.name"); got != "echo" {
		t.Fatalf("unrelated sibling should survive merge, got %q", got)
	}
	if got := a.Get("svc.rate"); got != "200" {
		t.Fatalf("merged value should come from b, got %q", got)
	}
	if got := a.Get("svc.extra"); got != "new" {
		t.Fatalf("new sibling from b should appear, got %q", got)
	}
}

func TestNoTwoSiblingsShareAName(t *testing.T) {
	p := New()
	p.Set("a.b", "1")
	p.Set("a.b", "2")
	if len(p.Children()) != 1 {
		t.Fatalf("expected one child 'a', got %d", len(p.Children()))
	}
	if got := p.Get("a.b"); got != "2" {
		t.Fatalf("expected second set to win, got %q", got)
	}
}

func TestEscapedDotInPath(t *testing.T) {
	segs := SplitPath(`a\.b.c`)
	if len(segs) != 2 || segs[0] != "a.b" || segs[1] != "c" {
		t.Fatalf("expected [%q %q], got %v", "a.b", "c", segs)
	}
	if got := JoinPath(segs); got != `a\.b.c` {
		t.Fatalf("expected round-trip join, got %q", got)
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	text := "# a comment\n" +
		"manager.modules.load_path = /usr/lib/rtc:/opt/rtc\n" +
		"naming.type = corbaname\n" +
		"logger.enable = YES\n"

	p, err := Load(text)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := p.Get("manager.modules.load_path"); got != "/usr/lib/rtc:/opt/rtc" {
		t.Fatalf("got %q", got)
	}

	saved := Save(p)
	reloaded, err := Load(saved)
	if err != nil {
		t.Fatalf("Load(Save(p)): %v", err)
	}
	if reloaded.Get("naming.type") != p.Get("naming.type") {
		t.Fatalf("round trip mismatch")
	}
	if reloaded.Get("logger.enable") != p.Get("logger.enable") {
		t.Fatalf("round trip mismatch")
	}
}

func TestSaveKeepsValueBearingIntermediates(t *testing.T) {
	p := New()
	p.Set("a", "x")
	p.Set("a.b", "y")

	reloaded, err := Load(Save(p))
	if err != nil {
		t.Fatalf("Load(Save(p)): %v", err)
	}
	if got := reloaded.Get("a"); got != "x" {
		t.Fatalf("intermediate value lost in round trip, got %q", got)
	}
	if got := reloaded.Get("a.b"); got != "y" {
		t.Fatalf("child value lost in round trip, got %q", got)
	}
}

func TestLoadContinuation(t *testing.T) {
	text := "exec_cxt.periodic.rate = 100 \\\n" +
		"Hz\n"
	p, err := Load(text)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := p.Get("exec_cxt.periodic.rate"); got != "100 Hz" {
		t.Fatalf("expected continuation joined value, got %q", got)
	}
}

func TestLoadMissingEquals(t *testing.T) {
	_, err := Load("not.a.kv.pair\n")
	if err == nil {
		t.Fatal("expected error for missing '='")
	}
}
