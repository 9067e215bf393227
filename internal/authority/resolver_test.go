package authority

import "testing"

func TestParseMode(t *testing.T) {
	for _, raw := range []string{"server", "owner", "shared"} {
		mode, err := ParseMode(raw)
		if err != nil {
			t.Fatalf("expected %q to parse, got %v", raw, err)
		}
		if string(mode) != raw {
			t.Fatalf("expected mode %q, got %q", raw, mode)
		}
	}
	if _, err := ParseMode("anarchy"); err == nil {
		t.Fatalf("expected unknown mode to fail")
	}
}

func TestAllowByMode(t *testing.T) {
	cases := []struct {
		name     string
		mode     Mode
		ownerID  string
		writerID string
		want     bool
	}{
		{"server accepts server identity", ModeServer, "", "host", true},
		{"server rejects other peers", ModeServer, "", "peer-1", false},
		{"server rejects even the owner", ModeServer, "peer-1", "peer-1", false},
		{"owner accepts first writer", ModeOwner, "", "peer-1", true},
		{"owner accepts existing owner", ModeOwner, "peer-1", "peer-1", true},
		{"owner rejects non-owner", ModeOwner, "peer-1", "peer-2", false},
		{"shared accepts everyone", ModeShared, "peer-1", "peer-2", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resolver := NewResolver(tc.mode, "host")
			if got := resolver.Allow(tc.ownerID, tc.writerID); got != tc.want {
				t.Fatalf("Allow(%q, %q) under %s = %v, want %v", tc.ownerID, tc.writerID, tc.mode, got, tc.want)
			}
		})
	}
}

func TestSetModeSwapsPolicy(t *testing.T) {
	resolver := NewResolver(ModeOwner, "host")
	if resolver.Allow("peer-1", "peer-2") {
		t.Fatalf("owner mode should reject non-owner writes")
	}
	resolver.SetMode(ModeShared)
	if !resolver.Allow("peer-1", "peer-2") {
		t.Fatalf("shared mode should accept all writes")
	}
	if resolver.Mode() != ModeShared {
		t.Fatalf("expected mode to report shared, got %s", resolver.Mode())
	}
}
