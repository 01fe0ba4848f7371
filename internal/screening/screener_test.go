package screening

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/savegress/complycore/pkg/models"
	"go.uber.org/zap"
)

func newTestScreener() *Screener {
	s := NewScreener(0.85, zap.NewNop().Sugar())
	s.LoadWatchlist(ListSanctions, []Entry{
		{ID: "SDN-1", Name: "Viktor Petrov", Aliases: []string{"V. Petrov"}, DOB: "1970-01-01"},
		{ID: "SDN-2", Name: "José Álvarez"},
	})
	s.LoadWatchlist(ListPEP, []Entry{
		{ID: "PEP-1", Name: "Jane Minister"},
	})
	return s
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"José Álvarez", "jose alvarez"},
		{"  O'Brien,   Sean ", "o brien sean"},
		{"VIKTOR-PETROV", "viktor petrov"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := normalize(tt.in); got != tt.want {
			t.Errorf("normalize(%q) = %q, expected %q", tt.in, got, tt.want)
		}
	}
}

func TestScreen(t *testing.T) {
	s := newTestScreener()
	ctx := context.Background()

	tests := []struct {
		name       string
		customer   models.Customer
		wantCount  int
		wantType   string
		sanctioned bool
		pep        bool
	}{
		{"exact", models.Customer{ID: "c1", Name: "Viktor Petrov"}, 1, "exact", true, false},
		{"alias", models.Customer{ID: "c2", Name: "v petrov"}, 1, "alias", true, false},
		{"reordered tokens", models.Customer{ID: "c3", Name: "Petrov Viktor"}, 1, "token", true, false},
		{"accents folded", models.Customer{ID: "c4", Name: "Jose Alvarez"}, 1, "exact", true, false},
		{"partial", models.Customer{ID: "c5", Name: "Jane Minister Smith"}, 1, "partial", false, true},
		{"dob mismatch", models.Customer{ID: "c6", Name: "Viktor Petrov", DateOfBirth: "1985-05-05"}, 0, "", false, false},
		{"dob match", models.Customer{ID: "c7", Name: "Viktor Petrov", DateOfBirth: "1970-01-01"}, 1, "exact", true, false},
		{"no match", models.Customer{ID: "c8", Name: "Alice Nguyen"}, 0, "", false, false},
		{"empty name", models.Customer{ID: "c9"}, 0, "", false, false},
		{"single letter", models.Customer{ID: "c10", Name: "V"}, 0, "", false, false},
		{"inner substring", models.Customer{ID: "c11", Name: "Tor"}, 0, "", false, false},
		{"prefix substring", models.Customer{ID: "c12", Name: "Pet"}, 0, "", false, false},
		{"single shared token", models.Customer{ID: "c13", Name: "Petrov"}, 0, "", false, false},
		{"token fragments", models.Customer{ID: "c14", Name: "Vik Petro"}, 0, "", false, false},
		{"extra middle name", models.Customer{ID: "c15", Name: "Viktor Ivanovich Petrov"}, 1, "partial", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Screen(ctx, &tt.customer)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(res.Matches) != tt.wantCount {
				t.Fatalf("expected %d matches, got %+v", tt.wantCount, res.Matches)
			}
			if tt.wantCount > 0 && res.Matches[0].MatchType != tt.wantType {
				t.Errorf("expected %s match, got %s", tt.wantType, res.Matches[0].MatchType)
			}
			if res.Sanctioned() != tt.sanctioned {
				t.Errorf("expected sanctioned=%v", tt.sanctioned)
			}
			if res.PEP() != tt.pep {
				t.Errorf("expected pep=%v", tt.pep)
			}
		})
	}
}

func TestContainsTokens(t *testing.T) {
	tests := []struct {
		whole, part string
		want        bool
	}{
		{"viktor petrov", "viktor petrov", true},
		{"viktor ivanovich petrov", "viktor petrov", true},
		{"viktor petrov", "petrov", false},
		{"viktor petrov", "tor", false},
		{"viktor petrov", "vik petro", false},
		{"anna anna", "anna anna", true},
		{"anna maria", "anna anna", false},
		{"", "", false},
	}

	for _, tt := range tests {
		if got := containsTokens(tt.whole, tt.part); got != tt.want {
			t.Errorf("containsTokens(%q, %q) = %v, expected %v", tt.whole, tt.part, got, tt.want)
		}
	}
}

func TestScreenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newTestScreener().Screen(ctx, &models.Customer{Name: "x"}); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestLoadFile(t *testing.T) {
	body := `
lists:
  sanctions:
    - id: UN-1
      name: Example Person
      programs: [UNSC]
  pep:
    - id: PEP-9
      name: Some Official
      country: AU
`
	path := filepath.Join(t.TempDir(), "watchlist.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write watchlist: %v", err)
	}

	s := NewScreener(0.9, zap.NewNop().Sugar())
	if err := s.LoadFile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Size() != 2 {
		t.Errorf("expected 2 entries, got %d", s.Size())
	}

	res, _ := s.Screen(context.Background(), &models.Customer{Name: "example person"})
	if !res.Sanctioned() {
		t.Error("expected sanctions match from file")
	}

	if err := s.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
