// Package screening matches customers against sanctions and PEP watchlists
package screening

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/savegress/complycore/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// ListType identifies a watchlist
type ListType string

const (
	ListSanctions ListType = "sanctions"
	ListPEP       ListType = "pep"
	ListInternal  ListType = "internal"
)

// Entry is one watchlist record
type Entry struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Aliases  []string `json:"aliases,omitempty" yaml:"aliases"`
	DOB      string   `json:"dob,omitempty" yaml:"dob"`
	Country  string   `json:"country,omitempty" yaml:"country"`
	Programs []string `json:"programs,omitempty" yaml:"programs"`
}

// Match is a hit against a watchlist entry
type Match struct {
	List        ListType `json:"list"`
	EntryID     string   `json:"entry_id"`
	MatchedName string   `json:"matched_name"`
	Score       float64  `json:"score"`
	MatchType   string   `json:"match_type"` // exact, alias, token, partial
}

// Result is the outcome of screening one customer
type Result struct {
	CustomerID string  `json:"customer_id"`
	Matches    []Match `json:"matches"`
}

// Sanctioned reports whether any match is on the sanctions list
func (r *Result) Sanctioned() bool {
	return r.hasList(ListSanctions)
}

// PEP reports whether any match is on the PEP list
func (r *Result) PEP() bool {
	return r.hasList(ListPEP)
}

func (r *Result) hasList(l ListType) bool {
	for _, m := range r.Matches {
		if m.List == l {
			return true
		}
	}
	return false
}

// Screener holds the loaded watchlists
type Screener struct {
	threshold float64
	logger    *zap.SugaredLogger

	mu      sync.RWMutex
	entries map[ListType][]indexedEntry
}

type indexedEntry struct {
	Entry
	name    string
	aliases []string
	tokens  string
}

// NewScreener creates a screener reporting matches scoring at or above threshold
func NewScreener(threshold float64, logger *zap.SugaredLogger) *Screener {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.85
	}
	return &Screener{
		threshold: threshold,
		logger:    logger.Named("screening"),
		entries:   make(map[ListType][]indexedEntry),
	}
}

// LoadWatchlist replaces the entries of one list
func (s *Screener) LoadWatchlist(list ListType, entries []Entry) {
	indexed := make([]indexedEntry, 0, len(entries))
	for _, e := range entries {
		ie := indexedEntry{Entry: e, name: normalize(e.Name)}
		ie.tokens = sortedTokens(ie.name)
		for _, a := range e.Aliases {
			ie.aliases = append(ie.aliases, normalize(a))
		}
		indexed = append(indexed, ie)
	}

	s.mu.Lock()
	s.entries[list] = indexed
	s.mu.Unlock()
}

type watchlistFile struct {
	Lists map[ListType][]Entry `yaml:"lists"`
}

// LoadFile loads every list from a YAML watchlist file
func (s *Screener) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read watchlist: %w", err)
	}
	var f watchlistFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse watchlist %s: %w", path, err)
	}
	for list, entries := range f.Lists {
		s.LoadWatchlist(list, entries)
		s.logger.Infow("Loaded watchlist", "list", list, "entries", len(entries))
	}
	return nil
}

// Size returns the number of loaded entries across all lists
func (s *Screener) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, entries := range s.entries {
		n += len(entries)
	}
	return n
}

// Screen checks a customer against every loaded list. Matches are ordered
// by descending score.
func (s *Screener) Screen(ctx context.Context, c *models.Customer) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := normalize(c.Name)
	result := &Result{CustomerID: c.ID, Matches: []Match{}}
	if name == "" {
		return result, nil
	}
	tokens := sortedTokens(name)

	s.mu.RLock()
	for list, entries := range s.entries {
		for _, e := range entries {
			if e.DOB != "" && c.DateOfBirth != "" && e.DOB != c.DateOfBirth {
				continue
			}
			score, kind := matchScore(name, tokens, e)
			if score >= s.threshold {
				result.Matches = append(result.Matches, Match{
					List:        list,
					EntryID:     e.ID,
					MatchedName: e.Name,
					Score:       score,
					MatchType:   kind,
				})
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(result.Matches, func(i, j int) bool {
		if result.Matches[i].Score != result.Matches[j].Score {
			return result.Matches[i].Score > result.Matches[j].Score
		}
		return result.Matches[i].EntryID < result.Matches[j].EntryID
	})
	return result, nil
}

func matchScore(name, tokens string, e indexedEntry) (float64, string) {
	if name == e.name {
		return 1.0, "exact"
	}
	for _, a := range e.aliases {
		if name == a {
			return 0.95, "alias"
		}
	}
	if tokens == e.tokens {
		return 0.9, "token"
	}
	if containsTokens(name, e.name) || containsTokens(e.name, name) {
		return 0.85, "partial"
	}
	return 0, ""
}

// minPartialTokens is the number of whole tokens the shorter name needs
// before a partial match can score
const minPartialTokens = 2

// containsTokens reports whether every token of part is a token of whole
func containsTokens(whole, part string) bool {
	partTokens := strings.Fields(part)
	if len(partTokens) < minPartialTokens {
		return false
	}
	wholeTokens := make(map[string]int)
	for _, t := range strings.Fields(whole) {
		wholeTokens[t]++
	}
	for _, t := range partTokens {
		if wholeTokens[t] == 0 {
			return false
		}
		wholeTokens[t]--
	}
	return true
}

var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalize lower-cases, strips accents and punctuation and collapses spaces
func normalize(s string) string {
	folded, _, err := transform.String(foldAccents, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	folded = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, folded)
	return strings.Join(strings.Fields(folded), " ")
}

func sortedTokens(s string) string {
	fields := strings.Fields(s)
	sort.Strings(fields)
	return strings.Join(fields, " ")
}
