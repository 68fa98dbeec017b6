package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/BTreeMap/HuntPipe/internal/models"
	"github.com/BTreeMap/HuntPipe/internal/store"
)

// FingerprintVersion is bumped whenever normalization changes, so old and new
// fingerprints never collide in load_contents.
const FingerprintVersion = 1

// ErrEmptyLoad is returned for a load with no core fields.
var ErrEmptyLoad = errors.New("load has no fingerprintable fields")

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"1/2/06",
	"01-02-2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"January 2, 2006",
	"January 2 2006",
	"2 Jan 2006",
	"Mon, Jan 2, 2006",
	time.RFC3339,
}

// CanonicalLoad is the normalized core of a load.
type CanonicalLoad struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	PickupDate  string `json:"pickup_date"`
	Reference   string `json:"reference"`
}

// Fingerprinted is a load's canonical form and its fingerprint.
type Fingerprinted struct {
	Canonical     CanonicalLoad
	CanonicalJSON string
	Fingerprint   string
	Version       int
}

// NormalizeLocation upper-cases s, turns punctuation into spaces and
// collapses runs of whitespace.
func NormalizeLocation(s string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return unicode.ToUpper(r)
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}

// NormalizeDate parses s with the common layouts and returns YYYY-MM-DD. A
// value no layout accepts is kept as its trimmed upper-case text.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}

// NormalizeReference keeps only upper-cased letters and digits.
func NormalizeReference(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// Canonicalize normalizes the load's core fields.
func Canonicalize(l models.Load) CanonicalLoad {
	return CanonicalLoad{
		Origin:      NormalizeLocation(l.Origin),
		Destination: NormalizeLocation(l.Destination),
		PickupDate:  NormalizeDate(l.PickupDate),
		Reference:   NormalizeReference(l.Reference),
	}
}

// Fingerprint returns the versioned fingerprint of l. Loads that differ only in
// case, punctuation, spacing or date layout share a fingerprint.
func Fingerprint(l models.Load) (Fingerprinted, error) {
	c := Canonicalize(l)
	if c.Origin == "" && c.Destination == "" && c.PickupDate == "" && c.Reference == "" {
		return Fingerprinted{}, ErrEmptyLoad
	}
	data, err := json.Marshal(c)
	if err != nil {
		return Fingerprinted{}, fmt.Errorf("failed to marshal canonical load: %w", err)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("v%d|%s|%s|%s|%s", FingerprintVersion, c.Origin, c.Destination, c.PickupDate, c.Reference)))
	return Fingerprinted{
		Canonical:     c,
		CanonicalJSON: string(data),
		Fingerprint:   hex.EncodeToString(sum[:]),
		Version:       FingerprintVersion,
	}, nil
}

// LoadStore fingerprints loads and counts them in load_contents.
type LoadStore struct {
	repo store.ContentRepo
	now  func() time.Time
}

// NewLoadStore creates a LoadStore.
func NewLoadStore(repo store.ContentRepo) *LoadStore {
	return &LoadStore{repo: repo, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (s *LoadStore) SetClock(now func() time.Time) {
	s.now = now
}

// Upsert fingerprints l and inserts or increments its canonical record.
func (s *LoadStore) Upsert(ctx context.Context, l models.Load, seenAt time.Time) (Fingerprinted, store.ContentUpsert, error) {
	fp, err := Fingerprint(l)
	if err != nil {
		return Fingerprinted{}, store.ContentUpsert{}, err
	}
	if seenAt.IsZero() {
		seenAt = s.now()
	}
	res, err := s.repo.UpsertLoadContent(ctx, store.LoadInput{
		Fingerprint:   fp.Fingerprint,
		Version:       fp.Version,
		CanonicalJSON: fp.CanonicalJSON,
		SeenAt:        seenAt,
	})
	if err != nil {
		return fp, store.ContentUpsert{}, fmt.Errorf("failed to upsert load: %w", err)
	}
	return fp, res, nil
}
