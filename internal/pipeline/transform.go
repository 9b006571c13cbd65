package pipeline

import (
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/rotisserie/eris"

	"github.com/arcade-insights/catalog-cli/internal/model"
	"github.com/arcade-insights/catalog-cli/internal/steam"
)

// freeMarker is the price value the catalog uses for free titles.
const freeMarker = "Free to Play"

// Transform converts one raw detail record into the canonical schema.
// It is pure: the output depends only on the record and the run's logical
// date. A malformed record returns an error and is dropped from the
// batch by the caller; it never aborts the run.
func Transform(d *steam.AppDetails, runDate time.Time) (model.CanonicalRecord, error) {
	minOwners, maxOwners, err := parseOwnerRange(d.Owners)
	if err != nil {
		return model.CanonicalRecord{}, eris.Wrapf(err, "transform: appid %d", d.AppID)
	}

	price, err := normalizePrice(d.Price)
	if err != nil {
		return model.CanonicalRecord{}, eris.Wrapf(err, "transform: appid %d: price", d.AppID)
	}
	initialPrice, err := normalizePrice(d.InitialPrice)
	if err != nil {
		return model.CanonicalRecord{}, eris.Wrapf(err, "transform: appid %d: initial price", d.AppID)
	}

	developer := d.Developer
	if developer == "" {
		developer = "Unknown"
	}
	publisher := d.Publisher
	if publisher == "" {
		publisher = "Unknown"
	}
	scoreRank := d.ScoreRank.String()
	if scoreRank == "" {
		scoreRank = "N/A"
	}

	discount := d.Discount.String()
	if discount == "" {
		discount = "0"
	}

	return model.CanonicalRecord{
		AppID:          d.AppID,
		Name:           d.Name,
		Genres:         splitSet(d.Genre, false),
		Tags:           tagSet(d.Tags),
		Languages:      splitSet(d.Languages, false),
		Developer:      developer,
		Publisher:      publisher,
		ScoreRank:      scoreRank,
		Positive:       d.Positive,
		Negative:       d.Negative,
		Owners:         d.Owners,
		MinOwners:      minOwners,
		MaxOwners:      maxOwners,
		AverageForever: d.AverageForever,
		Average2Weeks:  d.Average2Weeks,
		MedianForever:  d.MedianForever,
		Median2Weeks:   d.Median2Weeks,
		CCU:            d.CCU,
		Price:          price,
		InitialPrice:   initialPrice,
		Discount:       discount,
		LoadDate:       runDate,
	}, nil
}

// normalizePrice converts a minor-unit price string to a canonical
// major-unit decimal string. Free titles map to "0" exactly, never a
// rounding artifact.
func normalizePrice(raw steam.FlexString) (string, error) {
	s := strings.TrimSpace(raw.String())
	if s == "" || s == freeMarker {
		return "0", nil
	}

	var d apd.Decimal
	if _, _, err := d.SetString(s); err != nil {
		return "", eris.Errorf("unparseable price %q", s)
	}
	if d.IsZero() {
		return "0", nil
	}

	// Minor to major units: shift the decimal point two places.
	d.Exponent -= 2
	var reduced apd.Decimal
	reduced.Reduce(&d)
	return reduced.Text('f'), nil
}

// parseOwnerRange parses "<low> .. <high>" with optional thousands
// separators into (min, max). A single value means min == max.
func parseOwnerRange(owners string) (int64, int64, error) {
	s := strings.ReplaceAll(strings.TrimSpace(owners), ",", "")
	if s == "" {
		return 0, 0, nil
	}

	parts := strings.Split(s, " .. ")
	minOwners, err := parseInt(parts[0])
	if err != nil {
		return 0, 0, eris.Errorf("malformed owner range %q", owners)
	}
	if len(parts) == 1 {
		return minOwners, minOwners, nil
	}

	maxOwners, err := parseInt(parts[1])
	if err != nil {
		return 0, 0, eris.Errorf("malformed owner range %q", owners)
	}
	return minOwners, maxOwners, nil
}

func parseInt(s string) (int64, error) {
	var d apd.Decimal
	if _, _, err := d.SetString(strings.TrimSpace(s)); err != nil {
		return 0, err
	}
	return d.Int64()
}

// splitSet splits a comma- or pipe-delimited string into a sorted set:
// trimmed, deduplicated, optionally lowercased, order-independent.
func splitSet(s string, lower bool) []string {
	if s == "" {
		return nil
	}

	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '|'
	})

	seen := make(map[string]struct{}, len(fields))
	var out []string
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if lower {
			f = strings.ToLower(f)
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// tagSet lowercases tag names and discards vote counts; only membership
// matters downstream.
func tagSet(tags steam.TagVotes) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for tag := range tags {
		t := strings.ToLower(strings.TrimSpace(tag))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
