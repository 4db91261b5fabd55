package engine

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultMaxPageFetches bounds how many pages one estimate may fetch. Binary
// search over a correctly ordered log converges in far fewer, so hitting the
// bound means the log's ordering contract is broken.
const DefaultMaxPageFetches = 100

// Estimator counts how many records of a reverse-chronological paged log
// fall at or after a cutoff time, without walking the whole log. It fetches
// the first page, extrapolates the record rate to guess which page the
// cutoff falls on, brackets that guess, and binary-searches the bracket. For
// a log of n pages this costs O(log n) page fetches instead of O(n).
type Estimator struct {
	source   PagedLogSource
	pageSize int

	// MaxPageFetches bounds the page fetches of a single CountSince call.
	// Defaults to DefaultMaxPageFetches.
	MaxPageFetches int
	// If provided, is used for logging.
	Logger *logrus.Entry
}

// NewEstimator returns an Estimator over the given log source.
func NewEstimator(source PagedLogSource, pageSize int) (*Estimator, error) {
	if source == nil {
		return nil, errors.New("no paged log source provided")
	}
	if pageSize <= 0 {
		return nil, errors.Errorf("page size %d is not positive", pageSize)
	}
	return &Estimator{
		source:         source,
		pageSize:       pageSize,
		MaxPageFetches: DefaultMaxPageFetches,
	}, nil
}

// pageClass summarises where a page lies relative to the cutoff.
type pageClass int

const (
	// pageEmpty is a page beyond the end of the log.
	pageEmpty pageClass = iota
	// pageOlder means every record on the page predates the cutoff.
	pageOlder
	// pageNewer means every record on the page is at or after the cutoff.
	pageNewer
	// pageStraddles means the cutoff falls within the page.
	pageStraddles
)

// CountSince returns the number of log records stamped at or after cutoff,
// or nil if the log is entirely empty, which callers report as "no data"
// rather than a zero count.
//
// The count is exact, not an estimate: extrapolation only steers which pages
// get fetched, and the result is always read off a straddling page or a
// page boundary. Fetch errors from the source are returned as-is; a log
// whose paging does not converge (ordering broken, pages shifting faster
// than the search) yields *ErrInvalidEnvironment.
func (e *Estimator) CountSince(ctx context.Context, cutoff time.Time) (*int64, error) {
	count, empty, err := e.countSince(ctx, cutoff)
	if err != nil || empty {
		return nil, err
	}
	return &count, nil
}

func (e *Estimator) countSince(ctx context.Context, cutoff time.Time) (int64, bool, error) {
	log := e.log()
	fetches := 0

	fetch := func(pageIndex int) ([]time.Time, pageClass, error) {
		if fetches >= e.MaxPageFetches {
			return nil, pageEmpty, errors.WithStack(&ErrInvalidEnvironment{
				Source:  e.source.Name(),
				Message: errors.Errorf("log paging did not converge within %d page fetches", e.MaxPageFetches).Error(),
			})
		}
		fetches++
		records, err := e.source.GetPage(ctx, pageIndex, e.pageSize)
		engineMetrics.recordPageFetch(e.source.Name())
		if err != nil {
			return nil, pageEmpty, err
		}
		return records, classifyPage(records, cutoff), nil
	}

	first, class, err := fetch(1)
	if err != nil {
		return 0, false, err
	}
	switch class {
	case pageEmpty:
		// Empty log: no count at all, rather than a count of zero.
		return 0, true, nil
	case pageOlder:
		// Even the newest record predates the cutoff.
		return 0, false, nil
	case pageStraddles:
		return countAtOrAfter(first, cutoff), false, nil
	}
	if len(first) < e.pageSize {
		// A short page is the log's last page, and everything on it is at or
		// after the cutoff.
		return countAtOrAfter(first, cutoff), false, nil
	}

	// Page 1 is full and entirely at or after the cutoff, so the boundary
	// lies deeper in the log. Guess its page from the first page's record
	// rate, then bracket the guess: lo is always entirely at-or-after the
	// cutoff, hi entirely before it (or past the log's end).
	estimate := e.estimateCutoffPage(first, cutoff)
	lo, hi := 1, 0
	for factor := 1; hi == 0; factor++ {
		probe := estimate * factor
		if probe <= lo {
			probe = lo + 1
		}
		records, class, err := fetch(probe)
		if err != nil {
			return 0, false, err
		}
		switch class {
		case pageStraddles:
			return pageCount(probe-1, e.pageSize) + countAtOrAfter(records, cutoff), false, nil
		case pageNewer:
			if len(records) < e.pageSize {
				return pageCount(probe-1, e.pageSize) + countAtOrAfter(records, cutoff), false, nil
			}
			lo = probe
		default:
			hi = probe
		}
	}
	log.Debugf("cutoff bracketed between pages %d and %d after %d fetches", lo, hi, fetches)

	// Binary search the open interval (lo, hi).
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		records, class, err := fetch(mid)
		if err != nil {
			return 0, false, err
		}
		switch class {
		case pageStraddles:
			return pageCount(mid-1, e.pageSize) + countAtOrAfter(records, cutoff), false, nil
		case pageNewer:
			if len(records) < e.pageSize {
				return pageCount(mid-1, e.pageSize) + countAtOrAfter(records, cutoff), false, nil
			}
			lo = mid
		default:
			hi = mid
		}
	}
	// The cutoff falls exactly on the boundary between pages lo and hi.
	return pageCount(lo, e.pageSize), false, nil
}

// estimateCutoffPage extrapolates the record rate observed on the (full)
// first page to guess the 1-based page the cutoff falls on, padded by 20%
// so a steady log overshoots into cheap "older" territory rather than
// undershooting into extra bracket steps.
func (e *Estimator) estimateCutoffPage(first []time.Time, cutoff time.Time) int {
	newest, oldest := pageBounds(first)
	span := newest.Sub(oldest)
	if span <= 0 || len(first) < 2 {
		return 2
	}
	perRecord := span / time.Duration(len(first)-1)
	records := float64(newest.Sub(cutoff)) / float64(perRecord)
	pages := int(math.Ceil(records / float64(e.pageSize) * 1.2))
	if pages < 2 {
		pages = 2
	}
	return pages
}

// classifyPage places a page relative to the cutoff. Record order within the
// page is not trusted: bounds are scanned, so modest timestamp jitter from
// clock skew cannot misclassify a page.
func classifyPage(records []time.Time, cutoff time.Time) pageClass {
	if len(records) == 0 {
		return pageEmpty
	}
	newest, oldest := pageBounds(records)
	if newest.Before(cutoff) {
		return pageOlder
	}
	if !oldest.Before(cutoff) {
		return pageNewer
	}
	return pageStraddles
}

// pageBounds returns the newest and oldest timestamp on a non-empty page.
func pageBounds(records []time.Time) (newest, oldest time.Time) {
	newest, oldest = records[0], records[0]
	for _, t := range records[1:] {
		if t.After(newest) {
			newest = t
		}
		if t.Before(oldest) {
			oldest = t
		}
	}
	return newest, oldest
}

// countAtOrAfter counts the records on a page stamped at or after cutoff.
func countAtOrAfter(records []time.Time, cutoff time.Time) int64 {
	var n int64
	for _, t := range records {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}

// pageCount is the total number of records on full pages 1 through pages.
func pageCount(pages, pageSize int) int64 {
	return int64(pages) * int64(pageSize)
}

func (e *Estimator) log() *logrus.Entry {
	if e.Logger != nil {
		return e.Logger.WithField("source", e.source.Name())
	}
	return logrus.StandardLogger().WithField("source", e.source.Name())
}
