package vfile

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"unicode"
	"unicode/utf8"
)

// SearchResult contains information about a search match.
type SearchResult struct {
	Start Mark   // first byte of the match
	End   Mark   // just past the match
	Match string // the matched text
}

// SearchOptions configures string search behavior.
type SearchOptions struct {
	CaseSensitive bool // If false, search is case-insensitive
	WholeWord     bool // If true, only match whole words
	Backward      bool // If true, search backward from the start position
	NoWrap        bool // If true, stop at the end (or start) of the document
}

// lineMatcher returns the [start, end) byte offsets of every match in a line.
type lineMatcher func(line string) [][]int

func stringMatcher(needle string, caseSensitive bool) (lineMatcher, error) {
	pattern := regexp.QuoteMeta(needle)
	return regexMatcher(pattern, !caseSensitive)
}

func regexMatcher(pattern string, caseInsensitive bool) (lineMatcher, error) {
	re, err := compileRegex(pattern, caseInsensitive)
	if err != nil {
		return nil, err
	}
	return func(line string) [][]int {
		return re.FindAllStringIndex(line, -1)
	}, nil
}

// compileRegex compiles a regex pattern with optional case insensitivity.
func compileRegex(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	if caseInsensitive {
		pattern = "(?i)" + pattern
	}
	return regexp.Compile(pattern)
}

// FindString returns the next occurrence of needle after from, or the
// previous one before it when searching backward. The search wraps around
// the document unless NoWrap is set. An unset from searches the whole
// document from its start (or end).
func (d *Document) FindString(from Mark, needle string, opts SearchOptions) (SearchResult, error) {
	if needle == "" {
		return SearchResult{}, fmt.Errorf("%w: empty pattern", ErrNotFound)
	}
	m, err := stringMatcher(needle, opts.CaseSensitive)
	if err != nil {
		return SearchResult{}, err
	}
	return d.search(from, m, opts)
}

// FindRegex is FindString for a regular expression matched within lines.
func (d *Document) FindRegex(from Mark, pattern string, opts SearchOptions) (SearchResult, error) {
	m, err := regexMatcher(pattern, !opts.CaseSensitive)
	if err != nil {
		return SearchResult{}, err
	}
	return d.search(from, m, opts)
}

func (d *Document) search(from Mark, match lineMatcher, opts SearchOptions) (SearchResult, error) {
	if err := d.usable(); err != nil {
		return SearchResult{}, err
	}
	n := d.hdr.lineCount()
	start, col := from.Line(), from.Col()
	switch {
	case !from.IsSet() && opts.Backward:
		start, col = n, math.MaxInt
	case !from.IsSet():
		start, col = 1, -1
	case start > n:
		return SearchResult{}, fmt.Errorf("%w: %v", ErrInvalidMark, from)
	}

	for step := 0; step <= n; step++ {
		line := start + step
		if opts.Backward {
			line = start - step
		}
		if line < 1 || line > n {
			if opts.NoWrap {
				break
			}
			line = (line-1+n)%n + 1
		}

		text, err := d.Line(line)
		if err != nil {
			return SearchResult{}, err
		}
		matches := match(text)
		if opts.WholeWord {
			matches = wholeWords(text, matches)
		}

		var pick []int
		for _, loc := range matches {
			switch {
			case step == 0 && !opts.Backward && loc[0] <= col:
				continue
			case step == 0 && opts.Backward && loc[0] >= col:
				continue
			case step == n && !opts.Backward && loc[0] > col:
				continue
			case step == n && opts.Backward && loc[0] < col:
				continue
			}
			pick = loc
			if !opts.Backward {
				break
			}
		}
		if pick != nil {
			return SearchResult{
				Start: MarkAt(line, pick[0]),
				End:   MarkAt(line, pick[1]),
				Match: text[pick[0]:pick[1]],
			}, nil
		}
	}
	return SearchResult{}, ErrNotFound
}

// findAll returns every match in document order.
func (d *Document) findAll(match lineMatcher, opts SearchOptions) ([]SearchResult, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	var results []SearchResult
	for line := 1; line <= d.hdr.lineCount(); line++ {
		text, err := d.Line(line)
		if err != nil {
			return nil, err
		}
		matches := match(text)
		if opts.WholeWord {
			matches = wholeWords(text, matches)
		}
		for _, loc := range matches {
			results = append(results, SearchResult{
				Start: MarkAt(line, loc[0]),
				End:   MarkAt(line, loc[1]),
				Match: text[loc[0]:loc[1]],
			})
		}
	}
	return results, nil
}

// CountString counts occurrences of needle in the document.
func (d *Document) CountString(needle string, opts SearchOptions) (int, error) {
	if needle == "" {
		return 0, nil
	}
	m, err := stringMatcher(needle, opts.CaseSensitive)
	if err != nil {
		return 0, err
	}
	results, err := d.findAll(m, opts)
	return len(results), err
}

// ReplaceAll replaces every occurrence of needle as a single change and
// returns the number of replacements made.
func (d *Document) ReplaceAll(ctx context.Context, needle, replacement string, opts SearchOptions) (int, error) {
	if needle == "" {
		return 0, nil
	}
	m, err := stringMatcher(needle, opts.CaseSensitive)
	if err != nil {
		return 0, err
	}
	matches, err := d.findAll(m, opts)
	if err != nil || len(matches) == 0 {
		return 0, err
	}

	if err := d.BeginChange(); err != nil {
		return 0, err
	}
	defer d.EndChange()

	// Back to front so earlier positions stay valid.
	replaced := 0
	for i := len(matches) - 1; i >= 0; i-- {
		if err := d.Replace(ctx, matches[i].Start, matches[i].End, replacement); err != nil {
			return replaced, err
		}
		replaced++
	}
	return replaced, nil
}

// wholeWords keeps the matches not bordered by word characters.
func wholeWords(line string, matches [][]int) [][]int {
	var kept [][]int
	for _, loc := range matches {
		if isWholeWord(line, loc[0], loc[1]) {
			kept = append(kept, loc)
		}
	}
	return kept
}

// isWholeWord checks if line[start:end] is a whole word.
func isWholeWord(line string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(line[:start])
		if isWordChar(r) {
			return false
		}
	}
	if end < len(line) {
		r, _ := utf8.DecodeRuneInString(line[end:])
		if isWordChar(r) {
			return false
		}
	}
	return true
}

// isWordChar returns true if r is a word character (letter, digit, or underscore).
func isWordChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
