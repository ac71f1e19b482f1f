// Package scan classifies captured command output into success, failure and
// warning lines by exact word matches.
package scan

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

type WordLists struct {
	Success []string `json:"success,omitempty" yaml:"success"`
	Failure []string `json:"failure,omitempty" yaml:"failure"`
	Warning []string `json:"warning,omitempty" yaml:"warning"`
}

func DefaultWordLists() WordLists {
	return WordLists{
		Success: []string{"success", "succeed", "succeeded", "successful", "installed", "finished", "passed"},
		Failure: []string{"fail", "failed", "failure", "error", "errors", "fatal"},
		Warning: []string{"warn", "warning", "warnings", "alert", "caution", "deprecated"},
	}
}

type Instance struct {
	Line       string `json:"line"`
	LineNumber int    `json:"line_number"`
}

type Bucket struct {
	Instances []Instance `json:"instances"`
	Count     int        `json:"count"`
}

type Result struct {
	Success Bucket `json:"success"`
	Failure Bucket `json:"failure"`
	Warning Bucket `json:"warning"`
}

type Counts struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Warning int `json:"warning"`
}

func (r Result) Counts() Counts {
	return Counts{Success: r.Success.Count, Failure: r.Failure.Count, Warning: r.Warning.Count}
}

// Scanner holds folded word sets. A bucket left empty in the supplied lists
// uses the built-in default for that bucket.
type Scanner struct {
	success map[string]struct{}
	failure map[string]struct{}
	warning map[string]struct{}
}

func New(lists WordLists) *Scanner {
	defaults := DefaultWordLists()
	folder := cases.Fold()
	return &Scanner{
		success: wordSet(folder, lists.Success, defaults.Success),
		failure: wordSet(folder, lists.Failure, defaults.Failure),
		warning: wordSet(folder, lists.Warning, defaults.Warning),
	}
}

func wordSet(folder cases.Caser, words []string, fallback []string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, word := range words {
		if folded := strings.TrimSpace(folder.String(word)); folded != "" {
			set[folded] = struct{}{}
		}
	}
	if len(set) > 0 {
		return set
	}
	for _, word := range fallback {
		set[folder.String(word)] = struct{}{}
	}
	return set
}

// Scan classifies lines in order. Line numbers are 1-based.
func (s *Scanner) Scan(lines []string) Result {
	result := emptyResult()
	folder := cases.Fold()
	for index, line := range lines {
		s.classify(&result, folder, line, index+1)
	}
	return result
}

// ScanReader classifies every line read from reader. Lines have no length
// limit. On a read error the lines classified so far are returned with it.
func (s *Scanner) ScanReader(reader io.Reader) (Result, error) {
	result := emptyResult()
	folder := cases.Fold()
	lines := bufio.NewReader(reader)
	lineNumber := 0
	for {
		line, err := lines.ReadString('\n')
		if line != "" {
			lineNumber++
			s.classify(&result, folder, strings.TrimRight(line, "\r\n"), lineNumber)
		}
		if errors.Is(err, io.EOF) {
			return result, nil
		}
		if err != nil {
			return result, fmt.Errorf("scan output: %w", err)
		}
	}
}

func (s *Scanner) classify(result *Result, folder cases.Caser, line string, lineNumber int) {
	tokens := strings.FieldsFunc(folder.String(line), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	var bucket *Bucket
	switch {
	case containsAny(tokens, s.success):
		bucket = &result.Success
	case containsAny(tokens, s.failure):
		bucket = &result.Failure
	case containsAny(tokens, s.warning):
		bucket = &result.Warning
	default:
		return
	}
	bucket.Instances = append(bucket.Instances, Instance{Line: line, LineNumber: lineNumber})
	bucket.Count++
}

func containsAny(tokens []string, words map[string]struct{}) bool {
	for _, token := range tokens {
		if _, ok := words[token]; ok {
			return true
		}
	}
	return false
}

func emptyResult() Result {
	return Result{
		Success: Bucket{Instances: []Instance{}},
		Failure: Bucket{Instances: []Instance{}},
		Warning: Bucket{Instances: []Instance{}},
	}
}
