// Package argtype validates command-line argument values.
package argtype

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFile is returned when a path exists but is a directory.
	ErrNotFile = errors.New("not a regular file")
	// ErrNotDirectory is returned when a path exists but is not a directory.
	ErrNotDirectory = errors.New("not a directory")
)

// ExistingFile returns path when it names an existing regular file.
func ExistingFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("existing file %q: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("existing file %q: %w", path, ErrNotFile)
	}
	return path, nil
}

// NonExistingFile returns path when nothing exists at it.
func NonExistingFile(path string) (string, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return "", fmt.Errorf("non-existing file %q: %w", path, os.ErrExist)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("non-existing file %q: %w", path, err)
	}
	return path, nil
}

// Directory returns path when it names an existing directory.
func Directory(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("directory %q: %w", path, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("directory %q: %w", path, ErrNotDirectory)
	}
	return path, nil
}

var (
	monthDayRe = regexp.MustCompile(`^(\d{1,2})-(\d{1,2})$`)
	dateRe     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

var naiveLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// ParseDateTime parses a date or date-time value:
//
//	03-22                     midnight of that day in the current year
//	2024-03-22                midnight of that day
//	2024-03-22 01:02:03       that wall time
//	2024-03-22T01:02:03+04:00 as given
//
// Values without an offset are interpreted in loc (time.Local when nil).
func ParseDateTime(value string, loc *time.Location) (time.Time, error) {
	return parseDateTime(value, loc, time.Now)
}

func parseDateTime(value string, loc *time.Location, now func() time.Time) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	value = strings.TrimSpace(value)

	if m := monthDayRe.FindStringSubmatch(value); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		year := now().In(loc).Year()
		t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
		if t.Month() != time.Month(month) || t.Day() != day {
			return time.Time{}, fmt.Errorf("invalid month-day %q", value)
		}
		return t, nil
	}
	if dateRe.MatchString(value) {
		t, err := time.ParseInLocation("2006-01-02", value, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid date %q: %w", value, err)
		}
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", value)
}
