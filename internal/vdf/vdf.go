// Package vdf reads the subset of Valve's text data formats the backup
// engine needs: flat "key" "value" manifests (appmanifest_*.acf,
// libraryfolders.vdf) and the nested remotecache.vdf change manifest.
package vdf

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	kvPattern   = regexp.MustCompile(`^\s*"(.+)"\s+"(.+)"\s*$`)
	pathPattern = regexp.MustCompile(`^\s*"path"\s+"(.+)"\s*$`)
)

// ParseKeyValues parses a flat key/value manifest and returns every
// "key" "value" pair it finds, last occurrence winning on duplicates. Lines
// that do not match are ignored; hierarchy is not preserved.
//
// A missing file means the volume holding it is not mounted and yields an
// empty map, as does any read failure. Neither is fatal.
func ParseKeyValues(path string) map[string]string {
	kv := map[string]string{}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", path).Msg("App manifest is not currently mounted, skipping")
		} else {
			log.Error().Err(err).Str("path", path).Msg("Failed to open manifest")
		}
		return kv
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if m := kvPattern.FindStringSubmatch(scanner.Text()); m != nil {
			kv[m[1]] = m[2]
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed parsing manifest")
		return map[string]string{}
	}
	return kv
}

// ParseLibraryPaths extracts the ordered values of every "path" key from a
// libraryfolders.vdf manifest. Unlike ParseKeyValues it propagates open
// errors: the root library manifest is expected to exist.
func ParseLibraryPaths(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if m := pathPattern.FindStringSubmatch(scanner.Text()); m != nil {
			paths = append(paths, m[1])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return paths, nil
}

// ParseChangeManifest extracts the ordered list of tracked file paths from a
// remotecache.vdf change manifest. The format is a two-line header (a type id
// and an opening brace) followed by scalar header pairs and, for each tracked
// file, its quoted path on one line and a brace-delimited metadata block:
//
//	"my games/XCOM2/XComGame/SaveData/profile.bin"
//	{
//		"size"		"15741"
//		"time"		"1671427172"
//		...
//	}
//
// Only the quoted lines immediately preceding an opening brace are captured,
// stripped of their quotes; header pairs and block contents are skipped.
func ParseChangeManifest(r io.Reader) []string {
	var entries []string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	// drop the first two lines: the numeric type id and its opening brace
	lineNo := 0
	prev := ""
	skipping := false
	for scanner.Scan() {
		lineNo++
		if lineNo <= 2 {
			continue
		}
		s := strings.TrimSpace(scanner.Text())
		switch {
		case skipping: // skip the contents of {} records
			if s == "}" {
				skipping = false
			}
		case s == "{":
			if len(prev) >= 2 && strings.HasPrefix(prev, `"`) && strings.HasSuffix(prev, `"`) {
				entries = append(entries, prev[1:len(prev)-1])
			}
			prev = ""
			skipping = true
		default:
			prev = s
		}
	}
	return entries
}
