package persist

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var sequenceSuffix = regexp.MustCompile(`^(.*)_\((\d+)\)$`)

// Resolve returns path unchanged if nothing exists there. Otherwise it
// inserts or increments a _(N) suffix before the extension until the
// result does not exist. Only the existence check touches the filesystem.
func Resolve(path string) string {
	for exists(path) {
		path = nextSequence(path)
	}
	return path
}

// nextSequence turns name.csv into name_(1).csv and name_(N).csv into name_(N+1).csv.
func nextSequence(path string) string {
	dir, file := filepath.Split(path)
	ext := filepath.Ext(file)
	stem := strings.TrimSuffix(file, ext)

	next := 1
	if m := sequenceSuffix.FindStringSubmatch(stem); m != nil {
		if n, err := strconv.Atoi(m[2]); err == nil {
			stem = m[1]
			next = n + 1
		}
	}
	return filepath.Join(dir, stem+"_("+strconv.Itoa(next)+")"+ext)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
