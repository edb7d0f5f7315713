package urls

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ParseListing extracts mirror-relative file paths from an
// `rsync --list-only` capture of the mirror tree. The listing prefixes
// every line with permissions/size/date columns of host-dependent width;
// the top-level GUTINDEX file marks where the relative path starts.
func ParseListing(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lines []string
	start := -1
	for scanner.Scan() {
		line := scanner.Text()
		if start < 0 {
			if idx := strings.Index(line, "GUTINDEX"); idx >= 0 {
				start = idx
			}
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read mirror listing: %w", err)
	}
	if start < 0 {
		return nil, fmt.Errorf("unable to find relative path start in mirror listing")
	}

	var paths []string
	for _, line := range lines {
		if len(line) <= start {
			continue
		}
		if path := strings.TrimSpace(line[start:]); path != "" {
			paths = append(paths, path)
		}
	}
	return paths, nil
}
