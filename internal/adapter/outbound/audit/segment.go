package audit

import (
	"cmp"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strconv"
	"time"
)

const dayFormat = "2006-01-02"

// segmentName matches decisions-YYYY-MM-DD.log and decisions-YYYY-MM-DD-N.log.
var segmentName = regexp.MustCompile(`^decisions-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`)

// segment is one file of the decision log. A day starts at part 0 and gains
// a part each time the size cap is hit.
type segment struct {
	day  string
	part int
}

func segmentFor(t time.Time) segment {
	return segment{day: t.UTC().Format(dayFormat)}
}

func (g segment) name() string {
	if g.part == 0 {
		return fmt.Sprintf("decisions-%s.log", g.day)
	}
	return fmt.Sprintf("decisions-%s-%d.log", g.day, g.part)
}

func (g segment) next() segment { return segment{day: g.day, part: g.part + 1} }

func parseSegment(name string) (segment, bool) {
	m := segmentName.FindStringSubmatch(name)
	if m == nil {
		return segment{}, false
	}
	g := segment{day: m[1]}
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return segment{}, false
		}
		g.part = n
	}
	return g, true
}

func compareSegments(a, b segment) int {
	if c := cmp.Compare(a.day, b.day); c != 0 {
		return c
	}
	return cmp.Compare(a.part, b.part)
}

// listSegments returns the decision log files in dir, oldest first. An
// unreadable dir yields none.
func listSegments(dir string) []segment {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []segment
	for _, e := range entries {
		if g, ok := parseSegment(e.Name()); ok {
			out = append(out, g)
		}
	}
	slices.SortFunc(out, compareSegments)
	return out
}

// lastPart is the highest part already on disk for day.
func lastPart(dir, day string) segment {
	g := segment{day: day}
	for _, s := range listSegments(dir) {
		if s.day == day && s.part > g.part {
			g = s
		}
	}
	return g
}
