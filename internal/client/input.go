package client

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"strings"

	"github.com/perigeehq/perigee/internal/probe"
)

// ReadProbes parses probe input line by line. Each line is either an
// explicit probe or a target description that expands into a TTL
// ladder; the two forms never parse as each other, so they can be
// mixed freely. Blank lines and # comments are skipped.
func ReadProbes(r io.Reader, rng *rand.Rand) ([]probe.Probe, error) {
	var probes []probe.Probe
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if p, err := probe.Parse(line); err == nil {
			probes = append(probes, p)
			continue
		}

		tgt, err := probe.ParseTarget(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %q is neither a probe nor a target: %w", lineno, line, err)
		}
		expanded, err := probe.Generate(tgt, rng)
		if err != nil {
			return nil, fmt.Errorf("line %d: expand target %q: %w", lineno, line, err)
		}
		probes = append(probes, expanded...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read probe input: %w", err)
	}
	return probes, nil
}
