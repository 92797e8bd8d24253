package keypool

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

// LoadManifest reads a plain-text credential manifest into the pool and
// returns the number of credentials admitted.
//
// Manifest format, one credential per line:
//   - blank lines and lines starting with '#' are ignored
//   - the last whitespace-separated field is the token
//   - with two or more fields, the first field is the label
//
// Duplicate tokens within one load are admitted once (first occurrence wins).
// A missing file is not an error — providers without a manifest simply get
// an empty pool.
func LoadManifest(p *Pool, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			p.logger.Info("keypool: manifest absent", "provider", p.provider, "path", path)
			return 0, nil
		}
		return 0, fmt.Errorf("keypool: open manifest %s: %w", path, err)
	}
	defer f.Close()

	n, err := loadManifest(p, f)
	if err != nil {
		return n, fmt.Errorf("keypool: read manifest %s: %w", path, err)
	}
	p.logger.Info("keypool: manifest loaded",
		"provider", p.provider, "path", path, "credentials", n)
	return n, nil
}

func loadManifest(p *Pool, r io.Reader) (int, error) {
	seen := make(map[string]bool)
	admitted := 0

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		token := fields[len(fields)-1]
		if seen[token] {
			p.logger.Debug("keypool: duplicate token skipped",
				"provider", p.provider, "fingerprint", fingerprint(token))
			continue
		}

		label := ""
		if len(fields) >= 2 {
			label = fields[0]
		}
		if p.Add(token, label) {
			seen[token] = true
			admitted++
		}
	}
	if err := scanner.Err(); err != nil {
		return admitted, err
	}
	return admitted, nil
}
