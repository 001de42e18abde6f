// Package inputs reads the token and proxy lists.
//
// Both files hold one entry per line. Surrounding whitespace is trimmed and
// blank lines and lines starting with # are skipped.
package inputs

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/yourneighborhoodchef/nodeping/internal/client"
)

var (
	ErrNoTokens  = errors.New("no tokens found")
	ErrNoProxies = errors.New("no proxies found")
)

func LoadTokens(path string) ([]string, error) {
	tokens, err := readFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoTokens)
	}
	return tokens, nil
}

// LoadProxies also adds the http scheme to bare host:port entries. Entries
// that still fail validation are kept; the supervisor discards them when
// they reach the head of the backlog.
func LoadProxies(path string) ([]string, error) {
	lines, err := readFile(path)
	if err != nil {
		return nil, fmt.Errorf("load proxies: %w", err)
	}
	proxies := make([]string, 0, len(lines))
	for _, l := range lines {
		proxies = append(proxies, client.NormalizeProxy(l))
	}
	if len(proxies) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoProxies)
	}
	return proxies, nil
}

func readFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadLines(f)
}

// ReadLines returns the meaningful lines of r in order.
func ReadLines(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
