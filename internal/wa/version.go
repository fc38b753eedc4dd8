package wa

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"go.mau.fi/whatsmeow/store"
)

var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)-alpha`)

// parseWebVersion extracts the current WhatsApp web version from the
// wppconnect versions page.
func parseWebVersion(body string) (store.WAVersionContainer, bool) {
	match := versionPattern.FindStringSubmatch(body)
	if match == nil {
		return store.WAVersionContainer{}, false
	}

	var version store.WAVersionContainer
	for i := 0; i < 3; i++ {
		n, err := strconv.ParseUint(match[i+1], 10, 32)
		if err != nil {
			return store.WAVersionContainer{}, false
		}
		version[i] = uint32(n)
	}
	return version, true
}

// probeWebVersion fetches the version page and parses it. Callers fall back
// to the library's bundled version on any error.
func probeWebVersion(ctx context.Context, client *http.Client, url string) (store.WAVersionContainer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return store.WAVersionContainer{}, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return store.WAVersionContainer{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return store.WAVersionContainer{}, fmt.Errorf("version probe returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return store.WAVersionContainer{}, err
	}

	version, ok := parseWebVersion(string(body))
	if !ok {
		return store.WAVersionContainer{}, fmt.Errorf("no version found in probe response")
	}
	return version, nil
}
