package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// The client remembers which servers the user has signed in to, most
// recent first, so the login form can prefill the last one and offer
// the rest in a picker.

const maxRecentServers = 8

type knownServer struct {
	URL        string    `json:"url"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

type recentServersFile struct {
	Entries []knownServer `json:"entries"`
}

func recentServersPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "shyro", "recent-servers.json"), nil
}

func readRecentServers() []knownServer {
	path, err := recentServersPath()
	if err != nil {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var file recentServersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil
	}
	return dedupeServers(file.Entries)
}

// recentServerURLs returns the remembered server URLs, most recent first.
func recentServerURLs() []string {
	entries := readRecentServers()
	urls := make([]string, 0, len(entries))
	for _, entry := range entries {
		urls = append(urls, entry.URL)
	}
	return urls
}

// rememberServer records a successful sign-in against url and persists the
// list, trimmed to maxRecentServers and ordered by recency.
func rememberServer(url string, now time.Time) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	entries := readRecentServers()
	touched := false
	for i := range entries {
		if strings.EqualFold(entries[i].URL, url) {
			entries[i].LastUsedAt = now
			touched = true
			break
		}
	}
	if !touched {
		entries = append(entries, knownServer{URL: url, LastUsedAt: now})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastUsedAt.After(entries[j].LastUsedAt)
	})
	if len(entries) > maxRecentServers {
		entries = entries[:maxRecentServers]
	}
	return writeRecentServers(entries)
}

func writeRecentServers(entries []knownServer) error {
	path, err := recentServersPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(recentServersFile{Entries: entries}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func dedupeServers(entries []knownServer) []knownServer {
	seen := make(map[string]struct{}, len(entries))
	out := make([]knownServer, 0, len(entries))
	for _, entry := range entries {
		url := strings.TrimSpace(entry.URL)
		if url == "" {
			continue
		}
		key := strings.ToLower(url)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		entry.URL = url
		out = append(out, entry)
	}
	return out
}
