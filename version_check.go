package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/oszuidwest/andros/internal/types"
	"github.com/oszuidwest/andros/internal/util"
)

const (
	releaseRepo           = "oszuidwest/andros"
	releasePollInterval   = 24 * time.Hour
	releaseStartupDelay   = 30 * time.Second
	releaseRequestTimeout = 30 * time.Second
	releaseAttempts       = 3
	releaseRetryDelay     = time.Minute
)

// errReleaseRetry marks a lookup worth repeating within the same cycle.
var errReleaseRetry = errors.New("release lookup failed")

// VersionChecker polls GitHub for the latest andros release. It is safe for concurrent use.
type VersionChecker struct {
	releaseURL string
	client     *http.Client

	mu     sync.RWMutex
	latest string
	etag   string
}

// NewVersionChecker returns a VersionChecker for the andros release feed.
func NewVersionChecker() *VersionChecker {
	return &VersionChecker{
		releaseURL: "https://api.github.com/repos/" + releaseRepo + "/releases/latest",
		client:     http.DefaultClient,
	}
}

// Run polls once shortly after startup and then daily until ctx is done.
func (vc *VersionChecker) Run(ctx context.Context) {
	wait := releaseStartupDelay
	for {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		vc.poll(ctx)
		wait = releasePollInterval
	}
}

// poll runs one cycle of up to releaseAttempts lookups.
func (vc *VersionChecker) poll(ctx context.Context) {
	for attempt := 1; !vc.check(ctx) && attempt < releaseAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(releaseRetryDelay):
		}
	}
}

type githubRelease struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// check performs one lookup and reports whether the cycle is complete.
func (vc *VersionChecker) check(ctx context.Context) bool {
	tag, etag, err := vc.fetch(ctx)
	if err != nil {
		slog.Debug("release lookup failed", "error", err)
		return !errors.Is(err, errReleaseRetry)
	}
	if tag == "" {
		return true
	}

	vc.mu.Lock()
	prev := vc.latest
	vc.latest = normalizeVersion(tag)
	if etag != "" {
		vc.etag = etag
	}
	vc.mu.Unlock()

	if info := vc.Info(); info.UpdateAvail && info.Latest != prev {
		slog.Info("new release available", "current", info.Current, "latest", info.Latest)
	}
	return true
}

// fetch returns the latest published tag and its ETag. An empty tag with a
// nil error means there is nothing new to record.
func (vc *VersionChecker) fetch(ctx context.Context) (tag, etag string, err error) {
	ctx, cancel := context.WithTimeout(ctx, releaseRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, vc.releaseURL, http.NoBody)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "andros/"+Version)
	vc.mu.RLock()
	if vc.etag != "" {
		req.Header.Set("If-None-Match", vc.etag)
	}
	vc.mu.RUnlock()

	resp, err := vc.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", errReleaseRetry, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified, resp.StatusCode == http.StatusNotFound:
		return "", "", nil
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return "", "", fmt.Errorf("%w: status %d", errReleaseRetry, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var rel githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return "", "", fmt.Errorf("%w: decode: %w", errReleaseRetry, err)
	}
	if rel.Draft || rel.Prerelease {
		return "", "", nil
	}
	if rel.TagName == "" {
		return "", "", fmt.Errorf("%w: release without tag", errReleaseRetry)
	}
	return rel.TagName, resp.Header.Get("ETag"), nil
}

// Info returns the running and latest known versions.
func (vc *VersionChecker) Info() types.VersionInfo {
	vc.mu.RLock()
	latest := vc.latest
	vc.mu.RUnlock()

	info := types.VersionInfo{
		Current: normalizeVersion(Version),
		Latest:  latest,
		Commit:  Commit,
	}
	if bt := BuildTime(); !bt.IsZero() {
		info.BuildTime = util.FormatHumanTime(bt)
	}
	if latest != "" && semver.IsValid(semverOf(info.Current)) {
		info.UpdateAvail = isNewerVersion(latest, info.Current)
	}
	return info
}

func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// semverOf adds the "v" prefix x/mod/semver expects.
func semverOf(v string) string {
	return "v" + normalizeVersion(v)
}

// isNewerVersion reports whether latest is newer than current.
func isNewerVersion(latest, current string) bool {
	return semver.Compare(semverOf(latest), semverOf(current)) > 0
}
