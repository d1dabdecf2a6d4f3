package auth

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBreachRangeURL = "https://api.pwnedpasswords.com/range/"
	breachUserAgent       = "dec-vault/0.2"
)

// BreachResult reports whether a password appears in a breach corpus.
type BreachResult struct {
	Found bool
	Count int
}

// BreachChecker queries a Pwned Passwords style range API. Only the first
// five hex characters of SHA1(pw) leave the process.
type BreachChecker struct {
	Client   *http.Client
	RangeURL string
}

// NewBreachChecker returns a checker against the public range API.
func NewBreachChecker() *BreachChecker {
	return &BreachChecker{
		Client:   &http.Client{Timeout: 4 * time.Second},
		RangeURL: DefaultBreachRangeURL,
	}
}

// Check looks up pw. Network and HTTP failures are returned wrapped; the
// caller decides whether to fail open or closed.
func (b *BreachChecker) Check(ctx context.Context, pw string) (BreachResult, error) {
	var result BreachResult

	sum := sha1.Sum([]byte(pw))
	hashHex := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix, suffix := hashHex[:5], hashHex[5:]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.RangeURL+prefix, nil)
	if err != nil {
		return result, fmt.Errorf("breach request: %w", err)
	}
	req.Header.Set("User-Agent", breachUserAgent)
	req.Header.Set("Add-Padding", "true")

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return result, fmt.Errorf("breach query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("breach query: unexpected status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lineSuffix, countStr, ok := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if !ok || !strings.EqualFold(lineSuffix, suffix) {
			continue
		}

		count, err := strconv.Atoi(strings.TrimSpace(countStr))
		if err != nil {
			return result, fmt.Errorf("breach parse count: %w", err)
		}
		// padding entries carry a zero count
		if count == 0 {
			continue
		}
		result.Found = true
		result.Count = count
		return result, nil
	}

	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("breach read response: %w", err)
	}
	return result, nil
}
