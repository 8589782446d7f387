package pipeline

import (
	"net/http"
	"strconv"
	"time"

	"github.com/David-2911/auto-grader-sub005/internal/protocol"
)

// statusClass groups response statuses that share recovery behavior.
type statusClass int

const (
	classSuccess statusClass = iota
	classAuth                // 401: refresh once, retry once
	classTerminal            // 400/403/404/422: no retry
	classRateLimit           // 429: honor Retry-After, retry once
	classServer              // 5xx: exponential backoff up to budget
)

// rule is one row of the declarative retry policy table.
type rule struct {
	retry       bool
	maxAttempts int
	backoff     func(attempt int) time.Duration
}

// policyTable maps a status class to its retry rule. Consolidating the
// per-status handling here keeps the dispatch loop free of scattered
// special cases.
type policyTable struct {
	rules map[statusClass]rule
}

func newPolicyTable(base time.Duration, serverAttempts int) *policyTable {
	if base <= 0 {
		base = time.Second
	}
	if serverAttempts <= 0 {
		serverAttempts = 3
	}
	exp := func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
		}
		return d
	}
	return &policyTable{rules: map[statusClass]rule{
		classSuccess:   {},
		classAuth:      {retry: true, maxAttempts: 2},
		classTerminal:  {},
		classRateLimit: {retry: true, maxAttempts: 2, backoff: exp},
		classServer:    {retry: true, maxAttempts: serverAttempts, backoff: exp},
	}}
}

func (t *policyTable) rule(c statusClass) rule {
	return t.rules[c]
}

func classify(status int) statusClass {
	switch {
	case status >= 200 && status < 300:
		return classSuccess
	case status == http.StatusUnauthorized:
		return classAuth
	case status == http.StatusTooManyRequests:
		return classRateLimit
	case status >= 500:
		return classServer
	default:
		return classTerminal
	}
}

// failureCode maps a terminal status to its taxonomy code.
func failureCode(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return protocol.CodeAuthExpired
	case http.StatusForbidden:
		return protocol.CodeAccessDenied
	case http.StatusNotFound:
		return protocol.CodeNotFound
	case http.StatusTooManyRequests:
		return protocol.CodeRateLimited
	default:
		if status >= 500 {
			return protocol.CodeServerError
		}
		return protocol.CodeValidationFailed
	}
}

// retryAfter reads a server-provided retry delay, in seconds or HTTP-date.
func retryAfter(h http.Header) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
	}
	return 0, false
}
