package executor

import (
	"sort"
	"strconv"
	"time"

	"github.com/mattjoyce/webrelay/internal/webreq"
)

// BuildArgs encodes a request record into the helper's argument vector.
// The encoding is byte-for-byte deterministic (map keys are sorted) and
// free of shell-injection ambiguity: each field is its own argv entry and
// the process is started without a shell.
func BuildArgs(rec *webreq.Record, timeout time.Duration, bindAddr string) []string {
	args := []string{
		"--method", string(rec.Method),
		"--url", rec.URL,
		"--timeout", strconv.Itoa(int(timeout / time.Second)),
	}
	if bindAddr != "" {
		args = append(args, "--bind", bindAddr)
	}

	for _, k := range sortedKeys(rec.Headers) {
		args = append(args, "--header", k+":"+rec.Headers[k])
	}
	for _, k := range sortedKeys(rec.Cookies) {
		args = append(args, "--cookie", k+"="+rec.Cookies[k])
	}

	if rec.Body != "" {
		args = append(args, "--body", rec.Body)
	}
	return args
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
