// Package testutil provides helpers shared by HTTP and runtime tests.
package testutil

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"testing"
	"time"

	"phobos.org.uk/harness/internal/tlsutil"
)

// AllocateTestPort returns a deterministic port based on test name
func AllocateTestPort(t *testing.T) int {
	t.Helper()
	return AllocateTestPortN(t, 0)
}

// AllocateTestPortN returns a deterministic port based on test name and index.
// Use different index values to get multiple unique ports within the same test.
func AllocateTestPortN(t *testing.T, n int) int {
	t.Helper()
	h := fnv.New32a()
	h.Write([]byte(t.Name()))
	h.Write([]byte{byte(n)})
	return 10000 + int(h.Sum32()%10000)
}

// WaitForHealthy waits for a URL to return 200 OK. The client accepts the
// host's self-signed certificate for loopback HTTPS targets.
func WaitForHealthy(t *testing.T, url string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	client := tlsutil.NewHTTPClient(500 * time.Millisecond)

	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			return
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(50 * time.Millisecond)
	}

	t.Fatalf("Service at %s did not become healthy within %v", url, timeout)
}

// Eventually retries a condition until it returns true or timeout expires
func Eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Condition did not become true within timeout")
}

// MockAgentScript returns a shell script that simulates the agent CLI:
// it answers every prompt line with the given structured response and
// appends the completion marker to the turn-signal file.
func MockAgentScript(response string) string {
	return fmt.Sprintf(`#!/bin/sh
while read line; do
  echo '%s'
  printf 'TURN_COMPLETE\n' >> ".turn-signal-$PPID"
done
`, response)
}

// SuccessResponse returns a mock agent success JSON response
func SuccessResponse(result string) string {
	return fmt.Sprintf(`{"type":"result","subtype":"success","is_error":false,"result":%q,"session_id":"test-session","num_turns":1,"usage":{"input_tokens":100,"output_tokens":50}}`, result)
}

// ErrorResponse returns a mock agent error JSON response
func ErrorResponse(message string) string {
	return fmt.Sprintf(`{"type":"result","subtype":"error_during_execution","is_error":true,"result":%q,"session_id":"test-session","num_turns":1}`, message)
}
