// Manual harness for the file-chat SSE stream against a running hub.
// Usage: go run ./scripts/chat-smoke -repo demo -message "list the tickets"
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

var (
	server  = flag.String("server", "http://127.0.0.1:7717", "hub address")
	repo    = flag.String("repo", "", "repo id")
	agent   = flag.String("agent", "codex", "agent to open the session with")
	message = flag.String("message", "hello", "message to send")
)

func main() {
	flag.Parse()
	if *repo == "" {
		fmt.Fprintln(os.Stderr, "-repo is required")
		os.Exit(2)
	}

	payload, err := json.Marshal(map[string]string{
		"repo_id": *repo,
		"agent":   *agent,
		"message": *message,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	resp, err := http.Post(*server+"/api/file-chat", "application/json", bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "unexpected status %s\n", resp.Status)
		os.Exit(1)
	}

	start := time.Now()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fmt.Printf("%7.2fs %s\n", time.Since(start).Seconds(), line)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
