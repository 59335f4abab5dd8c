package main

import (
	"encoding/json"
	"fmt"

	"github.com/codex-autorunner/autorunner/internal/common/logger"
	"github.com/codex-autorunner/autorunner/internal/state"
)

// openHub opens the hub store at dir for the administrative subcommands,
// which log nothing below errors.
func openHub(dir string) (*state.Store, error) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	if err != nil {
		return nil, err
	}
	return state.Open(dir, log)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
