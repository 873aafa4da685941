package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/webrelay/internal/tui/watch"
)

func main() {
	fs := flag.NewFlagSet("webrelay-watch", flag.ExitOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8080", "Base URL of the webrelayd status API")
	apiKey := fs.String("key", "", "API key (or set WEBRELAY_API_KEY)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		os.Exit(1)
	}

	key := *apiKey
	if key == "" {
		key = os.Getenv("WEBRELAY_API_KEY")
	}
	if key == "" {
		fmt.Fprintln(os.Stderr, "An API key is required: pass --key or set WEBRELAY_API_KEY")
		os.Exit(1)
	}

	p := tea.NewProgram(watch.New(*apiURL, key))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "watch TUI failed: %v\n", err)
		os.Exit(1)
	}
}
