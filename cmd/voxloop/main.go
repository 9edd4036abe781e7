// Command voxloop is a real-time duplex streaming client for conversational
// voice agents: it maintains a bidirectional websocket session, plays agent
// audio gaplessly, reacts to barge-in, dispatches tool calls, and prints
// the assembled transcript.
package main

import (
	"fmt"
	"os"

	"github.com/tobwen/voxloop/cmd/voxloop/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
