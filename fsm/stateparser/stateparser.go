package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/lightninglabs/xswap/coordinator"
	"github.com/lightninglabs/xswap/fsm"
)

func main() {
	if err := run(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run() error {
	out := flag.String("out", "", "outfile")
	stateMachine := flag.String("fsm", "", "the swap state machine to parse")
	flag.Parse()

	if filepath.Ext(*out) != ".md" {
		return errors.New("wrong argument: out must be a .md file")
	}

	fp, err := filepath.Abs(*out)
	if err != nil {
		return err
	}

	switch *stateMachine {
	case "bob":
		bob := &coordinator.BobFSM{}
		return writeMermaidFile(fp, bob.GetStates())

	case "alice":
		alice := &coordinator.AliceFSM{}
		return writeMermaidFile(fp, alice.GetStates())

	default:
		fmt.Println("Missing or wrong argument: fsm must be one of:")
		fmt.Println("\tbob")
		fmt.Println("\talice")
	}

	return nil
}

func writeMermaidFile(filename string, states fsm.States) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	var b bytes.Buffer
	fmt.Fprint(&b, "```mermaid\nstateDiagram-v2\n")

	for _, state := range sortedKeys(states) {
		edges := states[fsm.StateType(state)]
		// write state name
		if len(state) > 0 {
			fmt.Fprintf(&b, "%s\n", state)
		} else {
			state = "[*]"
		}

		// write transitions in a stable order
		events := make([]string, 0, len(edges.Transitions))
		for event := range edges.Transitions {
			events = append(events, string(event))
		}
		sort.Strings(events)

		for _, event := range events {
			target := edges.Transitions[fsm.EventType(event)]
			fmt.Fprintf(&b, "%s --> %s: %s\n", state, target, event)
		}
	}

	fmt.Fprint(&b, "```\n")
	_, err = f.Write(b.Bytes())

	return err
}

func sortedKeys(m fsm.States) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	return keys
}
