package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/replay"
)

// #region main

func main() {
	fixturePath := flag.String("fixture", "", "path to fixture JSON")
	dataDir := flag.String("data", "", "session data dir (default: temp dir, discarded)")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	verify := flag.Bool("verify", false, "run twice and fail on nondeterminism")
	flag.Parse()

	if *fixturePath == "" {
		fmt.Fprintln(os.Stderr, "usage: replay --fixture path/to/fixture.json [--data dir] [--json] [--verify]")
		os.Exit(2)
	}

	fixture, err := replay.LoadFixture(*fixturePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	dir := *dataDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "replay-*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "temp dir: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	sum, err := replay.Run(fixture, filepath.Join(dir, "run-a"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(1)
	}

	if *verify {
		again, err := replay.Run(fixture, filepath.Join(dir, "run-b"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "verify replay: %v\n", err)
			os.Exit(1)
		}
		if diverged := firstDivergence(sum, again); diverged >= 0 {
			fmt.Fprintf(os.Stderr, "nondeterminism: proof hash diverged at frame index %d\n", diverged)
			os.Exit(1)
		}
	}

	if *jsonOut {
		printJSON(sum)
		return
	}
	printTable(fixture.Name, sum)
}

func firstDivergence(a, b replay.Summary) int {
	if len(a.ProofHashes) != len(b.ProofHashes) {
		return 0
	}
	for i := range a.ProofHashes {
		if a.ProofHashes[i] != b.ProofHashes[i] {
			return i
		}
	}
	return -1
}

// #endregion main

// #region output

func printTable(name string, s replay.Summary) {
	fmt.Printf("Fixture:       %s\n", name)
	fmt.Printf("Frames:        %d\n", s.Frames)
	fmt.Printf("Kept:          %d\n", s.Kept)
	fmt.Printf("Raw only:      %d\n", s.RawOnly)
	fmt.Printf("Deferred:      %d\n", s.Deferred)
	fmt.Printf("Discarded:     %d\n", s.Discarded)
	fmt.Printf("Downgrades:    %d\n", s.Downgrades)
	fmt.Printf("State changes: %d\n", s.StateChanges)
	fmt.Printf("Final state:   %s\n", s.FinalState)
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal json: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

// #endregion output
