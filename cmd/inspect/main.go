package main

import (
	"flag"
	"fmt"
	"os"

	"patchcast/pkg/journal"
)

// inspect opens a patch journal offline and dumps its sessions, or the
// full patch history for one session.
func main() {
	var path string
	var sessionID string
	var from uint64
	flag.StringVar(&path, "path", "", "journal directory to open")
	flag.StringVar(&sessionID, "session", "", "dump patches for this session (default: list sessions)")
	flag.Uint64Var(&from, "from", 1, "first sequence number to dump")
	flag.Parse()
	if path == "" {
		fmt.Fprintln(os.Stderr, "--path required")
		os.Exit(2)
	}

	if err := journal.Open(path); err != nil {
		fmt.Fprintf(os.Stderr, "failed to open journal: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = journal.Close() }()

	if sessionID == "" {
		ids, err := journal.Sessions()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list sessions: %v\n", err)
			os.Exit(1)
		}
		for _, id := range ids {
			n, _ := journal.Count(id)
			last, _ := journal.LastSeq(id)
			fmt.Printf("%s\tpatches=%d\tlast_seq=%d\n", id, n, last)
		}
		return
	}

	err := journal.Replay(sessionID, from, func(seq uint64, payload []byte) error {
		fmt.Printf("%d\t%s\n", seq, payload)
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		os.Exit(1)
	}
}
