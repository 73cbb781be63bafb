// Package journal persists the ordered stream of applied patches per
// session so late-joining subscribers can catch up before receiving
// live traffic. Keys sort by session then apply sequence, which makes
// replay a single prefix scan.
package journal

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/pebble"

	"patchcast/pkg/logger"
)

var db *pebble.DB
var dbPath string

// Open opens (or creates) the pebble journal at path and keeps a global
// handle for the process.
func Open(path string) error {
	var err error
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("journal_open_failed", "path", path, "error", err)
		return err
	}
	dbPath = path
	logger.Info("journal_opened", "path", path)
	return nil
}

// Close closes the journal if open.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("journal_closed")
	return nil
}

// Ready reports whether the journal is open.
func Ready() bool { return db != nil }

// Key format: patch:<session>:<seq zero-padded to 20>. Session ids are
// validated at the API boundary and never contain ':'.
func key(sessionID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("patch:%s:%020d", sessionID, seq))
}

func sessionPrefix(sessionID string) []byte {
	return []byte("patch:" + sessionID + ":")
}

// Append records the canonical encoded form of an applied patch.
func Append(sessionID string, seq uint64, payload []byte) error {
	if db == nil {
		return fmt.Errorf("journal not opened; call journal.Open first")
	}
	if err := db.Set(key(sessionID, seq), payload, pebble.Sync); err != nil {
		logger.Error("journal_append_failed", "session", sessionID, "seq", seq, "error", err)
		return err
	}
	return nil
}

// Replay streams journaled patches for a session with seq >= fromSeq,
// in apply order, into fn. fn returning an error stops the replay.
func Replay(sessionID string, fromSeq uint64, fn func(seq uint64, payload []byte) error) error {
	if db == nil {
		return fmt.Errorf("journal not opened; call journal.Open first")
	}
	prefix := sessionPrefix(sessionID)
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: key(sessionID, fromSeq),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		seq, perr := seqFromKey(iter.Key())
		if perr != nil {
			logger.Warn("journal_bad_key", "key", string(iter.Key()), "error", perr)
			continue
		}
		val := append([]byte(nil), iter.Value()...)
		if err := fn(seq, val); err != nil {
			return err
		}
	}
	return iter.Error()
}

// LastSeq returns the highest journaled sequence for a session, or 0
// when the session has no entries.
func LastSeq(sessionID string) (uint64, error) {
	if db == nil {
		return 0, fmt.Errorf("journal not opened; call journal.Open first")
	}
	prefix := sessionPrefix(sessionID)
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return seqFromKey(iter.Key())
}

// Count returns the number of journaled patches for a session.
func Count(sessionID string) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("journal not opened; call journal.Open first")
	}
	prefix := sessionPrefix(sessionID)
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Sessions lists the distinct session ids present in the journal.
func Sessions() ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("journal not opened; call journal.Open first")
	}
	prefix := []byte("patch:")
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	last := ""
	for iter.First(); iter.Valid(); iter.Next() {
		k := string(iter.Key())
		rest := strings.TrimPrefix(k, "patch:")
		i := strings.LastIndexByte(rest, ':')
		if i < 0 {
			continue
		}
		sid := rest[:i]
		if sid != last {
			out = append(out, sid)
			last = sid
		}
	}
	return out, iter.Error()
}

// TrimBefore deletes journaled patches for a session with seq < minSeq
// and returns how many entries were removed. Retention uses this to cap
// replay history.
func TrimBefore(sessionID string, minSeq uint64) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("journal not opened; call journal.Open first")
	}
	prefix := sessionPrefix(sessionID)
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: key(sessionID, minSeq),
	})
	if err != nil {
		return 0, err
	}
	var keys [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	b := db.NewBatch()
	for _, k := range keys {
		if err := b.Delete(k, nil); err != nil {
			_ = b.Close()
			return 0, err
		}
	}
	if err := db.Apply(b, pebble.Sync); err != nil {
		return 0, err
	}
	if len(keys) > 0 {
		logger.Info("journal_trimmed", "session", sessionID, "removed", len(keys), "min_seq", minSeq)
	}
	return len(keys), nil
}

// Path returns the directory backing the journal, for stats.
func Path() string { return dbPath }

func seqFromKey(k []byte) (uint64, error) {
	s := string(k)
	i := strings.LastIndexByte(s, ':')
	if i < 0 || i == len(s)-1 {
		return 0, fmt.Errorf("malformed journal key %q", s)
	}
	return strconv.ParseUint(s[i+1:], 10, 64)
}

// upperBound returns the smallest key greater than every key with the
// given prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
