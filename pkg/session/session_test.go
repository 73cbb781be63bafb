package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"patchcast/pkg/ingest"
	"patchcast/pkg/journal"
	"patchcast/pkg/patch"
)

type captureHub struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (c *captureHub) Broadcast(_ string, _ uint64, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, append([]byte(nil), payload...))
}

func (c *captureHub) all() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.payloads))
	copy(out, c.payloads)
	return out
}

func openJournal(t *testing.T) {
	t.Helper()
	if err := journal.Open(filepath.Join(t.TempDir(), "journal")); err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })
}

func newManager(t *testing.T, hub Broadcaster) *Manager {
	t.Helper()
	m := NewManager(Options{
		Containers:    []string{"chat"},
		QueueCapacity: 32,
	}, hub)
	t.Cleanup(m.Close)
	return m
}

func addMsg(t *testing.T, content string) *patch.Message {
	t.Helper()
	msg, err := patch.Decode([]byte(`{"container":"chat","action":"add","body":{"author":"Alice","content":"` + content + `"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func removeMsg(t *testing.T, index int) *patch.Message {
	t.Helper()
	msg := &patch.Message{Container: "chat", Action: patch.ActionRemove, Index: &index}
	if err := msg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return msg
}

func drain(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestPatchFlowsThroughPipeline(t *testing.T) {
	openJournal(t)
	hub := &captureHub{}
	m := newManager(t, hub)
	s, err := m.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if err := s.Submit(addMsg(t, "<p>one</p>"), nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := s.Submit(addMsg(t, "<p>two</p>"), nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	drain(t, s)

	if n, _ := s.ItemCount("chat"); n != 2 {
		t.Fatalf("item count = %d, want 2", n)
	}

	payloads := hub.all()
	if len(payloads) != 2 {
		t.Fatalf("broadcasts = %d, want 2", len(payloads))
	}
	for i, p := range payloads {
		var got struct {
			Seq uint64 `json:"seq"`
		}
		if err := json.Unmarshal(p, &got); err != nil {
			t.Fatalf("broadcast %d not json: %v", i, err)
		}
		if got.Seq != uint64(i+1) {
			t.Fatalf("broadcast %d seq = %d, want %d", i, got.Seq, i+1)
		}
	}

	var replayed []uint64
	_ = journal.Replay("s1", 1, func(seq uint64, _ []byte) error {
		replayed = append(replayed, seq)
		return nil
	})
	if len(replayed) != 2 || replayed[0] != 1 || replayed[1] != 2 {
		t.Fatalf("journal replay = %v", replayed)
	}
}

func TestApplyOrderMatchesSubmitOrder(t *testing.T) {
	openJournal(t)
	hub := &captureHub{}
	m := newManager(t, hub)
	s, _ := m.GetOrCreate("s1")

	for i := 0; i < 5; i++ {
		_ = s.Submit(addMsg(t, "<p>m</p>"), nil)
	}
	_ = s.Submit(removeMsg(t, 0), nil)
	_ = s.Submit(removeMsg(t, 0), nil)
	drain(t, s)

	if n, _ := s.ItemCount("chat"); n != 3 {
		t.Fatalf("item count = %d, want 3", n)
	}
	st := s.Stats()
	if st.Applied != 7 || st.Warnings != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestOutOfRangeRemoveIsWarnNoOp(t *testing.T) {
	openJournal(t)
	m := newManager(t, &captureHub{})
	s, _ := m.GetOrCreate("s1")

	_ = s.Submit(addMsg(t, "<p>only</p>"), nil)
	_ = s.Submit(removeMsg(t, 9), nil)
	drain(t, s)

	if n, _ := s.ItemCount("chat"); n != 1 {
		t.Fatalf("item count = %d, want 1", n)
	}
	st := s.Stats()
	if st.Applied != 1 || st.Warnings != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	openJournal(t)
	m := NewManager(Options{Containers: []string{"chat"}, QueueCapacity: 1}, &captureHub{})
	t.Cleanup(m.Close)
	s, _ := m.GetOrCreate("s1")
	s.Close()

	// Worker stopped: first submit parks in the channel, the rest
	// overflow.
	_ = s.Submit(addMsg(t, "<p>a</p>"), nil)
	var sawFull bool
	for i := 0; i < 3; i++ {
		if err := s.Submit(addMsg(t, "<p>b</p>"), nil); err == ingest.ErrQueueFull {
			sawFull = true
		}
	}
	if !sawFull {
		t.Fatal("queue never reported full")
	}
}

func TestSnapshotRendersMirror(t *testing.T) {
	openJournal(t)
	m := newManager(t, &captureHub{})
	s, _ := m.GetOrCreate("s1")

	_ = s.Submit(addMsg(t, "<p>hello</p>"), nil)
	drain(t, s)

	page, err := s.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !strings.Contains(page, "hello") || !strings.Contains(page, `id="chat"`) {
		t.Fatalf("snapshot missing content: %s", page)
	}
	sub, err := s.SnapshotContainer("chat")
	if err != nil {
		t.Fatalf("snapshot container: %v", err)
	}
	if !strings.Contains(sub, "hello") {
		t.Fatalf("container snapshot missing content: %s", sub)
	}
}

func TestManagerLifecycle(t *testing.T) {
	openJournal(t)
	m := newManager(t, &captureHub{})

	if _, err := m.Create("a"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Create("a"); err == nil {
		t.Fatal("duplicate create succeeded")
	}
	if _, err := m.Get("missing"); err == nil {
		t.Fatal("get missing succeeded")
	}
	if _, err := m.GetOrCreate("b"); err != nil {
		t.Fatalf("get or create: %v", err)
	}
	ids := m.List()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("list = %v", ids)
	}
	if err := m.CloseSession("a"); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if _, err := m.Get("a"); err == nil {
		t.Fatal("closed session still listed")
	}
}
