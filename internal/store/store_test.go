package store

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"tradebridge/internal/config"
	"tradebridge/pkg/types"
)

func TestOpenDefaultsToNoOps(t *testing.T) {
	t.Parallel()

	log, cache, err := Open(config.StoreConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := log.(NopLog); !ok {
		t.Errorf("log = %T, want NopLog", log)
	}
	if _, ok := cache.(NopCache); !ok {
		t.Errorf("cache = %T, want NopCache", cache)
	}

	// No-ops must be safe to use.
	if err := log.Append(context.Background(), types.NewEvent("heartbeat", nil)); err != nil {
		t.Errorf("NopLog.Append: %v", err)
	}
	if _, hit, err := cache.Get(context.Background(), "k"); hit || err != nil {
		t.Errorf("NopCache.Get = hit:%v err:%v", hit, err)
	}
}

func TestFileLogAppendsJSONL(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events", "journal.jsonl")
	log, _, err := Open(config.StoreConfig{EventLogPath: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	events := []types.Event{
		types.NewEvent(types.ChannelMarketData, map[string]float64{"price": 21500}),
		types.NewEvent(types.ChannelHeartbeat, nil),
	}
	for _, evt := range events {
		if err := log.Append(context.Background(), evt); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var evt types.Event
		if err := json.Unmarshal(sc.Bytes(), &evt); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines, err)
		}
		if evt.Channel != events[lines].Channel {
			t.Errorf("line %d channel = %q, want %q", lines, evt.Channel, events[lines].Channel)
		}
		lines++
	}
	if lines != len(events) {
		t.Errorf("journal lines = %d, want %d", lines, len(events))
	}
}

func TestFileLogAppendsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal.jsonl")

	for i := 0; i < 2; i++ {
		log, err := OpenFileLog(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := log.Append(context.Background(), types.NewEvent("heartbeat", i)); err != nil {
			t.Fatal(err)
		}
		log.Close()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	f, lines := data, 0
	for _, b := range f {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("journal lines after reopen = %d, want 2", lines)
	}
}
