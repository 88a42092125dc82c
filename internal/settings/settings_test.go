package settings

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"tradebridge/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testDefaults() types.Settings {
	return types.Settings{MinConfidence: 0.6, AutoTradingEnabled: false}
}

func f64(v float64) *float64 { return &v }
func b(v bool) *bool         { return &v }

func TestNewWithoutFileUsesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.json")
	m, err := New(path, testDefaults(), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := m.Get(); got != testDefaults() {
		t.Errorf("Get = %+v, want defaults", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("New should not create the file before the first update")
	}
}

func TestUpdatePersistsBeforeReturn(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.json")
	m, err := New(path, testDefaults(), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	eff, err := m.Update(Patch{MinConfidence: f64(0.75), AutoTradingEnabled: b(true)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if eff.MinConfidence != 0.75 || !eff.AutoTradingEnabled {
		t.Errorf("effective = %+v", eff)
	}

	// The file must already reflect the update when Update returns.
	reloaded, err := New(path, testDefaults(), testLogger())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.Get(); got != eff {
		t.Errorf("reloaded = %+v, want %+v", got, eff)
	}
}

func TestUpdatePartialPatch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.json")
	m, _ := New(path, testDefaults(), testLogger())

	eff, err := m.Update(Patch{AutoTradingEnabled: b(true)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if eff.MinConfidence != 0.6 {
		t.Errorf("untouched min_confidence changed to %v", eff.MinConfidence)
	}
	if !eff.AutoTradingEnabled {
		t.Error("auto_trading not applied")
	}
}

func TestUpdateRejectsOutOfRangeConfidence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.json")
	m, _ := New(path, testDefaults(), testLogger())

	for _, v := range []float64{-0.1, 1.1} {
		if _, err := m.Update(Patch{MinConfidence: f64(v)}); err == nil {
			t.Errorf("min_confidence %v accepted", v)
		}
	}
	if got := m.Get(); got != testDefaults() {
		t.Errorf("rejected update mutated state: %+v", got)
	}
}

func TestNewRejectsCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{truncated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path, testDefaults(), testLogger()); err == nil {
		t.Error("corrupt settings file accepted")
	}
}

func TestOnChangeFiresAfterUpdate(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.json")
	m, _ := New(path, testDefaults(), testLogger())

	var seen []types.Settings
	m.OnChange(func(s types.Settings) { seen = append(seen, s) })

	if _, err := m.Update(Patch{AutoTradingEnabled: b(true)}); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || !seen[0].AutoTradingEnabled {
		t.Errorf("listener calls = %+v", seen)
	}

	// A rejected update must not notify.
	_, _ = m.Update(Patch{MinConfidence: f64(2)})
	if len(seen) != 1 {
		t.Errorf("listener fired on rejected update, calls = %d", len(seen))
	}
}

func TestOnChangeNotifiesEveryListener(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.json")
	m, _ := New(path, testDefaults(), testLogger())

	var first, second types.Settings
	m.OnChange(func(s types.Settings) { first = s })
	m.OnChange(func(s types.Settings) { second = s })

	eff, err := m.Update(Patch{MinConfidence: f64(0.8)})
	if err != nil {
		t.Fatal(err)
	}
	if first != eff || second != eff {
		t.Errorf("listeners saw %+v / %+v, want %+v", first, second, eff)
	}
}

func TestPersistWritesAtomically(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	m, _ := New(path, testDefaults(), testLogger())

	if err := m.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("tmp file left behind")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("settings file missing: %v", err)
	}
}
