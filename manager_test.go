package models

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// recordingLogger captures log lines for assertions.
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) record(level, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf("%s %s %v", level, msg, kv))
}

func (l *recordingLogger) Debug(msg string, kv ...any) { l.record("DEBUG", msg, kv) }
func (l *recordingLogger) Info(msg string, kv ...any)  { l.record("INFO", msg, kv) }
func (l *recordingLogger) Warn(msg string, kv ...any)  { l.record("WARN", msg, kv) }
func (l *recordingLogger) Error(msg string, kv ...any) { l.record("ERROR", msg, kv) }

func (l *recordingLogger) contains(level, substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.HasPrefix(line, level+" ") && strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

var ignoreRegisteredAt = cmpopts.IgnoreFields(ModelInfo{}, "RegisteredAt")

func openTestManager(t *testing.T, root string, opts ...ManagerOption) Manager {
	t.Helper()
	m, err := Open(Config{AppName: "sitest", DataDir: root}, opts...)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", root, err)
	}
	return m
}

// writeModel creates the named files under root/modelID and returns them
// as SourceFiles with their sizes.
func writeModel(t *testing.T, root, modelID string, files map[string]int) []SourceFile {
	t.Helper()
	var out []SourceFile
	for p, size := range files {
		writeTestFile(t, filepath.Join(root, filepath.FromSlash(modelID), filepath.FromSlash(p)), size)
		out = append(out, SourceFile{Path: p, Size: int64(size)})
	}
	return out
}

func TestOpenFreshRegistry(t *testing.T) {
	root := filepath.Join(t.TempDir(), "models")

	m := openTestManager(t, root)

	if st, err := os.Stat(root); err != nil || !st.IsDir() {
		t.Fatalf("storage root not created: %v", err)
	}
	if m.Root() != root {
		t.Errorf("Root() = %q, want %q", m.Root(), root)
	}
	if got := m.List(); len(got) != 0 {
		t.Errorf("List() = %v, want empty", got)
	}
}

func TestOpenRequiresAppName(t *testing.T) {
	if _, err := Open(Config{DataDir: t.TempDir()}); err == nil {
		t.Error("Open() without AppName succeeded")
	}
}

func TestOpenCorruptIndex(t *testing.T) {
	root := t.TempDir()
	indexPath := filepath.Join(root, IndexFileName)
	garbage := []byte(`{"version":1,"models":[`)
	if err := os.WriteFile(indexPath, garbage, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Open(Config{AppName: "sitest", DataDir: root})
	if !errors.Is(err, ErrCorruptIndex) {
		t.Fatalf("Open() error = %v, want ErrCorruptIndex", err)
	}
	if KindOf(err) != KindCorruptIndex {
		t.Errorf("KindOf() = %q, want %q", KindOf(err), KindCorruptIndex)
	}

	after, _ := os.ReadFile(indexPath)
	if !bytes.Equal(after, garbage) {
		t.Error("corrupt index was modified by Open")
	}
}

func TestOpenUnusableRoot(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Open(Config{AppName: "sitest", DataDir: file})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("Open() error = %v, want ErrStorageUnavailable", err)
	}
}

func TestRegisterAndLookup(t *testing.T) {
	root := t.TempDir()
	m := openTestManager(t, root)
	ctx := context.Background()

	files := []SourceFile{{Path: "weights.bin", Size: 1024}, {Path: "config/model.json", Size: 12}}
	writeTestFile(t, filepath.Join(root, "clip-vit", "weights.bin"), 1024)
	writeTestFile(t, filepath.Join(root, "clip-vit", "config", "model.json"), 12)

	before := time.Now().UTC().Add(-time.Second)
	info, err := m.Register(ctx, "clip-vit", files)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	want := ModelInfo{
		ModelID: "clip-vit",
		Files:   []ModelFile{{Path: "weights.bin", Size: 1024}, {Path: "config/model.json", Size: 12}},
	}
	if diff := cmp.Diff(want, info, ignoreRegisteredAt); diff != "" {
		t.Errorf("Register() mismatch (-want +got):\n%s", diff)
	}
	if info.RegisteredAt.Before(before) {
		t.Errorf("RegisteredAt = %v, want recent", info.RegisteredAt)
	}

	got, err := m.Lookup("clip-vit")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if diff := cmp.Diff(info, got); diff != "" {
		t.Errorf("Lookup() mismatch (-want +got):\n%s", diff)
	}

	// Persisted before Register returned.
	idx, err := LoadIndex(filepath.Join(root, IndexFileName))
	if err != nil {
		t.Fatal(err)
	}
	onDisk, ok := idx.Get("clip-vit")
	if !ok {
		t.Fatal("model missing from index file")
	}
	if diff := cmp.Diff(info, onDisk); diff != "" {
		t.Errorf("index file mismatch (-want +got):\n%s", diff)
	}
}

func TestLookupNotFound(t *testing.T) {
	m := openTestManager(t, t.TempDir())

	_, err := m.Lookup("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup() error = %v, want ErrNotFound", err)
	}
	var e *Error
	if !errors.As(err, &e) || e.ModelID != "nope" {
		t.Errorf("error does not carry the model id: %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	root := t.TempDir()
	m := openTestManager(t, root)
	ctx := context.Background()
	indexPath := filepath.Join(root, IndexFileName)

	first := writeModel(t, root, "m", map[string]int{"a.bin": 10})
	if _, err := m.Register(ctx, "m", first); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(indexPath)

	second := writeModel(t, root, "m", map[string]int{"b.bin": 20})

	_, err := m.Register(ctx, "m", second)
	if !errors.Is(err, ErrModelAlreadyExists) {
		t.Fatalf("Register() error = %v, want ErrModelAlreadyExists", err)
	}
	after, _ := os.ReadFile(indexPath)
	if !bytes.Equal(before, after) {
		t.Error("failed Register changed the index file")
	}

	info, err := m.Register(ctx, "m", second, WithOverwrite())
	if err != nil {
		t.Fatalf("Register(WithOverwrite) error = %v", err)
	}

	want := []ModelFile{{Path: "b.bin", Size: 20}}
	if diff := cmp.Diff(want, info.Files); diff != "" {
		t.Errorf("Files mismatch (-want +got):\n%s", diff)
	}
	got, _ := m.Lookup("m")
	if diff := cmp.Diff(want, got.Files); diff != "" {
		t.Errorf("Lookup Files mismatch (-want +got):\n%s", diff)
	}
}

func TestRegisterOverwriteLogsReplacement(t *testing.T) {
	root := t.TempDir()
	log := &recordingLogger{}
	m := openTestManager(t, root, WithLogger(log))
	ctx := context.Background()

	files := writeModel(t, root, "m", map[string]int{"a": 1})
	if _, err := m.Register(ctx, "m", files); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Register(ctx, "m", files, WithOverwrite()); err != nil {
		t.Fatal(err)
	}

	if !log.contains("INFO", "replaced") {
		t.Errorf("no replacement log line in %v", log.lines)
	}
}

func TestRegisterIncompleteDownload(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, dir string)
		files []SourceFile
	}{
		{
			name:  "missing file",
			setup: func(t *testing.T, dir string) { writeTestFile(t, filepath.Join(dir, "a"), 5) },
			files: []SourceFile{{Path: "a", Size: 5}, {Path: "b", Size: 5}},
		},
		{
			name:  "zero length when size expected",
			setup: func(t *testing.T, dir string) { writeTestFile(t, filepath.Join(dir, "a"), 0) },
			files: []SourceFile{{Path: "a", Size: 1024}},
		},
		{
			name:  "size mismatch",
			setup: func(t *testing.T, dir string) { writeTestFile(t, filepath.Join(dir, "a"), 512) },
			files: []SourceFile{{Path: "a", Size: 1024}},
		},
		{
			name: "directory instead of file",
			setup: func(t *testing.T, dir string) {
				if err := os.MkdirAll(filepath.Join(dir, "a"), 0o755); err != nil {
					t.Fatal(err)
				}
			},
			files: []SourceFile{{Path: "a"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			m := openTestManager(t, root)
			tt.setup(t, filepath.Join(root, "m"))

			_, err := m.Register(context.Background(), "m", tt.files)
			if !errors.Is(err, ErrIncompleteDownload) {
				t.Fatalf("Register() error = %v, want ErrIncompleteDownload", err)
			}
			if KindOf(err) != KindIncompleteDownload {
				t.Errorf("KindOf() = %q", KindOf(err))
			}
			if _, err := m.Lookup("m"); !errors.Is(err, ErrNotFound) {
				t.Errorf("model registered despite failure: %v", err)
			}
			if _, err := os.Stat(filepath.Join(root, IndexFileName)); !os.IsNotExist(err) {
				t.Error("index file written despite failure")
			}
		})
	}
}

func TestRegisterRequiresModelDirectory(t *testing.T) {
	root := t.TempDir()
	m := openTestManager(t, root)
	ctx := context.Background()

	_, err := m.Register(ctx, "ghost", nil)
	if !errors.Is(err, ErrIncompleteDownload) {
		t.Fatalf("Register(ghost) error = %v, want ErrIncompleteDownload", err)
	}
	if _, err := os.Stat(filepath.Join(root, IndexFileName)); !os.IsNotExist(err) {
		t.Error("index file written for a model without a directory")
	}

	writeTestFile(t, filepath.Join(root, "flat"), 4)
	if _, err := m.Register(ctx, "flat", nil); !errors.Is(err, ErrIncompleteDownload) {
		t.Errorf("Register(flat) error = %v, want ErrIncompleteDownload", err)
	}

	if err := os.Mkdir(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Register(ctx, "empty", nil); err != nil {
		t.Fatalf("Register(empty) error = %v", err)
	}
	if _, err := openTestManager(t, root).Lookup("empty"); err != nil {
		t.Errorf("empty model lost after reopen: %v", err)
	}
}

func TestRegisterDirectoryRemovedWhileWaiting(t *testing.T) {
	root := t.TempDir()
	m := openTestManager(t, root, WithLockTimeout(5*time.Second))
	files := writeModel(t, root, "m", map[string]int{"a": 1})

	holder := newFileLock(filepath.Join(root, LockFileName))
	if err := holder.Lock(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.Register(context.Background(), "m", files)
		done <- err
	}()

	// The holder deletes the directory before letting go of the lock.
	time.Sleep(50 * time.Millisecond)
	if err := os.RemoveAll(filepath.Join(root, "m")); err != nil {
		t.Fatal(err)
	}
	if err := holder.Unlock(); err != nil {
		t.Fatal(err)
	}

	if err := <-done; !errors.Is(err, ErrIncompleteDownload) {
		t.Fatalf("Register() error = %v, want ErrIncompleteDownload", err)
	}
	if _, err := m.Lookup("m"); !errors.Is(err, ErrNotFound) {
		t.Errorf("entry registered without a directory: %v", err)
	}
}

func TestRegisterZeroSizeRecordsActual(t *testing.T) {
	root := t.TempDir()
	m := openTestManager(t, root)
	writeTestFile(t, filepath.Join(root, "m", "a"), 77)

	info, err := m.Register(context.Background(), "m", []SourceFile{{Path: "a"}})
	if err != nil {
		t.Fatal(err)
	}
	if info.Files[0].Size != 77 {
		t.Errorf("Size = %d, want 77", info.Files[0].Size)
	}
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		files   []SourceFile
		wantErr error
	}{
		{"empty id", "", nil, ErrInvalidModelID},
		{"traversal id", "../evil", nil, ErrInvalidModelID},
		{"absolute path", "m", []SourceFile{{Path: "/etc/passwd", Size: 1}}, ErrInvalidPath},
		{"escaping path", "m", []SourceFile{{Path: "../other/x", Size: 1}}, ErrInvalidPath},
		{"negative size", "m", []SourceFile{{Path: "a", Size: -1}}, ErrInvalidSize},
		{"duplicate path", "m", []SourceFile{{Path: "a", Size: 1}, {Path: "./a", Size: 1}}, ErrDuplicateFile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := openTestManager(t, t.TempDir())
			_, err := m.Register(context.Background(), tt.id, tt.files)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Register() error = %v, want %v", err, tt.wantErr)
			}
			if len(m.List()) != 0 {
				t.Error("invalid input reached the index")
			}
		})
	}
}

func TestRegisterConcurrent(t *testing.T) {
	const n = 16
	root := t.TempDir()
	m := openTestManager(t, root)

	inputs := make([][]SourceFile, n)
	for i := 0; i < n; i++ {
		inputs[i] = writeModel(t, root, fmt.Sprintf("model-%02d", i), map[string]int{"w.bin": 100 + i})
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Register(context.Background(), fmt.Sprintf("model-%02d", i), inputs[i])
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Register(model-%02d) error = %v", i, err)
		}
	}

	// A fresh manager sees exactly what the file holds.
	fresh := openTestManager(t, root)
	list := fresh.List()
	if len(list) != n {
		t.Fatalf("index has %d entries, want %d", len(list), n)
	}
	for i, info := range list {
		want := []ModelFile{{Path: "w.bin", Size: int64(100 + i)}}
		if diff := cmp.Diff(want, info.Files); diff != "" {
			t.Errorf("%s files mismatch (-want +got):\n%s", info.ModelID, diff)
		}
	}
}

func TestTwoManagersSameRoot(t *testing.T) {
	const perManager = 8
	root := t.TempDir()
	m1 := openTestManager(t, root)
	m2 := openTestManager(t, root)

	var wg sync.WaitGroup
	errc := make(chan error, 2*perManager)
	for i := 0; i < perManager; i++ {
		for j, m := range []Manager{m1, m2} {
			m := m
			id := fmt.Sprintf("m%d-%d", j, i)
			files := writeModel(t, root, id, map[string]int{"f": 1})
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := m.Register(context.Background(), id, files); err != nil {
					errc <- err
				}
			}()
		}
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		t.Errorf("Register() error = %v", err)
	}

	// No manager overwrote the other's entries.
	if got := len(openTestManager(t, root).List()); got != 2*perManager {
		t.Errorf("index has %d entries, want %d", got, 2*perManager)
	}

	// Reads are served from memory until Reload.
	files := writeModel(t, root, "late", map[string]int{"f": 1})
	if _, err := m2.Register(context.Background(), "late", files); err != nil {
		t.Fatal(err)
	}
	if _, err := m1.Lookup("late"); !errors.Is(err, ErrNotFound) {
		t.Errorf("m1 saw another manager's write before Reload: %v", err)
	}
	if err := m1.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if _, err := m1.Lookup("late"); err != nil {
		t.Errorf("Lookup after Reload error = %v", err)
	}
}

func TestRegisterLockTimeout(t *testing.T) {
	root := t.TempDir()
	m := openTestManager(t, root, WithLockTimeout(100*time.Millisecond))
	ctx := context.Background()
	indexPath := filepath.Join(root, IndexFileName)

	files := writeModel(t, root, "existing", map[string]int{"a": 1})
	if _, err := m.Register(ctx, "existing", files); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(indexPath)

	// Another process holds the lock.
	holder := newFileLock(filepath.Join(root, LockFileName))
	if err := holder.Lock(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	defer holder.Unlock()

	files = writeModel(t, root, "blocked", map[string]int{"a": 1})
	start := time.Now()
	_, err := m.Register(ctx, "blocked", files)
	if !errors.Is(err, ErrIndexLocked) {
		t.Fatalf("Register() error = %v, want ErrIndexLocked", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("Register gave up after %v, before the timeout", elapsed)
	}

	after, _ := os.ReadFile(indexPath)
	if !bytes.Equal(before, after) {
		t.Error("index changed while the lock was held elsewhere")
	}
	if _, err := m.Lookup("blocked"); !errors.Is(err, ErrNotFound) {
		t.Error("blocked model is visible")
	}

	// Remove is guarded the same way.
	if err := m.Remove(ctx, "existing"); !errors.Is(err, ErrIndexLocked) {
		t.Errorf("Remove() error = %v, want ErrIndexLocked", err)
	}
	if _, err := os.Stat(filepath.Join(root, "existing")); err != nil {
		t.Error("directory deleted although Remove failed")
	}
}

func TestTryRegisterFailsFast(t *testing.T) {
	root := t.TempDir()
	m := openTestManager(t, root, WithLockTimeout(10*time.Second))
	ctx := context.Background()

	holder := newFileLock(filepath.Join(root, LockFileName))
	if err := holder.Lock(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	defer holder.Unlock()

	files := writeModel(t, root, "m", map[string]int{"a": 1})
	start := time.Now()
	_, err := m.TryRegister(ctx, "m", files)
	if !errors.Is(err, ErrIndexLocked) {
		t.Fatalf("TryRegister() error = %v, want ErrIndexLocked", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("TryRegister took %v, want immediate failure", elapsed)
	}

	if err := m.TryRemove(ctx, "m"); !errors.Is(err, ErrIndexLocked) {
		t.Errorf("TryRemove() error = %v, want ErrIndexLocked", err)
	}
}

func TestRegisterCancelledBeforeLock(t *testing.T) {
	root := t.TempDir()
	m := openTestManager(t, root)
	files := writeModel(t, root, "m", map[string]int{"a": 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Register(ctx, "m", files)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Register() error = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(filepath.Join(root, IndexFileName)); !os.IsNotExist(err) {
		t.Error("cancelled Register wrote the index")
	}
	if len(m.List()) != 0 {
		t.Error("cancelled Register changed the in-memory index")
	}
}

func TestRegisterCancelledWhileWaiting(t *testing.T) {
	root := t.TempDir()
	m := openTestManager(t, root, WithLockTimeout(10*time.Second))

	holder := newFileLock(filepath.Join(root, LockFileName))
	if err := holder.Lock(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	defer holder.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	files := writeModel(t, root, "m", map[string]int{"a": 1})
	_, err := m.Register(ctx, "m", files)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Register() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestVerify(t *testing.T) {
	root := t.TempDir()
	m := openTestManager(t, root)
	ctx := context.Background()

	files := writeModel(t, root, "m", map[string]int{"weights.bin": 1024, "config.json": 10, "vocab.txt": 5})
	if _, err := m.Register(ctx, "m", files); err != nil {
		t.Fatal(err)
	}
	registered, _ := m.Lookup("m")

	t.Run("intact", func(t *testing.T) {
		got, err := m.Verify(ctx, "m")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 0 {
			t.Errorf("Verify() = %v, want no mismatches", got)
		}
	})

	t.Run("truncated file", func(t *testing.T) {
		if err := os.Truncate(filepath.Join(root, "m", "weights.bin"), 10); err != nil {
			t.Fatal(err)
		}

		got, err := m.Verify(ctx, "m")
		if err != nil {
			t.Fatal(err)
		}
		want := []Mismatch{{Path: "weights.bin", Problem: ProblemSize, Expected: "1024", Actual: "10"}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Verify() mismatch (-want +got):\n%s", diff)
		}

		after, _ := m.Lookup("m")
		if diff := cmp.Diff(registered, after); diff != "" {
			t.Errorf("Verify changed the index entry (-before +after):\n%s", diff)
		}
	})

	t.Run("missing and replaced by directory", func(t *testing.T) {
		if err := os.Remove(filepath.Join(root, "m", "config.json")); err != nil {
			t.Fatal(err)
		}
		vocab := filepath.Join(root, "m", "vocab.txt")
		if err := os.Remove(vocab); err != nil {
			t.Fatal(err)
		}
		if err := os.Mkdir(vocab, 0o755); err != nil {
			t.Fatal(err)
		}

		got, err := m.Verify(ctx, "m")
		if err != nil {
			t.Fatal(err)
		}
		problems := map[string]Problem{}
		for _, mm := range got {
			problems[mm.Path] = mm.Problem
		}
		want := map[string]Problem{
			"weights.bin": ProblemSize,
			"config.json": ProblemMissing,
			"vocab.txt":   ProblemNotRegular,
		}
		if diff := cmp.Diff(want, problems); diff != "" {
			t.Errorf("problems mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("unknown model", func(t *testing.T) {
		if _, err := m.Verify(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Verify() error = %v, want ErrNotFound", err)
		}
	})
}

func TestHashPolicies(t *testing.T) {
	ctx := context.Background()

	// corrupt rewrites a file with the same size but different bytes.
	corrupt := func(t *testing.T, path string) {
		t.Helper()
		if err := os.WriteFile(path, bytes.Repeat([]byte("y"), 64), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("off records no hash", func(t *testing.T) {
		root := t.TempDir()
		m := openTestManager(t, root)
		files := writeModel(t, root, "m", map[string]int{"a": 64})
		info, err := m.Register(ctx, "m", files)
		if err != nil {
			t.Fatal(err)
		}
		if info.Files[0].SHA256 != "" {
			t.Errorf("SHA256 = %q, want empty", info.Files[0].SHA256)
		}
	})

	t.Run("record checks only on demand", func(t *testing.T) {
		root := t.TempDir()
		m := openTestManager(t, root, WithHashPolicy(HashRecord))
		files := writeModel(t, root, "m", map[string]int{"a": 64})
		info, err := m.Register(ctx, "m", files)
		if err != nil {
			t.Fatal(err)
		}
		if len(info.Files[0].SHA256) != 64 {
			t.Fatalf("SHA256 = %q, want a hex digest", info.Files[0].SHA256)
		}

		corrupt(t, filepath.Join(root, "m", "a"))

		got, err := m.Verify(ctx, "m")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 0 {
			t.Errorf("Verify() without content check = %v, want none", got)
		}

		got, err = m.Verify(ctx, "m", WithContentCheck())
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].Problem != ProblemHash {
			t.Errorf("Verify(WithContentCheck) = %v, want one hash mismatch", got)
		}
	})

	t.Run("strict checks every time", func(t *testing.T) {
		root := t.TempDir()
		m := openTestManager(t, root, WithHashPolicy(HashStrict))
		files := writeModel(t, root, "m", map[string]int{"a": 64})
		if _, err := m.Register(ctx, "m", files); err != nil {
			t.Fatal(err)
		}

		corrupt(t, filepath.Join(root, "m", "a"))

		got, err := m.Verify(ctx, "m")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].Problem != ProblemHash {
			t.Errorf("Verify() = %v, want one hash mismatch", got)
		}
	})

	t.Run("expected hash mismatch fails register", func(t *testing.T) {
		root := t.TempDir()
		m := openTestManager(t, root, WithHashPolicy(HashRecord))
		writeTestFile(t, filepath.Join(root, "m", "a"), 64)

		_, err := m.Register(ctx, "m", []SourceFile{{Path: "a", Size: 64, SHA256: strings.Repeat("0", 64)}})
		if !errors.Is(err, ErrIncompleteDownload) {
			t.Errorf("Register() error = %v, want ErrIncompleteDownload", err)
		}
	})
}

func TestRemoveScenario(t *testing.T) {
	root := filepath.Join(t.TempDir(), "models")
	m := openTestManager(t, root)
	ctx := context.Background()

	writeTestFile(t, filepath.Join(root, "clip-vit", "weights.bin"), 1024)
	if _, err := m.Register(ctx, "clip-vit", []SourceFile{{Path: "weights.bin", Size: 1024}}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := m.Remove(ctx, "clip-vit"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if _, err := m.Lookup("clip-vit"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup() error = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(filepath.Join(root, "clip-vit")); !os.IsNotExist(err) {
		t.Errorf("model directory still exists: %v", err)
	}

	// The index file no longer lists it either.
	if got := len(openTestManager(t, root).List()); got != 0 {
		t.Errorf("index file has %d entries, want 0", got)
	}

	if err := m.Remove(ctx, "clip-vit"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}
}

func TestReservedIDsKeepIndex(t *testing.T) {
	root := t.TempDir()
	m := openTestManager(t, root)
	ctx := context.Background()

	files := writeModel(t, root, "clip-vit", map[string]int{"weights.bin": 1024})
	if _, err := m.Register(ctx, "clip-vit", files); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{IndexFileName, LockFileName, "Model_Index.json"} {
		if _, err := m.Register(ctx, id, nil, WithOverwrite()); !errors.Is(err, ErrInvalidModelID) {
			t.Errorf("Register(%s) error = %v, want ErrInvalidModelID", id, err)
		}
		if err := m.Remove(ctx, id); !errors.Is(err, ErrInvalidModelID) {
			t.Errorf("Remove(%s) error = %v, want ErrInvalidModelID", id, err)
		}
	}

	if _, err := os.Stat(filepath.Join(root, IndexFileName)); err != nil {
		t.Fatalf("index file after remove: %v", err)
	}
	list := openTestManager(t, root).List()
	if len(list) != 1 || list[0].ModelID != "clip-vit" {
		t.Errorf("List() after reopen = %+v, want clip-vit", list)
	}
}

func TestRemoveNestedID(t *testing.T) {
	root := t.TempDir()
	m := openTestManager(t, root)
	ctx := context.Background()

	files := writeModel(t, root, "openai/clip", map[string]int{"w.bin": 8})
	if _, err := m.Register(ctx, "openai/clip", files); err != nil {
		t.Fatal(err)
	}

	if err := m.Remove(ctx, "openai/clip"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "openai")); !os.IsNotExist(err) {
		t.Error("empty org directory left behind")
	}
}

func TestReconcileDropsEntryWithoutDirectory(t *testing.T) {
	root := t.TempDir()
	m := openTestManager(t, root)
	ctx := context.Background()

	for _, id := range []string{"gone", "kept"} {
		files := writeModel(t, root, id, map[string]int{"a": 1})
		if _, err := m.Register(ctx, id, files); err != nil {
			t.Fatal(err)
		}
	}

	// Deleted behind the registry's back.
	if err := os.RemoveAll(filepath.Join(root, "gone")); err != nil {
		t.Fatal(err)
	}

	log := &recordingLogger{}
	reopened := openTestManager(t, root, WithLogger(log))

	var ids []string
	for _, info := range reopened.List() {
		ids = append(ids, info.ModelID)
	}
	if diff := cmp.Diff([]string{"kept"}, ids); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
	if !log.contains("WARN", "gone") {
		t.Errorf("no warning about the dropped entry in %v", log.lines)
	}

	// The drop is persisted.
	idx, err := LoadIndex(filepath.Join(root, IndexFileName))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := idx.Get("gone"); ok {
		t.Error("dropped entry still in the index file")
	}
}

func TestReconcileLeavesUntrackedDirectory(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "stray", map[string]int{"weights.bin": 32})

	log := &recordingLogger{}
	m := openTestManager(t, root, WithLogger(log))

	if len(m.List()) != 0 {
		t.Errorf("untracked directory was registered: %v", m.List())
	}
	if _, err := os.Stat(filepath.Join(root, "stray", "weights.bin")); err != nil {
		t.Errorf("untracked directory was touched: %v", err)
	}
	if !log.contains("DEBUG", "stray") {
		t.Errorf("no debug line for the untracked directory in %v", log.lines)
	}

	// It can be adopted by registering it.
	files, err := m.Scan("stray")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Register(context.Background(), "stray", files); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
}

func TestReconcileWhileLockedKeepsDiskIndex(t *testing.T) {
	root := t.TempDir()
	m := openTestManager(t, root)
	files := writeModel(t, root, "gone", map[string]int{"a": 1})
	if _, err := m.Register(context.Background(), "gone", files); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(filepath.Join(root, "gone")); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(filepath.Join(root, IndexFileName))

	holder := newFileLock(filepath.Join(root, LockFileName))
	if err := holder.Lock(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	defer holder.Unlock()

	reopened := openTestManager(t, root, WithLockTimeout(50*time.Millisecond))
	if len(reopened.List()) != 0 {
		t.Errorf("List() = %v, want the missing model dropped in memory", reopened.List())
	}

	after, _ := os.ReadFile(filepath.Join(root, IndexFileName))
	if !bytes.Equal(before, after) {
		t.Error("index written without the lock")
	}
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	m := openTestManager(t, root)

	writeModel(t, root, "m", map[string]int{
		"weights.bin":         16,
		"tokenizer/vocab.txt": 4,
	})
	writeTestFile(t, filepath.Join(root, "m", "big.bin"+partialSuffix), 3)

	got, err := m.Scan("m")
	if err != nil {
		t.Fatal(err)
	}

	want := []SourceFile{{Path: "tokenizer/vocab.txt", Size: 4}, {Path: "weights.bin", Size: 16}}
	sortFiles := cmpopts.SortSlices(func(a, b SourceFile) bool { return a.Path < b.Path })
	if diff := cmp.Diff(want, got, sortFiles); diff != "" {
		t.Errorf("Scan() mismatch (-want +got):\n%s", diff)
	}

	if _, err := m.Scan("missing"); !errors.Is(err, ErrIncompleteDownload) {
		t.Errorf("Scan(missing) error = %v, want ErrIncompleteDownload", err)
	}
}

func TestModelDir(t *testing.T) {
	root := t.TempDir()
	m := openTestManager(t, root)

	dir, err := m.ModelDir("openai/clip")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(root, "openai", "clip"); dir != want {
		t.Errorf("ModelDir() = %q, want %q", dir, want)
	}

	if _, err := m.ModelDir("../escape"); !errors.Is(err, ErrInvalidModelID) {
		t.Errorf("ModelDir(../escape) error = %v, want ErrInvalidModelID", err)
	}
}

func TestListReturnsCopies(t *testing.T) {
	root := t.TempDir()
	m := openTestManager(t, root)
	files := writeModel(t, root, "m", map[string]int{"a": 1})
	if _, err := m.Register(context.Background(), "m", files); err != nil {
		t.Fatal(err)
	}

	list := m.List()
	list[0].Files[0].Size = 999

	got, _ := m.Lookup("m")
	if got.Files[0].Size != 1 {
		t.Error("mutating List() result changed the manager's index")
	}
}
