package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/szaher/convmem/internal/compaction"
	"github.com/szaher/convmem/internal/llm"
	"github.com/szaher/convmem/internal/memory"
)

// testStateStore exercises the get/put contract shared by every backend.
func testStateStore(t *testing.T, s memory.Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v; want absent", ok, err)
	}

	want := memory.State{
		History: []memory.Turn{
			{Role: llm.RoleUser, Content: "hi"},
			{Role: llm.RoleAssistant, Content: "hello"},
		},
		Summary: "prefers short answers",
	}
	if err := s.Put(ctx, "user/1", want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := s.Get(ctx, "user/1")
	if err != nil || !ok {
		t.Fatalf("Get = ok %v, err %v", ok, err)
	}
	if got.Summary != want.Summary || len(got.History) != 2 || got.History[1] != want.History[1] {
		t.Errorf("Get = %+v, want %+v", got, want)
	}

	// Overwrite replaces the whole state.
	if err := s.Put(ctx, "user/1", memory.State{}); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, ok, err = s.Get(ctx, "user/1")
	if err != nil || !ok {
		t.Fatalf("Get after overwrite = ok %v, err %v", ok, err)
	}
	if got.Summary != "" || len(got.History) != 0 {
		t.Errorf("Get after overwrite = %+v, want empty state", got)
	}

	// Keys are isolated.
	if _, ok, _ := s.Get(ctx, "user/2"); ok {
		t.Error("user/2 should not exist")
	}

	if err := s.Put(ctx, "", memory.State{}); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("Put with empty key: err = %v, want ErrEmptyKey", err)
	}
}

// testJobStore exercises the compaction.JobStore contract.
func testJobStore(t *testing.T, js compaction.JobStore) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := compaction.JobRecord{
		ID:  "01HZ0000000000000000000001",
		Key: "k",
		Params: compaction.Params{
			Key:             "k",
			History:         []memory.Turn{{Role: llm.RoleUser, Content: "hi"}},
			ExistingSummary: "old",
		},
		Step:      compaction.StepSummarize,
		Status:    compaction.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := js.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dup := rec
	dup.ID = "01HZ0000000000000000000002"
	if err := js.Create(ctx, dup); !errors.Is(err, compaction.ErrJobActive) {
		t.Fatalf("Create duplicate active: err = %v, want ErrJobActive", err)
	}

	rec.Step = compaction.StepWriteBack
	rec.Summary = "new"
	rec.Status = compaction.StatusCompleted
	if err := js.Update(ctx, rec); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Once the first job is no longer active, a new one may be created.
	if err := js.Create(ctx, dup); err != nil {
		t.Fatalf("Create after completion: %v", err)
	}

	got, err := js.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Step != compaction.StepWriteBack || got.Summary != "new" || got.Params.ExistingSummary != "old" {
		t.Errorf("Get = %+v", got)
	}
	if len(got.Params.History) != 1 || got.Params.History[0].Content != "hi" {
		t.Errorf("params history not round-tripped: %+v", got.Params.History)
	}

	list, err := js.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != rec.ID || list[1].ID != dup.ID {
		t.Errorf("List order = %v", list)
	}

	if _, err := js.Get(ctx, "nope"); !errors.Is(err, compaction.ErrJobNotFound) {
		t.Errorf("Get(nope): err = %v, want ErrJobNotFound", err)
	}
	missing := rec
	missing.ID = "nope"
	if err := js.Update(ctx, missing); !errors.Is(err, compaction.ErrJobNotFound) {
		t.Errorf("Update(nope): err = %v, want ErrJobNotFound", err)
	}

	old := now.Add(-48 * time.Hour)
	for _, r := range []compaction.JobRecord{
		{ID: "01HZ0000000000000000000003", Key: "failed", Status: compaction.StatusFailed, Step: compaction.StepSummarize, UpdatedAt: old},
		{ID: "01HZ0000000000000000000004", Key: "stuck", Status: compaction.StatusRunning, Step: compaction.StepWriteBack, UpdatedAt: old},
	} {
		if err := js.Create(ctx, r); err != nil {
			t.Fatalf("Create %s: %v", r.Key, err)
		}
	}

	n, err := js.DeleteFinished(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteFinished: %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteFinished(-1h) = %d, want 1", n)
	}
	if _, err := js.Get(ctx, "01HZ0000000000000000000003"); !errors.Is(err, compaction.ErrJobNotFound) {
		t.Errorf("old failed job survived: err = %v", err)
	}

	n, err = js.DeleteFinished(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteFinished: %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteFinished(+1h) = %d, want 1", n)
	}
	list, err = js.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var ids []string
	for _, r := range list {
		ids = append(ids, r.ID)
	}
	want := []string{dup.ID, "01HZ0000000000000000000004"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("after prune List = %v, want %v (active jobs are kept)", ids, want)
	}
}

func TestMemoryStore(t *testing.T) {
	testStateStore(t, NewMemoryStore())
}

func TestMemoryStoreCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	st := memory.State{History: []memory.Turn{{Role: llm.RoleUser, Content: "a"}}}
	if err := s.Put(ctx, "k", st); err != nil {
		t.Fatal(err)
	}
	st.History[0].Content = "changed"

	got, _, _ := s.Get(ctx, "k")
	if got.History[0].Content != "a" {
		t.Errorf("store aliased caller's slice: %q", got.History[0].Content)
	}
	got.History[0].Content = "changed again"
	again, _, _ := s.Get(ctx, "k")
	if again.History[0].Content != "a" {
		t.Errorf("Get returned shared slice: %q", again.History[0].Content)
	}
}

func TestMemoryJobStore(t *testing.T) {
	testJobStore(t, compaction.NewMemoryJobStore())
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	testStateStore(t, s)

	// Keys with path separators are escaped into a single file.
	if _, err := os.Stat(filepath.Join(dir, "state", "user%2F1.json")); err != nil {
		t.Errorf("expected escaped file name: %v", err)
	}
	entries, _ := os.ReadDir(filepath.Join(dir, "state"))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".state-") {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestFileStoreCorrupt(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "k.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get(context.Background(), "k"); err == nil {
		t.Error("expected decode error for corrupt file")
	}
}

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "convmem.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	testStateStore(t, openTestSQLite(t))
}

func TestSQLiteJobStore(t *testing.T) {
	testJobStore(t, openTestSQLite(t).Jobs())
}

func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convmem.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "k", memory.State{Summary: "kept"}); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || got.Summary != "kept" {
		t.Errorf("after reopen: %+v ok=%v err=%v", got, ok, err)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("CONVMEM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CONVMEM_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer s.Close()
	if _, err := s.pool.Exec(ctx, `TRUNCATE conversations, compaction_jobs`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	testStateStore(t, s)
	testJobStore(t, s.Jobs())
}

func TestEtcdStore(t *testing.T) {
	endpoints := os.Getenv("CONVMEM_TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("CONVMEM_TEST_ETCD_ENDPOINTS not set")
	}
	prefix := fmt.Sprintf("/convmem-test/%d/", time.Now().UnixNano())
	s, err := OpenEtcd(strings.Split(endpoints, ","), prefix)
	if err != nil {
		t.Fatalf("OpenEtcd: %v", err)
	}
	defer s.Close()
	testStateStore(t, s)
}

// fakeS3 is an in-memory S3API.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	fake := &fakeS3{}
	testStateStore(t, NewS3Store(fake, "bucket", "conversations/"))

	if _, ok := fake.objects["bucket/conversations/user%2F1.json"]; !ok {
		t.Errorf("unexpected object keys: %v", fake.objects)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "memory", cfg: Config{Driver: DriverMemory}},
		{name: "file", cfg: Config{Driver: DriverFile, Path: filepath.Join(t.TempDir(), "files")}},
		{name: "sqlite", cfg: Config{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "c.db")}},
		{name: "unknown", cfg: Config{Driver: "redis"}, wantErr: true},
		{name: "s3 without bucket", cfg: Config{Driver: DriverS3}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Open(ctx, tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer b.Close()
			if b.State == nil || b.Jobs == nil {
				t.Fatalf("incomplete backend: %+v", b)
			}
			testStateStore(t, b.State)
		})
	}
}
