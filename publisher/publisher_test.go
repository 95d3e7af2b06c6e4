package publisher

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	writerbackends "videoworker/writerBackends"
)

// recordingStore keeps objects in memory and fails keys listed in failKeys.
type recordingStore struct {
	mu       sync.Mutex
	buckets  map[string]bool
	objects  map[string]string
	types    map[string]string
	failKeys map[string]bool
	creates  int
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		buckets:  map[string]bool{},
		objects:  map[string]string{},
		types:    map[string]string{},
		failKeys: map[string]bool{},
	}
}

func (s *recordingStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buckets[bucket], nil
}

func (s *recordingStore) CreateBucket(ctx context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	s.buckets[bucket] = true
	return nil
}

func (s *recordingStore) PutObject(ctx context.Context, bucket, key string, r io.Reader, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failKeys[key] {
		return errors.New("upload rejected")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.objects[bucket+"/"+key] = string(data)
	s.types[key] = contentType
	return nil
}

func (s *recordingStore) ListBuckets(ctx context.Context) ([]string, error) { return nil, nil }
func (s *recordingStore) Close() error { return nil }

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return root
}

var hlsTree = map[string]string{
	"index.m3u8":        "#EXTM3U",
	"720p/index.m3u8":   "#EXTM3U 720",
	"720p/seg_000.ts":   "seg0",
	"720p/seg_001.ts":   "seg1",
	"thumbs/poster.jpg": "jpg",
}

func TestPublishTreeUploadsEveryFile(t *testing.T) {
	store := newRecordingStore()
	pub := New(store)
	root := writeTree(t, hlsTree)

	res, err := pub.PublishTree(context.Background(), "lms-videos", root, "courses/job-1")
	if err != nil {
		t.Fatalf("PublishTree failed: %v", err)
	}
	if res.Attempted != len(hlsTree) || res.Succeeded != len(hlsTree) {
		t.Errorf("Expected %d files published, got %+v", len(hlsTree), res)
	}
	if res.Status() != StatusComplete {
		t.Errorf("Expected complete status, got %s", res.Status())
	}
	for rel, content := range hlsTree {
		key := "lms-videos/courses/job-1/" + rel
		if store.objects[key] != content {
			t.Errorf("Object %s: expected %q, got %q", key, content, store.objects[key])
		}
	}
	if store.types["courses/job-1/720p/seg_000.ts"] != "video/mp2t" {
		t.Errorf("Unexpected content type %q", store.types["courses/job-1/720p/seg_000.ts"])
	}
}

func TestPublishTreeWithoutPrefix(t *testing.T) {
	store := newRecordingStore()
	root := writeTree(t, map[string]string{"a/b.txt": "x"})

	if _, err := New(store).PublishTree(context.Background(), "b", root, ""); err != nil {
		t.Fatalf("PublishTree failed: %v", err)
	}
	if _, ok := store.objects["b/a/b.txt"]; !ok {
		t.Errorf("Expected key a/b.txt, got %v", store.objects)
	}
}

func TestPublishTreeMissingRoot(t *testing.T) {
	store := newRecordingStore()
	_, err := New(store).PublishTree(context.Background(), "b", filepath.Join(t.TempDir(), "absent"), "p")
	if !errors.Is(err, ErrRootNotFound) {
		t.Fatalf("Expected ErrRootNotFound, got %v", err)
	}
	if len(store.objects) != 0 {
		t.Error("Nothing should be uploaded for a missing root")
	}
}

func TestPublishTreeIsolatesFailures(t *testing.T) {
	store := newRecordingStore()
	store.failKeys["job/720p/seg_000.ts"] = true
	root := writeTree(t, hlsTree)

	res, err := New(store).PublishTree(context.Background(), "b", root, "job")
	if err != nil {
		t.Fatalf("Per-file failures must not fail the call: %v", err)
	}
	if res.Attempted != len(hlsTree) || res.Succeeded != len(hlsTree)-1 {
		t.Errorf("Unexpected counts %+v", res)
	}
	if res.Status() != StatusPartial {
		t.Errorf("Expected partial status, got %s", res.Status())
	}
	if !slices.Equal(res.FailedKeys(), []string{"job/720p/seg_000.ts"}) {
		t.Errorf("Unexpected failed keys %v", res.FailedKeys())
	}
	if _, ok := store.objects["b/job/720p/seg_001.ts"]; !ok {
		t.Error("Files after the failing one must still be published")
	}
}

func TestPublishTreeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	local := writerbackends.NewLocalStore(base)
	pub := New(local)
	root := writeTree(t, hlsTree)

	first, err := pub.PublishTree(ctx, "videos", root, "job-1")
	if err != nil {
		t.Fatalf("First publish failed: %v", err)
	}
	second, err := pub.PublishTree(ctx, "videos", root, "job-1")
	if err != nil {
		t.Fatalf("Second publish failed: %v", err)
	}
	if first.Succeeded != second.Succeeded || second.Status() != StatusComplete {
		t.Errorf("Republishing changed the outcome: %+v vs %+v", first, second)
	}

	var count int
	filepath.WalkDir(filepath.Join(base, "videos"), func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			count++
		}
		return nil
	})
	if count != len(hlsTree) {
		t.Errorf("Expected %d stored files, got %d", len(hlsTree), count)
	}
	data, _ := os.ReadFile(filepath.Join(base, "videos", "job-1", "720p", "index.m3u8"))
	if !strings.HasPrefix(string(data), "#EXTM3U") {
		t.Errorf("Unexpected stored playlist %q", data)
	}
}

func TestPublishTreeEmptyDirectory(t *testing.T) {
	res, err := New(newRecordingStore()).PublishTree(context.Background(), "b", t.TempDir(), "p")
	if err != nil {
		t.Fatalf("PublishTree failed: %v", err)
	}
	if res.Status() != StatusEmpty {
		t.Errorf("Expected empty status, got %s", res.Status())
	}
}

func TestEnsureContainerCreatesOnlyWhenMissing(t *testing.T) {
	store := newRecordingStore()
	pub := New(store)
	ctx := context.Background()

	if err := pub.EnsureContainer(ctx, "videos"); err != nil {
		t.Fatalf("EnsureContainer failed: %v", err)
	}
	if err := pub.EnsureContainer(ctx, "videos"); err != nil {
		t.Fatalf("EnsureContainer failed: %v", err)
	}
	if store.creates != 1 {
		t.Errorf("Expected one bucket creation, got %d", store.creates)
	}
}

func TestResultStatus(t *testing.T) {
	cases := []struct {
		res  Result
		want Status
	}{
		{Result{}, StatusEmpty},
		{Result{Attempted: 2, Succeeded: 2}, StatusComplete},
		{Result{Attempted: 2, Succeeded: 1}, StatusPartial},
		{Result{Attempted: 2}, StatusFailed},
	}
	for _, tc := range cases {
		if got := tc.res.Status(); got != tc.want {
			t.Errorf("%+v: expected %s, got %s", tc.res, tc.want, got)
		}
	}
}
