package sender

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Outbox is the on-disk payload queue. Files move through three name
// stages: resend_<ts>_<ms>_<rand>.json, then .retryN.json per failed
// attempt, then .fail when the retry budget is exhausted. Renames are
// atomic, which is the only coordination between producer and worker.
type Outbox struct {
	dir           string
	protectRecent time.Duration
}

// NewOutbox creates the directory if needed.
func NewOutbox(dir string, protectRecent time.Duration) (*Outbox, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create outbox directory: %w", err)
	}
	return &Outbox{dir: dir, protectRecent: protectRecent}, nil
}

// Dir returns the outbox directory path.
func (o *Outbox) Dir() string { return o.dir }

// File is one pending payload.
type File struct {
	Path    string
	Retries int
	ModTime time.Time
	Size    int64
}

var retryNameRe = regexp.MustCompile(`\.retry(\d+)\.json$`)

// Save persists one payload under a fresh resend_ name. The write goes
// through a temp file so a crash never leaves a truncated payload.
func (o *Outbox) Save(payload []byte, ts time.Time) (string, error) {
	name := fmt.Sprintf("resend_%s_%03d_%04x.json",
		ts.Format("20060102150405"),
		ts.Nanosecond()/int(time.Millisecond),
		rand.Intn(0x10000))
	path := filepath.Join(o.dir, name)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return "", fmt.Errorf("write outbox payload: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("commit outbox payload: %w", err)
	}
	return path, nil
}

// Delete removes a sent payload.
func (o *Outbox) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete outbox payload: %w", err)
	}
	return nil
}

// Bump renames the file to carry one more retry. When maxRetry >= 0 and
// the new count reaches it, the file is marked .fail instead. The
// returned path is the file's new name.
func (o *Outbox) Bump(path string, maxRetry int) (string, error) {
	retries := retryCount(path)
	next := retries + 1
	if maxRetry >= 0 && next >= maxRetry {
		return o.fail(path)
	}

	base := stripSuffix(path)
	newPath := fmt.Sprintf("%s.retry%d.json", base, next)
	if err := os.Rename(path, newPath); err != nil {
		return "", fmt.Errorf("bump outbox retry: %w", err)
	}
	return newPath, nil
}

func (o *Outbox) fail(path string) (string, error) {
	newPath := stripSuffix(path) + ".fail"
	if err := os.Rename(path, newPath); err != nil {
		return "", fmt.Errorf("mark outbox payload failed: %w", err)
	}
	return newPath, nil
}

// stripSuffix removes the .json / .retryN.json tail, leaving the
// resend_<ts>_<ms>_<rand> stem.
func stripSuffix(path string) string {
	if m := retryNameRe.FindStringIndex(path); m != nil {
		return path[:m[0]]
	}
	return strings.TrimSuffix(path, ".json")
}

// retryCount parses the retry counter out of the filename. Fresh .json
// files count as zero.
func retryCount(path string) int {
	m := retryNameRe.FindStringSubmatch(path)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// Pending lists up to batch sendable files: retry files before fresh
// ones, FIFO by mtime within each group, excluding .fail files and files
// younger than protectRecent.
func (o *Outbox) Pending(batch int) ([]File, error) {
	files, err := o.list()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	eligible := files[:0]
	for _, f := range files {
		if strings.HasSuffix(f.Path, ".fail") || strings.HasSuffix(f.Path, ".tmp") {
			continue
		}
		if o.protectRecent > 0 && now.Sub(f.ModTime) < o.protectRecent {
			continue
		}
		eligible = append(eligible, f)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		ri, rj := eligible[i].Retries > 0, eligible[j].Retries > 0
		if ri != rj {
			return ri
		}
		return eligible[i].ModTime.Before(eligible[j].ModTime)
	})

	if batch > 0 && len(eligible) > batch {
		eligible = eligible[:batch]
	}
	return eligible, nil
}

// PendingCount returns the number of non-.fail files in the outbox.
func (o *Outbox) PendingCount() int {
	files, err := o.list()
	if err != nil {
		return 0
	}
	n := 0
	for _, f := range files {
		if !strings.HasSuffix(f.Path, ".fail") && !strings.HasSuffix(f.Path, ".tmp") {
			n++
		}
	}
	return n
}

func (o *Outbox) list() ([]File, error) {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return nil, fmt.Errorf("read outbox directory: %w", err)
	}
	out := make([]File, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "resend_") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(o.dir, e.Name())
		out = append(out, File{
			Path:    path,
			Retries: retryCount(path),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}
	return out, nil
}

// QuotaConfig tunes the disk budget cleanup.
type QuotaConfig struct {
	QuotaMB      int64 `yaml:"resend_quota_mb"`
	FSFreeMinMB  int64 `yaml:"fs_free_min_mb"`
	CleanupBatch int   `yaml:"resend_cleanup_batch"`
}

// EnforceQuota deletes the oldest files when the directory exceeds the
// quota or the filesystem runs low. Retryable files go before .fail
// files; recent files are never touched. Returns the number deleted.
func (o *Outbox) EnforceQuota(cfg QuotaConfig) (int, error) {
	if cfg.QuotaMB <= 0 && cfg.FSFreeMinMB <= 0 {
		return 0, nil
	}
	files, err := o.list()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}
	over := cfg.QuotaMB > 0 && total > cfg.QuotaMB<<20
	low := cfg.FSFreeMinMB > 0 && fsFreeBytes(o.dir) < cfg.FSFreeMinMB<<20
	if !over && !low {
		return 0, nil
	}

	// Oldest first, .fail files last in line for deletion.
	sort.SliceStable(files, func(i, j int) bool {
		fi, fj := strings.HasSuffix(files[i].Path, ".fail"), strings.HasSuffix(files[j].Path, ".fail")
		if fi != fj {
			return !fi
		}
		return files[i].ModTime.Before(files[j].ModTime)
	})

	batch := cfg.CleanupBatch
	if batch <= 0 {
		batch = 10
	}
	now := time.Now()
	deleted := 0
	for _, f := range files {
		if deleted >= batch {
			break
		}
		if o.protectRecent > 0 && now.Sub(f.ModTime) < o.protectRecent {
			continue
		}
		if err := os.Remove(f.Path); err == nil {
			deleted++
		}
	}
	return deleted, nil
}

func fsFreeBytes(dir string) int64 {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 1 << 62 // unknown, assume plenty
	}
	return int64(st.Bavail) * st.Bsize
}
