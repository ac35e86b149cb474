package voice

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/discord-voice-agent/internal/logging"
)

// artifactPrefixes are the names the pipeline writes into its work dir.
var artifactPrefixes = []string{"audio_", "tts_"}

// Janitor removes artifacts that outlived their pipeline, such as clips
// orphaned by a crash. It never touches files it did not name.
type Janitor struct {
	Dir       string
	Interval  time.Duration
	Retention time.Duration
	MaxFiles  int

	clock clock.Clock
	log   logging.Logger
}

func NewJanitor(dir string, interval, retention time.Duration, maxFiles int, clk clock.Clock, log logging.Logger) *Janitor {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Janitor{Dir: dir, Interval: interval, Retention: retention, MaxFiles: maxFiles, clock: clk, log: log}
}

// Run sweeps every Interval until ctx ends. A zero Interval disables it.
func (j *Janitor) Run(ctx context.Context) {
	if j.Interval <= 0 {
		return
	}
	ticker := j.clock.Ticker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := j.Sweep(); n > 0 {
				j.log.Infow("janitor: removed stale artifacts", "count", n, "dir", j.Dir)
			}
		}
	}
}

type artifactInfo struct {
	path string
	mod  time.Time
}

// Sweep removes artifacts older than Retention, then the oldest ones beyond
// MaxFiles. It returns how many files were removed.
func (j *Janitor) Sweep() int {
	entries, err := os.ReadDir(j.Dir)
	if err != nil {
		j.log.Debugw("janitor: read dir failed", "err", err)
		return 0
	}
	var files []artifactInfo
	for _, e := range entries {
		if e.IsDir() || !isArtifact(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, artifactInfo{path: filepath.Join(j.Dir, e.Name()), mod: info.ModTime()})
	}
	sort.Slice(files, func(a, b int) bool { return files[a].mod.Before(files[b].mod) })

	cutoff := j.clock.Now().Add(-j.Retention)
	removed := 0
	kept := files[:0]
	for _, f := range files {
		if j.Retention > 0 && f.mod.Before(cutoff) {
			if os.Remove(f.path) == nil {
				removed++
			}
			continue
		}
		kept = append(kept, f)
	}
	if j.MaxFiles > 0 && len(kept) > j.MaxFiles {
		for _, f := range kept[:len(kept)-j.MaxFiles] {
			if os.Remove(f.path) == nil {
				removed++
			}
		}
	}
	return removed
}

func isArtifact(name string) bool {
	for _, p := range artifactPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
