package pipeline

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/mjc/reencodarr/internal/models"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupPipelineTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Library{},
		&models.Video{},
		&models.Vmaf{},
		&models.VideoFailure{},
	))
	return db
}

// fakeRunner is a scriptable SubprocessRunner. Each Run emits the
// scripted lines, optionally writes the output file, and returns the
// scripted error for that run.
type fakeRunner struct {
	mu           sync.Mutex
	script       []fakeRun
	runs         [][]string
	pid          int
	lastProgress time.Time
	killedPIDs   []int
}

type fakeRun struct {
	lines      []string
	output     string // content written to outputPath, "" skips the write
	err        error
	outputFile func(path string) // custom output hook, overrides output
}

func (f *fakeRunner) Run(ctx context.Context, stage models.Stage, args []string, outputPath string, timeout time.Duration, onLine func(string)) error {
	f.mu.Lock()
	f.runs = append(f.runs, args)
	var run fakeRun
	if len(f.script) > 0 {
		run = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()

	for _, line := range run.lines {
		onLine(line)
	}
	if run.outputFile != nil && outputPath != "" {
		run.outputFile(outputPath)
	} else if run.output != "" && outputPath != "" {
		writeTestFile(outputPath, run.output)
	}
	return run.err
}

func (f *fakeRunner) Touch() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastProgress = time.Now()
}

func (f *fakeRunner) PID() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pid
}

func (f *fakeRunner) ProgressTimestamp() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastProgress
}

func (f *fakeRunner) Kill(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killedPIDs = append(f.killedPIDs, pid)
	f.pid = 0
}

func (f *fakeRunner) OutputTail() []string { return nil }

func (f *fakeRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func (f *fakeRunner) killed() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.killedPIDs...)
}

func writeTestFile(path, content string) {
	_ = os.WriteFile(path, []byte(content), 0o644)
}
