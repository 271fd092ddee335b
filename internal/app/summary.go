package app

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"klinevault/internal/config"
	"klinevault/internal/logger"
	"klinevault/internal/orchestrator"
)

type StartupSummary struct {
	Job     JobSummary
	Sources SourceSummary
	Storage StorageSummary
}

type JobSummary struct {
	Instrument  string
	Symbols     []string
	Timeframes  []string
	Start       time.Time
	End         time.Time
	Pairs       int
	Concurrency int
}

type SourceSummary struct {
	ArchiveURL  string
	CacheDir    string
	LiveEnabled bool
	BatchLimit  int
}

type StorageSummary struct {
	DataDir        string
	StateDir       string
	SQLitePath     string
	PersistPartial bool
	HTTPAddr       string
}

func newStartupSummary(cfg *config.Config, job orchestrator.Job) *StartupSummary {
	tfs := make([]string, len(job.Timeframes))
	for i, tf := range job.Timeframes {
		tfs[i] = tf.Key
	}
	return &StartupSummary{
		Job: JobSummary{
			Instrument:  string(job.Instrument),
			Symbols:     job.Symbols,
			Timeframes:  tfs,
			Start:       job.Start,
			End:         job.End,
			Pairs:       len(job.Pairs()),
			Concurrency: cfg.Jobs.MaxConcurrentPairs,
		},
		Sources: SourceSummary{
			ArchiveURL:  cfg.Archive.BaseURL,
			CacheDir:    cfg.Archive.CacheDir,
			LiveEnabled: cfg.Live.Enabled,
			BatchLimit:  cfg.Live.BatchLimit,
		},
		Storage: StorageSummary{
			DataDir:        cfg.Storage.DataDir,
			StateDir:       cfg.App.StateDir,
			SQLitePath:     cfg.Storage.SQLitePath,
			PersistPartial: cfg.Storage.PersistPartial,
			HTTPAddr:       cfg.App.HTTPAddr,
		},
	}
}

// Log 将摘要逐行写入日志，log_path 配置时也会落入日志文件。
func (s *StartupSummary) Log() {
	var buf bytes.Buffer
	s.Fprint(&buf)
	logger.InfoBlock(buf.String())
}

func (s *StartupSummary) Fprint(w io.Writer) {
	title := "启动配置摘要 (STARTUP SUMMARY)"
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len(title)/2, title)
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintln(w, "[任务 (JOB)]")
	fmt.Fprintf(w, "  合约类型: %s\n", s.Job.Instrument)
	fmt.Fprintf(w, "  币种: %s\n", formatList(s.Job.Symbols))
	fmt.Fprintf(w, "  周期: %s\n", formatList(s.Job.Timeframes))
	fmt.Fprintf(w, "  区间: %s → %s\n", s.Job.Start.UTC().Format(time.RFC3339), s.Job.End.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "  任务数: %d (并发 %d)\n", s.Job.Pairs, s.Job.Concurrency)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[数据源 (SOURCES)]")
	fmt.Fprintf(w, "  归档: %s\n", s.Sources.ArchiveURL)
	fmt.Fprintf(w, "  缓存目录: %s\n", s.Sources.CacheDir)
	if s.Sources.LiveEnabled {
		fmt.Fprintf(w, "  实时补数: 开启 (batch=%d)\n", s.Sources.BatchLimit)
	} else {
		fmt.Fprintln(w, "  实时补数: 关闭")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[存储 (STORAGE)]")
	fmt.Fprintf(w, "  数据目录: %s\n", s.Storage.DataDir)
	fmt.Fprintf(w, "  状态目录: %s\n", s.Storage.StateDir)
	fmt.Fprintf(w, "  SQLite: %s\n", orDash(s.Storage.SQLitePath))
	fmt.Fprintf(w, "  部分覆盖落盘: %t\n", s.Storage.PersistPartial)
	fmt.Fprintf(w, "  状态服务: %s\n", orDash(s.Storage.HTTPAddr))
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
