// Package persist writes validated series to disk atomically.
package persist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"klinevault/internal/logger"
	"klinevault/internal/market"
)

const backupSuffix = ".bak"

// Encoder serialises a series onto w.
type Encoder func(w io.Writer, series market.Series) error

// Persister 通过 临时文件 → fsync → rename 写入序列，失败时从备份恢复旧文件。
type Persister struct {
	dataDir string
	encode  Encoder
}

// New returns a parquet persister rooted at dataDir.
func New(dataDir string) *Persister {
	return &Persister{dataDir: dataDir, encode: encodeParquet}
}

// WithEncoder swaps the serialiser; tests use it to inject write failures.
func (p *Persister) WithEncoder(enc Encoder) *Persister {
	if enc != nil {
		p.encode = enc
	}
	return p
}

// Path is the destination for pair: {dataDir}/{instrument}/{SYMBOL}/{tf}.parquet.
func (p *Persister) Path(pair market.Pair) string {
	return filepath.Join(p.dataDir, string(pair.Instrument), pair.Symbol, pair.Timeframe.Key+".parquet")
}

// Commit 代表已落盘但下游尚未确认的一次写入。
type Commit struct {
	Dest   string
	backup string
	closed bool
}

// Done accepts the write and drops the backup.
func (c *Commit) Done() error {
	if c == nil || c.closed {
		return nil
	}
	c.closed = true
	if c.backup == "" {
		return nil
	}
	if err := os.Remove(c.backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing backup %s: %w", c.backup, err)
	}
	return nil
}

// Rollback restores the file that existed before Save, or removes dest if there was none.
func (c *Commit) Rollback() error {
	if c == nil || c.closed {
		return nil
	}
	c.closed = true
	if c.backup == "" {
		if err := os.Remove(c.Dest); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return syncDir(filepath.Dir(c.Dest))
	}
	return restore(c.backup, c.Dest)
}

// Save writes series to dest. Readers of dest see either the previous file or the new
// one, never a partial write. On failure the previous file is left (or put back) in
// place byte for byte and no Commit is returned.
func (p *Persister) Save(ctx context.Context, series market.Series, dest string) (*Commit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}

	backup := ""
	if _, err := os.Stat(dest); err == nil {
		backup = dest + backupSuffix
		if err := copyFileAtomic(dest, backup); err != nil {
			return nil, fmt.Errorf("backing up %s: %w", dest, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := p.writeAtomic(series, dest); err != nil {
		if backup != "" {
			if rerr := restore(backup, dest); rerr != nil {
				logger.Errorf("[persist] restoring %s failed: %v", dest, rerr)
				return nil, errors.Join(err, rerr)
			}
			logger.Warnf("[persist] %s write failed, previous version restored: %v", dest, err)
		}
		return nil, err
	}
	return &Commit{Dest: dest, backup: backup}, nil
}

func (p *Persister) writeAtomic(series market.Series, dest string) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if err := p.encode(tmp, series); err != nil {
		cleanup()
		return fmt.Errorf("encoding %s: %w", series.Pair, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into %s: %w", dest, err)
	}
	return syncDir(dir)
}

// restore moves backup over dest in one rename.
func restore(backup, dest string) error {
	if err := os.Rename(backup, dest); err != nil {
		return fmt.Errorf("restoring %s: %w", dest, err)
	}
	return syncDir(filepath.Dir(dest))
}

func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dst)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// some filesystems refuse fsync on directories; the rename is already done
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		logger.Debugf("[persist] fsync dir %s: %v", dir, err)
	}
	return nil
}
