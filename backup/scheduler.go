package backup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/jmcleod/caucase/ca"
	"github.com/jmcleod/caucase/internal/logging"
	"github.com/jmcleod/caucase/internal/uuid"
)

// FileSuffix ends the name of every backup file written by a Scheduler.
const FileSuffix = ".sql.caucased"

// retryDelay is how long a Scheduler waits after ErrNoBackup.
const retryDelay = time.Hour

// Scheduler periodically writes backups of an authority's database into a
// directory, as YYYYmmddHHMMSS.sql.caucased files.
type Scheduler struct {
	Fs        afero.Fs
	Dir       string
	Period    time.Duration
	Authority *ca.Authority
	Options   []Option
	Log       *zap.Logger
	Now       func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logging.L
}

// First returns when the first backup is due: one period after the newest
// existing backup, or now when there is none.
func (s *Scheduler) First() (time.Time, error) {
	matches, err := afero.Glob(s.Fs, filepath.Join(s.Dir, "*"+FileSuffix))
	if err != nil {
		return time.Time{}, err
	}
	var newest time.Time
	for _, name := range matches {
		info, err := s.Fs.Stat(name)
		if err != nil {
			return time.Time{}, err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	if newest.IsZero() {
		return s.now(), nil
	}
	return newest.Add(s.Period), nil
}

// RunOnce writes one backup and returns when the next one is due.
func (s *Scheduler) RunOnce(ctx context.Context) (time.Time, error) {
	now := s.now()
	tmp := filepath.Join(s.Dir, ".caucase_backup_"+uuid.New())
	f, err := s.Fs.Create(tmp)
	if err != nil {
		return now.Add(retryDelay), fmt.Errorf("creating backup file: %w", err)
	}
	err = Backup(ctx, f, s.Authority, s.Options...)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.Fs.Remove(tmp)
		if errors.Is(err, ErrNoBackup) {
			s.log().Info("no user certificate, backup postponed")
			return now.Add(retryDelay), nil
		}
		return now.Add(retryDelay), err
	}
	name := filepath.Join(s.Dir, now.UTC().Format("20060102150405")+FileSuffix)
	if err := s.Fs.Rename(tmp, name); err != nil {
		_ = s.Fs.Remove(tmp)
		return now.Add(retryDelay), fmt.Errorf("renaming backup file: %w", err)
	}
	s.log().Info("backup written", zap.String("path", name))
	return now.Add(s.Period), nil
}

// Run writes backups until ctx is done. Failures are logged and retried.
func (s *Scheduler) Run(ctx context.Context) error {
	next, err := s.First()
	if err != nil {
		return err
	}
	for {
		timer := time.NewTimer(max(next.Sub(s.now()), 0))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		next, err = s.RunOnce(ctx)
		if err != nil {
			s.log().Error("backup failed", zap.Error(err))
		}
	}
}
