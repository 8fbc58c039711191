// Package store holds the in-memory job buckets the engine schedules
// over, and mirrors terminal jobs to disk through vfs so a caller can
// inspect completed work after a restart.
package store

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"oss.nandlabs.io/taskflow/codec"
	"oss.nandlabs.io/taskflow/conditions"
	"oss.nandlabs.io/taskflow/job"
	"oss.nandlabs.io/taskflow/l3"
	"oss.nandlabs.io/taskflow/vfs"
)

var logger = l3.Get()

// errNoCachePathCause is the store-specific sentinel wrapped into the
// job.ErrRuntime kind: a cache-path-less UpdateFromCache call is a
// runtime/configuration error in exactly the same taxonomy as the
// engine's "no driver registered" error, so callers can test for
// either with errors.Is(err, job.ErrRuntime).
var errNoCachePathCause = errors.New("store: no cache path configured")

// ErrNoCachePath is returned by UpdateFromCache when the store was
// never configured with a cache path to read from. It wraps
// job.ErrRuntime.
var ErrNoCachePath = fmt.Errorf("%w: %v", job.ErrRuntime, errNoCachePathCause)

const indexFileName = ".index"

// Store is the set of buckets a job moves through over its lifetime:
// pending, running, and the three terminal buckets done/failed/cancelled.
type Store struct {
	mutex sync.RWMutex

	Pending   *Bucket
	Running   *Bucket
	Done      *Bucket
	Failed    *Bucket
	Cancelled *Bucket

	cachePath string
	codec     codec.Codec
}

// New returns an empty Store. cachePath may be empty, in which case
// terminal jobs are kept in memory only and UpdateFromCache fails.
func New(cachePath string) *Store {
	c := codec.JsonCodec()
	return &Store{
		Pending:   NewBucket(),
		Running:   NewBucket(),
		Done:      NewBucket(),
		Failed:    NewBucket(),
		Cancelled: NewBucket(),
		cachePath: cachePath,
		codec:     c,
	}
}

func (s *Store) bucketFor(status job.Status) *Bucket {
	switch status {
	case job.Pending:
		return s.Pending
	case job.Running:
		return s.Running
	case job.Done:
		return s.Done
	case job.Failed:
		return s.Failed
	case job.Cancelled:
		return s.Cancelled
	default:
		return nil
	}
}

func bucketName(status job.Status) string {
	return string(status)
}

// Add inserts a newly submitted job into the pending bucket.
func (s *Store) Add(j *job.Job) {
	s.Pending.Add(j)
}

// Place moves a job into the bucket matching newStatus, removing it
// from whichever bucket currently holds it. Unlike a from/to transfer,
// Place does not need to know the job's prior bucket, which matters
// because by the time the engine calls this the job's own Status()
// already reports newStatus. If newStatus is terminal and a cache
// path is configured, the job is additionally persisted to disk.
func (s *Store) Place(j *job.Job, newStatus job.Status) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, b := range []*Bucket{s.Pending, s.Running, s.Done, s.Failed, s.Cancelled} {
		b.Remove(j.ID())
	}
	if dstBucket := s.bucketFor(newStatus); dstBucket != nil {
		dstBucket.Add(j)
	}

	if newStatus.Terminal() && s.cachePath != "" {
		if err := s.persist(j); err != nil {
			logger.ErrorF("store: failed to persist job %s: %v", j.ID(), err)
		}
	}
}

// Find looks a job up across every bucket.
func (s *Store) Find(id string) (*job.Job, bool) {
	for _, b := range []*Bucket{s.Pending, s.Running, s.Done, s.Failed, s.Cancelled} {
		if j, ok := b.Get(id); ok {
			return j, true
		}
	}
	return nil, false
}

// Status implements conditions.Snapshot.
func (s *Store) Status(id string) (conditions.Status, bool) {
	j, ok := s.Find(id)
	if !ok {
		return "", false
	}
	return conditions.Status(j.Status()), true
}

// Now implements conditions.Snapshot.
func (s *Store) Now() time.Time {
	return time.Now()
}

// ClearNonActive empties the three terminal in-memory buckets. Jobs
// already persisted remain readable through UpdateFromCache.
func (s *Store) ClearNonActive() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, j := range s.Done.Ordered() {
		s.Done.Remove(j.ID())
	}
	for _, j := range s.Failed.Ordered() {
		s.Failed.Remove(j.ID())
	}
	for _, j := range s.Cancelled.Ordered() {
		s.Cancelled.Remove(j.ID())
	}
}

func toRecord(j *job.Job) Record {
	rec := Record{
		ID:         j.ID(),
		Name:       j.Name(),
		Status:     string(j.Status()),
		Locality:   string(j.Locality()),
		CreatedAt:  j.CreatedAt(),
		StartedAt:  j.StartedAt(),
		EndedAt:    j.EndedAt(),
		ArgSummary: summarizeArgs(j.Args(), j.KWArgs()),
	}
	if j.Status() == job.Done {
		res, _ := j.Result()
		rec.Result = res
	}
	if exc := j.Exception(); exc != nil {
		rec.Error = exc.Error()
	}
	return rec
}

func summarizeArgs(args job.Args, kwargs job.KWArgs) string {
	s := fmt.Sprintf("%v", []any(args))
	if len(kwargs) > 0 {
		s += fmt.Sprintf(" %v", map[string]any(kwargs))
	}
	const maxLen = 256
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return s
}

func (s *Store) bucketDir(status job.Status) string {
	return path.Join(s.cachePath, bucketName(status))
}

func (s *Store) recordPath(status job.Status, id string) string {
	return path.Join(s.bucketDir(status), id)
}

func (s *Store) persist(j *job.Job) error {
	rec := toRecord(j)
	dir := s.bucketDir(j.Status())
	if _, err := vfs.GetManager().MkdirAllRaw(dir); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", dir, err)
	}

	file, err := vfs.GetManager().CreateRaw(s.recordPath(j.Status(), j.ID()))
	if err != nil {
		return fmt.Errorf("store: create record for %s: %w", j.ID(), err)
	}
	defer file.Close()

	if err := s.codec.Write(rec, file); err != nil {
		return fmt.Errorf("store: encode record for %s: %w", j.ID(), err)
	}

	s.appendIndex(j.Status(), j.ID())
	return nil
}

func (s *Store) appendIndex(status job.Status, id string) {
	indexPath := path.Join(s.bucketDir(status), indexFileName)
	existing := ""
	if f, err := vfs.GetManager().OpenRaw(indexPath); err == nil {
		if content, err := f.AsString(); err == nil {
			existing = content
		}
		f.Close()
	}
	f, err := vfs.GetManager().CreateRaw(indexPath)
	if err != nil {
		logger.WarnF("store: could not write index for bucket %s: %v", status, err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(existing + id + "\n"); err != nil {
		logger.WarnF("store: could not append to index for bucket %s: %v", status, err)
	}
}

// UpdateFromCache rebuilds the three terminal buckets from disk,
// replacing whatever they currently hold, and returns the flat list
// of Records read. The jobs placed into the buckets are reconstructed
// via job.Restore: they carry no callable and no binding (the process
// that ran them is gone), but ID, Name, Status, Result/Exception and
// timestamps all read back exactly as persisted, so Find and the
// bucket lengths behave the same as they would right after the
// original run. It fails with ErrNoCachePath if the store was never
// configured with a cache path.
func (s *Store) UpdateFromCache() ([]Record, error) {
	if s.cachePath == "" {
		return nil, fmt.Errorf("%w: cannot update from cache", ErrNoCachePath)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	var all []Record
	for _, status := range []job.Status{job.Done, job.Failed, job.Cancelled} {
		bucket := s.bucketFor(status)
		for _, j := range bucket.Ordered() {
			bucket.Remove(j.ID())
		}

		ids, err := s.readIndex(status)
		if err != nil {
			ids, err = s.listBucket(status)
			if err != nil {
				logger.WarnF("store: could not list bucket %s: %v", status, err)
				continue
			}
		}
		for _, id := range ids {
			rec, err := s.readRecord(status, id)
			if err != nil {
				logger.WarnF("store: skipping corrupt record %s/%s: %v", status, id, err)
				continue
			}
			all = append(all, rec)

			var cause error
			if rec.Error != "" {
				cause = errors.New(rec.Error)
			}
			bucket.Add(job.Restore(rec.ID, rec.Name, job.Status(rec.Status), job.Locality(rec.Locality),
				rec.Result, cause, rec.CreatedAt, rec.StartedAt, rec.EndedAt))
		}
	}
	return all, nil
}

func (s *Store) readIndex(status job.Status) ([]string, error) {
	indexPath := path.Join(s.bucketDir(status), indexFileName)
	f, err := vfs.GetManager().OpenRaw(indexPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := f.AsString()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

func (s *Store) listBucket(status job.Status) ([]string, error) {
	u, err := url.Parse(s.bucketDir(status))
	if err != nil {
		return nil, err
	}
	files, err := vfs.GetManager().List(u)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, f := range files {
		info, err := f.Info()
		if err != nil || info.IsDir() {
			continue
		}
		name := info.Name()
		if name == indexFileName {
			continue
		}
		ids = append(ids, name)
	}
	return ids, nil
}

func (s *Store) readRecord(status job.Status, id string) (Record, error) {
	var rec Record
	f, err := vfs.GetManager().OpenRaw(s.recordPath(status, id))
	if err != nil {
		return rec, err
	}
	defer f.Close()
	if err := s.codec.Read(f, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}
