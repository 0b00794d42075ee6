package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/stairway/errs"
)

/*
DirQueue is a directory-backed WorkQueue for tests and single-host
development. One file per message; enqueue writes to a temp name and
renames so a scan never observes a half-written message. Dispatch
processes files in name order (enqueue time prefixes the name), deleting
acknowledged messages and leaving the rest for the next scan.
*/
type DirQueue struct {
	dir string
}

// NewDirQueue creates the directory if needed.
func NewDirQueue(dir string) (*DirQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create queue dir %s: %v", errs.ErrQueue, dir, err)
	}
	return &DirQueue{dir: dir}, nil
}

func (q *DirQueue) EnqueueMessage(ctx context.Context, message string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	name := fmt.Sprintf("%020d-%s.msg", time.Now().UnixNano(), uuid.NewString())
	tmp := filepath.Join(q.dir, name+".tmp")
	if err := os.WriteFile(tmp, []byte(message), 0o644); err != nil {
		return fmt.Errorf("%w: write message: %v", errs.ErrQueue, err)
	}
	if err := os.Rename(tmp, filepath.Join(q.dir, name)); err != nil {
		return fmt.Errorf("%w: publish message: %v", errs.ErrQueue, err)
	}
	return nil
}

func (q *DirQueue) DispatchMessages(ctx context.Context, maxMessages int, handler func(ctx context.Context, message string) bool) error {
	names, err := q.scan()
	if err != nil {
		return err
	}
	dispatched := 0
	for _, name := range names {
		if dispatched >= maxMessages {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		path := filepath.Join(q.dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // another consumer took it
			}
			return fmt.Errorf("%w: read message %s: %v", errs.ErrQueue, name, err)
		}
		dispatched++
		if handler(ctx, string(raw)) {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("%w: acknowledge %s: %v", errs.ErrQueue, name, err)
			}
		}
	}
	return nil
}

func (q *DirQueue) PurgeQueueForTesting(ctx context.Context) error {
	names, err := q.scan()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := os.Remove(filepath.Join(q.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: purge %s: %v", errs.ErrQueue, name, err)
		}
	}
	return nil
}

func (q *DirQueue) scan() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: scan queue dir: %v", errs.ErrQueue, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".msg" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
