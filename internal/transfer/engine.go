// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package transfer runs SFTP operations as cancellable, progress-tracked
// tasks over a session's SFTP sub-channel. Every verb returns an immediate
// task snapshot; completion and progress arrive as events. Cancelling a task
// never tears down the session: the copy loop stops between chunks and the
// SFTP channel stays healthy.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lknsfos/thongssh/internal/event"
	"github.com/lknsfos/thongssh/internal/logging"
	"github.com/lknsfos/thongssh/internal/model"
	"github.com/lknsfos/thongssh/internal/transport"
)

// Transfer error taxonomy. Failed tasks carry one of these, wrapped around
// the underlying cause.
var (
	ErrConnectionLost   = errors.New("transfer: connection lost")
	ErrCancelled        = errors.New("transfer: task cancelled")
	ErrPermissionDenied = errors.New("transfer: permission denied")
	ErrRemoteIO         = errors.New("transfer: remote i/o error")
	ErrUnknownTask      = errors.New("transfer: unknown task")
)

const chunkSize = 32 * 1024

// Source yields the SFTP sub-channel a task runs against. Sessions satisfy
// it; tests script it.
type Source interface {
	OpenSftp() (transport.SftpChannel, error)
}

// Engine owns the live tasks. Callers only ever see TransferTask snapshots.
type Engine struct {
	bus *event.Bus

	mu    sync.Mutex
	tasks map[string]*task
}

// NewEngine returns an engine publishing on bus.
func NewEngine(bus *event.Bus) *Engine {
	return &Engine{bus: bus, tasks: make(map[string]*task)}
}

type task struct {
	host   string
	cancel context.CancelFunc

	mu    sync.Mutex
	snap  model.TransferTask
	lost  bool // cancelled because the session's transport died
	muted bool // session closed deliberately: no further events for its id
}

func (t *task) snapshot() model.TransferTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

func (t *task) session() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap.SessionID
}

func (t *task) setState(s model.TransferState) {
	t.mu.Lock()
	t.snap.State = s
	t.mu.Unlock()
}

func (t *task) setTotal(n int64) {
	t.mu.Lock()
	t.snap.TotalBytes = n
	t.mu.Unlock()
}

func (t *task) addBytes(n int64) (done, total int64) {
	t.mu.Lock()
	t.snap.BytesTransferred += n
	done, total = t.snap.BytesTransferred, t.snap.TotalBytes
	t.mu.Unlock()
	return done, total
}

// runFunc is one verb's body. Only list tasks return entries.
type runFunc func(ctx context.Context, t *task, ch transport.SftpChannel) ([]model.DirEntry, error)

func (e *Engine) submit(sess Source, sessionID, host string, kind model.TransferKind, path, dest string, fn runFunc) model.TransferTask {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		host:   host,
		cancel: cancel,
		snap: model.TransferTask{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Kind:      kind,
			Path:      path,
			Dest:      dest,
			State:     model.TransferPending,
			StartedAt: time.Now(),
		},
	}
	e.mu.Lock()
	e.tasks[t.snap.ID] = t
	e.mu.Unlock()

	go e.run(ctx, t, sess, fn)
	return t.snapshot()
}

func (e *Engine) run(ctx context.Context, t *task, sess Source, fn runFunc) {
	t.setState(model.TransferRunning)
	e.emitProgress(t)

	ch, err := sess.OpenSftp()
	if err != nil {
		e.finish(t, nil, err)
		return
	}
	defer ch.Close()

	entries, err := fn(ctx, t, ch)
	e.finish(t, entries, err)
}

func (e *Engine) finish(t *task, entries []model.DirEntry, err error) {
	t.mu.Lock()
	switch {
	case err == nil:
		t.snap.State = model.TransferDone
	case errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled):
		if t.lost {
			t.snap.State = model.TransferFailed
			t.snap.Err = ErrConnectionLost
		} else {
			t.snap.State = model.TransferCancelled
			t.snap.Err = ErrCancelled
		}
	default:
		t.snap.State = model.TransferFailed
		t.snap.Err = classifyRemoteError(err)
	}
	snap := t.snap
	host := t.host
	muted := t.muted
	t.mu.Unlock()

	if snap.Err != nil {
		logging.Warnf("transfer %s %s %q: %v", snap.Kind, host, snap.Path, snap.Err)
	} else {
		logging.Debugf("transfer %s %s %q: done (%d bytes)", snap.Kind, host, snap.Path, snap.BytesTransferred)
	}
	if muted {
		return
	}
	e.bus.Publish(event.Event{
		Type:      event.TransferDone,
		SessionID: snap.SessionID,
		Host:      host,
		Task:      &snap,
		Entries:   entries,
		Err:       snap.Err,
	})
}

func (e *Engine) emitProgress(t *task) {
	t.mu.Lock()
	snap := t.snap
	muted := t.muted
	t.mu.Unlock()
	if muted {
		return
	}
	e.bus.Publish(event.Event{
		Type:      event.TransferProgress,
		SessionID: snap.SessionID,
		Host:      t.host,
		Task:      &snap,
	})
}

// copy moves bytes in fixed chunks, checking for cancellation between chunks
// and emitting a progress event per chunk. Progress percentage is logged in
// 10% steps.
func (e *Engine) copy(ctx context.Context, t *task, dst io.Writer, src io.Reader) error {
	id := t.snapshot().ID
	buf := make([]byte, chunkSize)
	lastStep := 0
	for {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			done, total := t.addBytes(int64(n))
			e.emitProgress(t)
			if total > 0 {
				if step := int(done * 10 / total); step > lastStep {
					lastStep = step
					logging.Debugf("transfer %s: %d%% (%d/%d bytes)", id, step*10, done, total)
				}
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// List starts a directory listing task. Entries arrive on the TransferDone
// event.
func (e *Engine) List(sess Source, sessionID, host, path string) model.TransferTask {
	return e.submit(sess, sessionID, host, model.TransferList, path, "", func(ctx context.Context, t *task, ch transport.SftpChannel) ([]model.DirEntry, error) {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		infos, err := ch.ReadDir(path)
		if err != nil {
			return nil, err
		}
		entries := make([]model.DirEntry, 0, len(infos))
		for _, fi := range infos {
			entries = append(entries, model.DirEntry{
				Name:    fi.Name(),
				Size:    fi.Size(),
				Mode:    uint32(fi.Mode()),
				ModTime: fi.ModTime(),
				IsDir:   fi.IsDir(),
			})
		}
		return entries, nil
	})
}

// Get starts a download of remotePath into localPath.
func (e *Engine) Get(sess Source, sessionID, host, remotePath, localPath string) model.TransferTask {
	return e.submit(sess, sessionID, host, model.TransferGet, remotePath, localPath, func(ctx context.Context, t *task, ch transport.SftpChannel) ([]model.DirEntry, error) {
		fi, err := ch.Stat(remotePath)
		if err != nil {
			return nil, err
		}
		t.setTotal(fi.Size())
		src, err := ch.Open(remotePath)
		if err != nil {
			return nil, err
		}
		defer src.Close()
		dst, err := os.Create(localPath)
		if err != nil {
			return nil, err
		}
		err = e.copy(ctx, t, dst, src)
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		return nil, err
	})
}

// Put starts an upload of localPath into remotePath. A cancelled upload
// leaves a partial remote file behind; re-running the task overwrites it.
func (e *Engine) Put(sess Source, sessionID, host, localPath, remotePath string) model.TransferTask {
	return e.submit(sess, sessionID, host, model.TransferPut, remotePath, localPath, func(ctx context.Context, t *task, ch transport.SftpChannel) ([]model.DirEntry, error) {
		fi, err := os.Stat(localPath)
		if err != nil {
			return nil, err
		}
		t.setTotal(fi.Size())
		src, err := os.Open(localPath)
		if err != nil {
			return nil, err
		}
		defer src.Close()
		dst, err := ch.Create(remotePath)
		if err != nil {
			return nil, err
		}
		err = e.copy(ctx, t, dst, src)
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		return nil, err
	})
}

// Mkdir starts a remote directory creation task.
func (e *Engine) Mkdir(sess Source, sessionID, host, path string) model.TransferTask {
	return e.submit(sess, sessionID, host, model.TransferMkdir, path, "", func(ctx context.Context, t *task, ch transport.SftpChannel) ([]model.DirEntry, error) {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, ch.Mkdir(path)
	})
}

// Remove starts a remote removal task. Directories are removed with the
// directory variant; only empty directories succeed.
func (e *Engine) Remove(sess Source, sessionID, host, path string) model.TransferTask {
	return e.submit(sess, sessionID, host, model.TransferRemove, path, "", func(ctx context.Context, t *task, ch transport.SftpChannel) ([]model.DirEntry, error) {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		fi, err := ch.Stat(path)
		if err != nil {
			return nil, err
		}
		if fi.IsDir() {
			return nil, ch.RemoveDirectory(path)
		}
		return nil, ch.Remove(path)
	})
}

// Rename starts a remote rename task.
func (e *Engine) Rename(sess Source, sessionID, host, oldPath, newPath string) model.TransferTask {
	return e.submit(sess, sessionID, host, model.TransferRename, oldPath, newPath, func(ctx context.Context, t *task, ch transport.SftpChannel) ([]model.DirEntry, error) {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, ch.Rename(oldPath, newPath)
	})
}

// Cancel requests cancellation of a running task. Cancelling a task that
// already finished is a no-op; an unknown id is a caller error.
func (e *Engine) Cancel(taskID string) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownTask
	}
	t.cancel()
	return nil
}

// Task returns a snapshot of the task with the given id.
func (e *Engine) Task(taskID string) (model.TransferTask, bool) {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	e.mu.Unlock()
	if !ok {
		return model.TransferTask{}, false
	}
	return t.snapshot(), true
}

// Tasks returns snapshots of all tasks belonging to a session.
func (e *Engine) Tasks(sessionID string) []model.TransferTask {
	e.mu.Lock()
	var ts []*task
	for _, t := range e.tasks {
		ts = append(ts, t)
	}
	e.mu.Unlock()

	var out []model.TransferTask
	for _, t := range ts {
		if snap := t.snapshot(); snap.SessionID == sessionID {
			out = append(out, snap)
		}
	}
	return out
}

// SessionClosed aborts every in-flight task of a session and drops the
// session's tasks from the engine's bookkeeping. When lost is true the
// transport died under the task and it fails with ErrConnectionLost, with the
// TransferDone event still delivered. Otherwise the session was closed
// deliberately: the task is cancelled and muted, so no further transfer event
// carries the closed session's id.
func (e *Engine) SessionClosed(sessionID string, lost bool) {
	e.mu.Lock()
	var ts []*task
	for id, t := range e.tasks {
		if t.session() != sessionID {
			continue
		}
		ts = append(ts, t)
		delete(e.tasks, id)
	}
	e.mu.Unlock()

	for _, t := range ts {
		t.mu.Lock()
		active := !terminalTransfer(t.snap.State)
		if lost {
			t.lost = true
		} else {
			t.muted = true
		}
		t.mu.Unlock()
		if active {
			t.cancel()
		}
	}
}

// Shutdown cancels every task and drops all bookkeeping.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	ts := e.tasks
	e.tasks = make(map[string]*task)
	e.mu.Unlock()
	for _, t := range ts {
		t.cancel()
	}
}

func terminalTransfer(s model.TransferState) bool {
	return s == model.TransferDone || s == model.TransferFailed || s == model.TransferCancelled
}

// classifyRemoteError wraps an SFTP failure in the transfer error taxonomy.
func classifyRemoteError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, os.ErrPermission) || strings.Contains(msg, "permission denied"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		strings.Contains(msg, "connection lost") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "use of closed"):
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	default:
		return fmt.Errorf("%w: %v", ErrRemoteIO, err)
	}
}
