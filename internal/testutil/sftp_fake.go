// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

package testutil

import (
	"bytes"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/lknsfos/thongssh/internal/transport"
)

// FakeSftp is an in-memory SftpChannel over a flat path namespace. Errs
// injects a per-path failure for any verb touching that path. WriteGate, when
// set, makes every remote write wait for a token, letting tests freeze an
// upload mid-flight.
type FakeSftp struct {
	// WriteGate gates remote file writes. Send a token to allow one write,
	// or close the channel to let all writes through.
	WriteGate chan struct{}

	mu      sync.Mutex
	files   map[string][]byte
	dirs    map[string]bool
	errs    map[string]error
	renames [][2]string
	removed []string
	closed  bool
}

// NewFakeSftp returns an empty fake channel.
func NewFakeSftp() *FakeSftp {
	return &FakeSftp{
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
		errs:  make(map[string]error),
	}
}

// AddFile seeds a remote file.
func (f *FakeSftp) AddFile(path string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
}

// AddDir seeds a remote directory.
func (f *FakeSftp) AddDir(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs[path] = true
}

// FailPath injects err for every operation on path.
func (f *FakeSftp) FailPath(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[path] = err
}

// File returns the current content of a remote file.
func (f *FakeSftp) File(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[path]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, true
}

// Removed returns the paths removed so far.
func (f *FakeSftp) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.removed))
	copy(out, f.removed)
	return out
}

// Renames returns the recorded renames.
func (f *FakeSftp) Renames() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][2]string, len(f.renames))
	copy(out, f.renames)
	return out
}

// ChannelClosed reports whether Close was called.
func (f *FakeSftp) ChannelClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeSftp) pathErr(path string) error {
	if err, ok := f.errs[path]; ok {
		return err
	}
	return nil
}

func (f *FakeSftp) ReadDir(path string) ([]os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pathErr(path); err != nil {
		return nil, err
	}
	var infos []os.FileInfo
	for name, content := range f.files {
		infos = append(infos, fakeFileInfo{name: name, size: int64(len(content))})
	}
	for name := range f.dirs {
		infos = append(infos, fakeFileInfo{name: name, dir: true})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos, nil
}

func (f *FakeSftp) Open(path string) (transport.RemoteFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pathErr(path); err != nil {
		return nil, err
	}
	content, ok := f.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return &fakeRemoteFile{r: bytes.NewReader(content)}, nil
}

func (f *FakeSftp) Create(path string) (transport.RemoteFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pathErr(path); err != nil {
		return nil, err
	}
	return &fakeRemoteFile{sink: f, path: path}, nil
}

func (f *FakeSftp) Stat(path string) (os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pathErr(path); err != nil {
		return nil, err
	}
	if content, ok := f.files[path]; ok {
		return fakeFileInfo{name: path, size: int64(len(content))}, nil
	}
	if f.dirs[path] {
		return fakeFileInfo{name: path, dir: true}, nil
	}
	return nil, os.ErrNotExist
}

func (f *FakeSftp) Mkdir(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pathErr(path); err != nil {
		return err
	}
	f.dirs[path] = true
	return nil
}

func (f *FakeSftp) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pathErr(path); err != nil {
		return err
	}
	if _, ok := f.files[path]; !ok {
		return os.ErrNotExist
	}
	delete(f.files, path)
	f.removed = append(f.removed, path)
	return nil
}

func (f *FakeSftp) RemoveDirectory(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pathErr(path); err != nil {
		return err
	}
	if !f.dirs[path] {
		return os.ErrNotExist
	}
	delete(f.dirs, path)
	f.removed = append(f.removed, path)
	return nil
}

func (f *FakeSftp) Rename(oldPath, newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pathErr(oldPath); err != nil {
		return err
	}
	content, ok := f.files[oldPath]
	if !ok {
		return os.ErrNotExist
	}
	delete(f.files, oldPath)
	f.files[newPath] = content
	f.renames = append(f.renames, [2]string{oldPath, newPath})
	return nil
}

func (f *FakeSftp) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeRemoteFile reads from a seeded buffer or writes through to the fake's
// file map.
type fakeRemoteFile struct {
	r    *bytes.Reader
	sink *FakeSftp
	path string
}

func (rf *fakeRemoteFile) Read(p []byte) (int, error) {
	if rf.r == nil {
		return 0, errors.New("testutil: file not open for reading")
	}
	return rf.r.Read(p)
}

func (rf *fakeRemoteFile) Write(p []byte) (int, error) {
	if rf.sink == nil {
		return 0, errors.New("testutil: file not open for writing")
	}
	if gate := rf.sink.WriteGate; gate != nil {
		<-gate
	}
	rf.sink.mu.Lock()
	defer rf.sink.mu.Unlock()
	rf.sink.files[rf.path] = append(rf.sink.files[rf.path], p...)
	return len(p), nil
}

func (rf *fakeRemoteFile) Close() error { return nil }

// fakeFileInfo is a minimal os.FileInfo.
type fakeFileInfo struct {
	name string
	size int64
	dir  bool
}

func (fi fakeFileInfo) Name() string { return fi.name }
func (fi fakeFileInfo) Size() int64  { return fi.size }
func (fi fakeFileInfo) Mode() os.FileMode {
	if fi.dir {
		return os.ModeDir | 0o755
	}
	return 0o644
}
func (fi fakeFileInfo) ModTime() time.Time { return time.Unix(0, 0) }
func (fi fakeFileInfo) IsDir() bool        { return fi.dir }
func (fi fakeFileInfo) Sys() any           { return nil }
