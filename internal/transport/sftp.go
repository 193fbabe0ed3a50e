// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import (
	"os"

	"github.com/pkg/sftp"
)

// sftpChannel adapts *sftp.Client to the SftpChannel contract.
type sftpChannel struct {
	client *sftp.Client
}

func (s *sftpChannel) ReadDir(path string) ([]os.FileInfo, error) {
	return s.client.ReadDir(path)
}

func (s *sftpChannel) Open(path string) (RemoteFile, error) {
	return s.client.Open(path)
}

func (s *sftpChannel) Create(path string) (RemoteFile, error) {
	return s.client.Create(path)
}

func (s *sftpChannel) Stat(path string) (os.FileInfo, error) {
	return s.client.Stat(path)
}

func (s *sftpChannel) Mkdir(path string) error {
	return s.client.Mkdir(path)
}

func (s *sftpChannel) Remove(path string) error {
	return s.client.Remove(path)
}

func (s *sftpChannel) RemoveDirectory(path string) error {
	return s.client.RemoveDirectory(path)
}

func (s *sftpChannel) Rename(oldPath, newPath string) error {
	return s.client.Rename(oldPath, newPath)
}

func (s *sftpChannel) Close() error {
	return s.client.Close()
}
