package export

import (
	"github.com/hermes-broker/hermes/core/mmaplog"
	"github.com/hermes-broker/hermes/core/sendfile"
)

// Replay streams an entire log file's data region to connFd using the
// sendfile(2) syscall, bypassing a userspace copy through this process.
// path/capacity must match what the log was opened with; the caller is
// responsible for ensuring no writer is actively wrapping the log mid-send,
// since sendfile reads the file's current on-disk bytes directly.
func Replay(connFd int, path string, capacity int64) (int, error) {
	count := int(capacity - mmaplog.HeaderSize)
	return sendfile.SendFile(connFd, path, mmaplog.HeaderSize, count)
}
