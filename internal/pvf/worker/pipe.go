package worker

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"pvfexec/internal/pvf/execute"
	"pvfexec/internal/pvf/wire"

	"golang.org/x/sys/unix"
)

// Pipe2Cloexec creates a pipe whose ends are closed on exec. Ends meant for a child are
// passed explicitly through ExtraFiles, which clears the flag on the child's copy.
func Pipe2Cloexec() (r *os.File, w *os.File, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[0]), "pipe-read"), os.NewFile(uintptr(fds[1]), "pipe-write"), nil
}

// SendResult writes the worker's answer to the host.
func SendResult(w io.Writer, result execute.WorkerResult) error {
	return wire.SendMessage(w, result)
}

// SendJobResult writes the job's answer into the result pipe.
func SendJobResult(w io.Writer, result execute.JobResult) error {
	return wire.SendMessage(w, result)
}

// RecvChildResponse decodes a JobResult out of the bytes the parent collected from the pipe.
func RecvChildResponse(data []byte) (execute.JobResult, error) {
	var res execute.JobResult
	if err := wire.RecvMessage(bytes.NewReader(data), "JobResult", &res); err != nil {
		return execute.JobResult{}, err
	}
	return res, nil
}

// StringifyErrno renders a failed system call as "context: errno: N: message".
func StringifyErrno(context string, err error) string {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return fmt.Sprintf("%s: %d: %s", context, int(errno), errno.Error())
	}
	return fmt.Sprintf("%s: %v", context, err)
}
