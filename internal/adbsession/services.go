package adbsession

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// OpenShell runs command under the no-tty "shell:" service and streams its
// output to sink as it arrives.
func (s *Session) OpenShell(ctx context.Context, command string, sink io.Writer) error {
	var mu sync.Mutex
	st, err := s.openStream(ctx, "shell:"+command, func(data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		_, err := sink.Write(data)
		return err
	})
	if err != nil {
		return err
	}

	select {
	case <-st.closeCh:
		return st.failure()
	case <-ctx.Done():
		s.closeStream(st)
		return ctx.Err()
	}
}

// OpenExec runs command under the raw-binary "exec:" service (used for
// commands like "screencap -p" whose output must not be line-buffered)
// and returns its full output.
func (s *Session) OpenExec(ctx context.Context, command string) ([]byte, error) {
	var mu sync.Mutex
	var buf bytes.Buffer
	st, err := s.openStream(ctx, "exec:"+command, func(data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		buf.Write(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-st.closeCh:
		if err := st.failure(); err != nil {
			return nil, err
		}
		mu.Lock()
		defer mu.Unlock()
		return append([]byte(nil), buf.Bytes()...), nil
	case <-ctx.Done():
		s.closeStream(st)
		return nil, ctx.Err()
	}
}
