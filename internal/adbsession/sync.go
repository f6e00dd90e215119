package adbsession

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
)

// syncPuller accumulates WRTE payloads from a "sync:" stream and re-splits
// them into sync packets (id:4-ASCII + len:u32-LE + payload), since packet
// boundaries never align with the ADB frames carrying them.
type syncPuller struct {
	mu     sync.Mutex
	tail   []byte
	buf    bytes.Buffer
	done   bool
	failed bool
	reason string

	doneCh   chan struct{}
	doneOnce sync.Once
}

func newSyncPuller() *syncPuller {
	return &syncPuller{doneCh: make(chan struct{})}
}

// feed is the stream sink: called once per WRTE frame with its raw payload.
func (p *syncPuller) feed(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tail = append(p.tail, data...)
	for {
		if p.done || p.failed {
			return nil
		}
		if len(p.tail) < 8 {
			return nil
		}
		id := string(p.tail[0:4])
		length := binary.LittleEndian.Uint32(p.tail[4:8])
		if uint32(len(p.tail)-8) < length {
			return nil
		}
		payload := p.tail[8 : 8+length]

		switch id {
		case "DATA":
			p.buf.Write(payload)
		case "DONE":
			p.done = true
		case "FAIL":
			p.failed = true
			p.reason = string(payload)
		default:
			return fmt.Errorf("%w: unknown sync packet id %q", ErrProtocol, id)
		}

		p.tail = append([]byte(nil), p.tail[8+length:]...)
		if p.done || p.failed {
			p.doneOnce.Do(func() { close(p.doneCh) })
		}
	}
}

func (p *syncPuller) snapshot() (data []byte, failed bool, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.buf.Bytes()...), p.failed, p.reason
}

func (p *syncPuller) hasData() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len() > 0
}

// buildRecvRequest encodes the RECV sync request: "RECV" + u32-LE path
// length + path bytes.
func buildRecvRequest(path string) []byte {
	pathBytes := []byte(path)
	out := make([]byte, 0, 8+len(pathBytes))
	out = append(out, 'R', 'E', 'C', 'V')
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(pathBytes)))
	out = append(out, lenBuf[:]...)
	out = append(out, pathBytes...)
	return out
}

// PullFile retrieves path from the device via the sync sub-protocol
// (spec.md §4.5) and returns its contents.
func (s *Session) PullFile(ctx context.Context, path string) ([]byte, error) {
	puller := newSyncPuller()
	st, err := s.openStream(ctx, "sync:", puller.feed)
	if err != nil {
		return nil, err
	}

	if err := s.writeToStream(ctx, st, buildRecvRequest(path)); err != nil {
		s.closeStream(st)
		return nil, err
	}

	select {
	case <-puller.doneCh:
		data, failed, reason := puller.snapshot()
		s.closeStream(st) // send our own CLSE rather than waiting for the daemon's
		if failed {
			return nil, &SyncFailedError{Message: reason}
		}
		return data, nil

	case <-st.closeCh:
		// The daemon (or the network) closed the stream before a DONE or
		// FAIL packet completed parsing.
		if puller.hasData() {
			data, _, _ := puller.snapshot()
			return data, nil
		}
		if err := st.failure(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: sync stream closed with no data and no DONE", ErrProtocol)

	case <-ctx.Done():
		s.closeStream(st)
		return nil, ctx.Err()
	}
}
