package adbsession

import (
	"context"
	"fmt"
	"sync"

	"github.com/adbhostd/adbhostd/internal/wire"
)

// openStream is one multiplexed logical channel within a Session. sink is
// invoked synchronously from the dispatch loop for every WRTE frame that
// arrives for this stream, before the flow-control OKAY is sent back.
type openStream struct {
	localID uint32

	remoteIDCh chan uint32 // buffered 1; fed once by the open-acknowledging OKAY
	writeAck   chan struct{}
	closeCh    chan struct{}
	closeOnce  sync.Once

	remoteID uint32 // valid only after remoteIDCh has fired
	sink     func([]byte) error

	mu  sync.Mutex
	err error
}

func newOpenStream(localID uint32, sink func([]byte) error) *openStream {
	return &openStream{
		localID:    localID,
		remoteIDCh: make(chan uint32, 1),
		writeAck:   make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
		sink:       sink,
	}
}

func (st *openStream) fail(err error) {
	st.mu.Lock()
	if st.err == nil {
		st.err = err
	}
	st.mu.Unlock()
	st.closeOnce.Do(func() { close(st.closeCh) })
}

func (st *openStream) failure() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// nextLocalID returns the next stream id, skipping zero (which means "no
// stream" in an OPEN message's arg1) and wrapping back to 1 on overflow —
// the sequence spec.md §8 requires: local_id_{k+1} ∈ {local_id_k + 1, 1}.
func (s *Session) nextLocalID() uint32 {
	for {
		id := s.localIDCounter.Add(1)
		if id != 0 {
			return id
		}
	}
}

func (s *Session) registerStream(st *openStream) {
	s.streamsMu.Lock()
	s.streams[st.localID] = st
	s.streamsMu.Unlock()
}

func (s *Session) lookupStream(localID uint32) (*openStream, bool) {
	s.streamsMu.Lock()
	st, ok := s.streams[localID]
	s.streamsMu.Unlock()
	return st, ok
}

func (s *Session) unregisterStream(localID uint32) {
	s.streamsMu.Lock()
	delete(s.streams, localID)
	s.streamsMu.Unlock()
}

// openStream opens service (e.g. "shell:ls", "sync:") and blocks until the
// daemon's first OKAY acknowledges it.
func (s *Session) openStream(ctx context.Context, service string, sink func([]byte) error) (*openStream, error) {
	localID := s.nextLocalID()
	st := newOpenStream(localID, sink)
	s.registerStream(st)

	payload := append([]byte(service), 0)
	if err := s.send(wire.NewMessage(wire.OPEN, localID, 0, payload)); err != nil {
		s.unregisterStream(localID)
		return nil, err
	}

	select {
	case remoteID := <-st.remoteIDCh:
		st.remoteID = remoteID
		return st, nil
	case <-st.closeCh:
		s.unregisterStream(localID)
		if err := st.failure(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: stream closed before open was acknowledged", ErrProtocol)
	case <-ctx.Done():
		s.unregisterStream(localID)
		return nil, ctx.Err()
	}
}

// writeToStream sends one WRTE frame and waits for the daemon's flow-control OKAY
// before returning, per the one-frame-in-flight discipline ADB streams use.
func (s *Session) writeToStream(ctx context.Context, st *openStream, data []byte) error {
	if err := s.send(wire.NewMessage(wire.WRTE, st.localID, st.remoteID, data)); err != nil {
		return err
	}
	select {
	case <-st.writeAck:
		return nil
	case <-st.closeCh:
		if err := st.failure(); err != nil {
			return err
		}
		return fmt.Errorf("%w: stream closed while awaiting write ack", ErrProtocol)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeStream sends a courtesy CLSE and forgets the stream. Safe to call
// more than once or on a stream the daemon already closed.
func (s *Session) closeStream(st *openStream) {
	_ = s.send(wire.NewMessage(wire.CLSE, st.localID, st.remoteID, nil))
	s.unregisterStream(st.localID)
	st.closeOnce.Do(func() { close(st.closeCh) })
}

// dispatch is the session's single reader: it owns every read from conn
// once the handshake completes, and routes OKAY/WRTE/CLSE frames to the
// stream they belong to. Runs until the connection errors.
func (s *Session) dispatch() {
	for {
		msg, err := readMessage(s.conn)
		if err != nil {
			s.failAllStreams(err)
			return
		}

		switch msg.Command {
		case wire.OKAY:
			s.handleOkay(msg)
		case wire.WRTE:
			s.handleWrte(msg)
		case wire.CLSE:
			s.handleClse(msg)
		default:
			// Anything else arriving after the handshake is not part of
			// the stream protocol; ignore rather than tearing down every
			// open stream over a single stray frame.
		}
	}
}

func (s *Session) handleOkay(msg *wire.Message) {
	remoteID, localID := msg.Arg0, msg.Arg1
	st, ok := s.lookupStream(localID)
	if !ok {
		s.sendForeignCourtesy(localID, remoteID)
		return
	}
	if st.remoteID == 0 {
		st.remoteID = remoteID
		select {
		case st.remoteIDCh <- remoteID:
		default:
		}
		return
	}
	select {
	case st.writeAck <- struct{}{}:
	default:
	}
}

func (s *Session) handleWrte(msg *wire.Message) {
	remoteID, localID := msg.Arg0, msg.Arg1
	st, ok := s.lookupStream(localID)
	if !ok {
		s.sendForeignCourtesy(localID, remoteID)
		return
	}
	if err := st.sink(msg.Data); err != nil {
		st.fail(err)
		return
	}
	if err := s.send(wire.NewMessage(wire.OKAY, localID, remoteID, nil)); err != nil {
		st.fail(err)
	}
}

func (s *Session) handleClse(msg *wire.Message) {
	remoteID, localID := msg.Arg0, msg.Arg1
	st, ok := s.lookupStream(localID)
	if !ok {
		s.sendForeignCourtesy(localID, remoteID)
		return
	}
	_ = s.send(wire.NewMessage(wire.CLSE, localID, remoteID, nil))
	s.unregisterStream(localID)
	st.closeOnce.Do(func() { close(st.closeCh) })
}

// sendForeignCourtesy replies to a frame that doesn't belong to any stream
// we opened — the daemon occasionally interleaves these during sync — by
// mirroring the ids it sent us and telling it to close.
func (s *Session) sendForeignCourtesy(theirLocal, theirRemote uint32) {
	_ = s.send(wire.NewMessage(wire.CLSE, theirRemote, theirLocal, nil))
}

func (s *Session) failAllStreams(err error) {
	s.streamsMu.Lock()
	streams := make([]*openStream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.streamsMu.Unlock()

	for _, st := range streams {
		st.fail(err)
	}
}
