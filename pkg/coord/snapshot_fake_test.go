package coord

import (
	"bytes"
	"io"
)

// fakeSnapshotSink is a minimal in-memory raft.SnapshotSink for exercising
// fsm.Snapshot/Restore round trips without a real raft node.
type fakeSnapshotSink struct {
	buf bytes.Buffer
}

func newFakeSnapshotSink() *fakeSnapshotSink {
	return &fakeSnapshotSink{}
}

func (s *fakeSnapshotSink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *fakeSnapshotSink) Close() error                { return nil }
func (s *fakeSnapshotSink) ID() string                  { return "fake" }
func (s *fakeSnapshotSink) Cancel() error               { return nil }

func (s *fakeSnapshotSink) reader() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(s.buf.Bytes()))
}
