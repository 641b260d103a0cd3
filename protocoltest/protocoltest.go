// Package protocoltest provides a Protocol test double, the way
// go-ublk's testing.go ships MockBackend for exercising Backend
// consumers without real device I/O.
package protocoltest

import (
	"github.com/ehrlich-b/rxnet/iobuf"
	"github.com/ehrlich-b/rxnet/protocol"
)

// MockProtocol frames the stream into fixed Size-byte messages, same as
// protocol.Chunk, but records how many times Append was called so tests
// can assert on framer invocation counts without instrumenting the
// reactor itself.
type MockProtocol struct {
	Size        int
	AppendCalls int
}

// NewMockProtocol returns a MockProtocol framing messages of size bytes.
func NewMockProtocol(size int) *MockProtocol {
	return &MockProtocol{Size: size}
}

// Append implements protocol.Protocol.
func (m *MockProtocol) Append(buf iobuf.RBR) (iobuf.RBR, int, bool) {
	m.AppendCalls++
	if buf.Len() < m.Size {
		return iobuf.RBR{}, 0, false
	}
	head, tail := buf.SplitAt(m.Size)
	tail.Release()
	return head, m.Size, true
}

var _ protocol.Protocol = (*MockProtocol)(nil)
