package port

import (
	"unsafe"

	"shmbus/internal/chunk"
	"shmbus/internal/mempool"
	"shmbus/internal/relptr"
)

type testFixture struct {
	reg          *relptr.Registry
	payloadPool  *mempool.MePoo
	mgmtPool     *mempool.Pool
	payloadBase  unsafe.Pointer
	mgmtBase     unsafe.Pointer
}

const (
	payloadSegment relptr.SegmentID = 1
	mgmtSegment    relptr.SegmentID = 2
)

func newFixture(blockSize, blockCount, mgmtCount uint32) *testFixture {
	payloadBuf := make([]byte, int(blockSize)*int(blockCount))
	payloadBase := unsafe.Pointer(unsafe.SliceData(payloadBuf))
	tier := mempool.NewPool(payloadSegment, payloadBase, blockSize, blockCount)

	mgmtBuf := make([]byte, int(chunk.ManagementBlockSize())*int(mgmtCount))
	mgmtBase := unsafe.Pointer(unsafe.SliceData(mgmtBuf))
	mgmtPool := mempool.NewPool(mgmtSegment, mgmtBase, chunk.ManagementBlockSize(), mgmtCount)

	reg := relptr.NewRegistry()
	reg.Register(payloadSegment, payloadBase, uintptr(len(payloadBuf)))
	reg.Register(mgmtSegment, mgmtBase, uintptr(len(mgmtBuf)))

	return &testFixture{
		reg:         reg,
		payloadPool: mempool.NewMePoo([]*mempool.Pool{tier}),
		mgmtPool:    mgmtPool,
		payloadBase: payloadBase,
		mgmtBase:    mgmtBase,
	}
}

func (f *testFixture) loan(pub *Publisher, seq uint64, payloadSize uint32) (*chunk.Chunk, relptr.Ptr) {
	c, err := pub.Loan(f.payloadPool, f.mgmtPool, 1, seq, 0, payloadSize, 1)
	if err != nil {
		panic(err)
	}
	ptr := relptr.MakePtr(mgmtSegment, f.mgmtBase, unsafe.Pointer(c.Mgmt))
	return c, ptr
}
