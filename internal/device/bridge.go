package device

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gominer/internal/jsonx"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// Bridge operations
const (
	OpInfo     = "info"
	OpInit     = "init"
	OpKernel   = "kernel"
	OpRun      = "run"
	OpCount    = "count"
	OpIndices  = "indices"
	OpResult   = "result"
	OpClear    = "clear"
	OpShutdown = "shutdown"
)

// Request is one bridge frame sent to the compute worker
type Request struct {
	Op     string      `json:"op"`
	Start  uint32      `json:"start,omitempty"`
	Size   uint32      `json:"size,omitempty"`
	Count  uint32      `json:"count,omitempty"`
	Offset uint32      `json:"offset,omitempty"`
	Index  uint32      `json:"index,omitempty"`
	Kernel *KernelData `json:"kernel,omitempty"`
}

// Reply is the compute worker's answer to a Request
type Reply struct {
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
	Count   uint32    `json:"count,omitempty"`
	First   uint32    `json:"first,omitempty"`
	Indices []uint32  `json:"indices,omitempty"`
	Hash    [8]uint32 `json:"hash"`
	Info    *Info     `json:"info,omitempty"`
}

// Bridge is a Device served by a compute worker process over a ZeroMQ
// REQ/REP socket. A request that times out leaves the REQ socket unusable,
// so the socket is rebuilt before the next call.
type Bridge struct {
	id       int
	endpoint string
	timeout  time.Duration
	logger   *log.Logger

	mu   sync.Mutex
	sock *zmq.Socket
	info atomic.Pointer[Info]
}

// NewBridge connects to a compute worker at endpoint. timeout bounds each
// request, including a full batch run.
func NewBridge(id int, endpoint string, timeout time.Duration, logger *log.Logger) (*Bridge, error) {
	b := &Bridge{
		id:       id,
		endpoint: endpoint,
		timeout:  timeout,
		logger:   logger.WithComponent("device").WithFields("device_id", id, "endpoint", endpoint),
	}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bridge) open() error {
	const op = "bridge_open"

	sock, err := zmq.NewSocket(zmq.REQ)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDevice, op, "failed to create ZMQ socket")
	}
	if err := sock.SetLinger(0); err != nil {
		_ = sock.Close()
		return errors.Wrap(err, errors.ErrorTypeDevice, op, "failed to set linger")
	}
	if err := sock.SetSndtimeo(b.timeout); err != nil {
		_ = sock.Close()
		return errors.Wrap(err, errors.ErrorTypeDevice, op, "failed to set send timeout")
	}
	if err := sock.SetRcvtimeo(b.timeout); err != nil {
		_ = sock.Close()
		return errors.Wrap(err, errors.ErrorTypeDevice, op, "failed to set receive timeout")
	}
	if err := sock.Connect(b.endpoint); err != nil {
		_ = sock.Close()
		return errors.Wrap(err, errors.ErrorTypeDevice, op, "failed to connect to compute worker").
			WithContext("endpoint", b.endpoint)
	}
	b.sock = sock
	return nil
}

func (b *Bridge) call(req *Request) (*Reply, error) {
	const op = "bridge_call"

	data, err := jsonx.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, op, "failed to encode request")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sock == nil {
		if err := b.open(); err != nil {
			return nil, err
		}
	}

	if _, err := b.sock.SendBytes(data, 0); err != nil {
		b.resetLocked()
		return nil, errors.Wrap(err, errors.ErrorTypeDevice, op, "failed to send request").
			WithContext("op", req.Op)
	}
	raw, err := b.sock.RecvBytes(0)
	if err != nil {
		b.resetLocked()
		return nil, errors.Wrap(err, errors.ErrorTypeDevice, op, "no reply from compute worker").
			WithContext("op", req.Op)
	}

	var reply Reply
	if err := jsonx.Unmarshal(raw, &reply); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDevice, op, "invalid reply").WithContext("op", req.Op)
	}
	if !reply.OK {
		return nil, errors.New(errors.ErrorTypeDevice, op, reply.Error).WithContext("op", req.Op)
	}
	return &reply, nil
}

func (b *Bridge) resetLocked() {
	if b.sock != nil {
		_ = b.sock.Close()
		b.sock = nil
	}
}

// Init asks the worker to prepare the device and fetches its description.
func (b *Bridge) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.call(&Request{Op: OpInit}); err != nil {
		return err
	}
	reply, err := b.call(&Request{Op: OpInfo})
	if err != nil {
		return err
	}
	info := Info{}
	if reply.Info != nil {
		info = *reply.Info
	}
	b.info.Store(&info)
	b.logger.Info("device ready", "name", info.Name, "arch", info.Arch)
	return nil
}

// Info returns the description fetched by Init
func (b *Bridge) Info() Info {
	if info := b.info.Load(); info != nil {
		return *info
	}
	return Info{}
}

// SetKernelData uploads the per-range kernel inputs
func (b *Bridge) SetKernelData(k KernelData) error {
	_, err := b.call(&Request{Op: OpKernel, Kernel: &k})
	return err
}

// RunBatch scans size nonces from start
func (b *Bridge) RunBatch(start, size uint32) error {
	_, err := b.call(&Request{Op: OpRun, Start: start, Size: size})
	return err
}

// CandidateCountAndFirst reads the candidate register head
func (b *Bridge) CandidateCountAndFirst() (count, first uint32, err error) {
	reply, err := b.call(&Request{Op: OpCount})
	if err != nil {
		return 0, 0, err
	}
	return reply.Count, reply.First, nil
}

// CandidateIndices reads count register slots from offset
func (b *Bridge) CandidateIndices(count, offset uint32) ([]uint32, error) {
	reply, err := b.call(&Request{Op: OpIndices, Count: count, Offset: offset})
	if err != nil {
		return nil, err
	}
	if uint32(len(reply.Indices)) != count {
		return nil, errors.Newf(errors.ErrorTypeDevice, "bridge_call", "expected %d indices, got %d", count, len(reply.Indices))
	}
	return reply.Indices, nil
}

// ResultAt reads the intermediate hash of one batch-local index
func (b *Bridge) ResultAt(index uint32) ([8]uint32, error) {
	reply, err := b.call(&Request{Op: OpResult, Index: index})
	if err != nil {
		return [8]uint32{}, err
	}
	return reply.Hash, nil
}

// ClearCandidates resets the candidate register
func (b *Bridge) ClearCandidates(count uint32) error {
	_, err := b.call(&Request{Op: OpClear, Count: count})
	return err
}

// Close tells the worker to release the device and closes the socket.
func (b *Bridge) Close() error {
	if _, err := b.call(&Request{Op: OpShutdown}); err != nil {
		b.logger.WithError(err).Warn("compute worker did not acknowledge shutdown")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sock == nil {
		return nil
	}
	err := b.sock.Close()
	b.sock = nil
	return err
}
