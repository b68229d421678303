package stratum

import (
	"encoding/hex"
	"fmt"
	"net"
	"runtime"
	"strconv"

	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
)

// BenchData is the client.get_stats payload
type BenchData struct {
	Algo       string  `json:"algo"`
	Type       string  `json:"type"`
	Device     string  `json:"device"`
	VendorID   string  `json:"vendorid"`
	Arch       string  `json:"arch"`
	Freq       int     `json:"freq"`
	MemFreq    int     `json:"memf"`
	Power      int     `json:"power"`
	KHashes    float64 `json:"khashes"`
	Intensity  float64 `json:"intensity"`
	Throughput uint32  `json:"throughput"`
	Client     string  `json:"client"`
	OS         string  `json:"os"`
	Driver     string  `json:"driver"`
}

// BenchSource supplies the device part of client.get_stats
type BenchSource interface {
	Bench() BenchData
}

// handleMethod runs the handler for a pool request or push and reports
// whether it was handled.
func (s *Session) handleMethod(msg *Message) bool {
	var err error

	switch ParseMethod(msg.Method) {
	case MethodNotify:
		err = s.handleNotify(msg.Params)
	case MethodSetDifficulty:
		err = s.handleSetDifficulty(msg.Params)
	case MethodSetExtranonce:
		err = s.handleSetExtranonce(msg.Params)
	case MethodPing:
		if msg.ID != nil {
			err = s.Send(NewPong(msg.ID))
		}
	case MethodReconnect:
		err = s.handleReconnect(msg.Params)
	case MethodGetAlgo:
		err = s.reply(msg.ID, s.cfg.Algorithm)
	case MethodGetStats:
		err = s.handleGetStats(msg.ID)
	case MethodGetVersion:
		err = s.reply(msg.ID, s.cfg.UserAgent)
	case MethodShowMessage:
		err = s.handleShowMessage(msg)
	default:
		if msg.ID != nil {
			err = s.Send(NewErrorReply(msg.ID, ErrorUnknownMethod, "unknown method"))
		}
		s.logger.Debug("unknown stratum method", "method", msg.Method)
	}

	if err != nil {
		s.logger.WithError(err).Warn("failed to handle stratum method", "method", msg.Method)
		return false
	}
	return true
}

func (s *Session) reply(id, result any) error {
	if id == nil {
		return nil
	}
	return s.Send(NewResult(id, result))
}

func (s *Session) handleNotify(params []any) error {
	n, err := work.ParseNotify(params)
	if err != nil {
		return err
	}

	s.workMu.Lock()
	defer s.workMu.Unlock()

	if s.xnonce1 == nil {
		return errors.New(errors.ErrorTypeProtocol, "notify", "job received before subscribe")
	}
	job, err := work.NewJob(n, s.xnonce1, s.xnonce2Size, s.job)
	if err != nil {
		return err
	}
	job.Diff = s.nextDiff
	s.job = job

	s.logger.WithJob(job.ID, job.Height).Debug("new job", "clean", job.Clean, "difficulty", job.Diff)
	return nil
}

func (s *Session) handleSetDifficulty(params []any) error {
	const op = "set_difficulty"

	if len(params) < 1 {
		return errors.New(errors.ErrorTypeProtocol, op, "missing difficulty")
	}
	diff, ok := params[0].(float64)
	if !ok || diff <= 0 {
		return errors.Newf(errors.ErrorTypeProtocol, op, "invalid difficulty %v", params[0])
	}

	s.workMu.Lock()
	s.nextDiff = diff
	s.workMu.Unlock()

	s.logger.Info("stratum difficulty set",
		"difficulty", diff,
		"target_difficulty", diff/(work.DiffScale*s.shares.DiffFactor()),
	)
	return nil
}

func (s *Session) handleSetExtranonce(params []any) error {
	const op = "set_extranonce"

	if len(params) < 2 {
		return errors.New(errors.ErrorTypeProtocol, op, "expected extranonce1 and size")
	}
	xn1, ok := params[0].(string)
	if !ok {
		return errors.New(errors.ErrorTypeProtocol, op, "extranonce1 is not a string")
	}
	xnonce1, err := hex.DecodeString(xn1)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, op, "invalid extranonce1")
	}
	size, ok := params[1].(float64)
	if !ok || size < work.MinExtraNonce2Size || size > work.MaxExtraNonce2Size {
		return errors.Newf(errors.ErrorTypeProtocol, op, "invalid extranonce2 size %v", params[1])
	}

	s.workMu.Lock()
	s.xnonce1 = xnonce1
	s.xnonce2Size = int(size)
	s.workMu.Unlock()

	s.logger.Debug("extranonce updated", "extranonce1", xn1, "extranonce2_size", int(size))
	return nil
}

func (s *Session) handleReconnect(params []any) error {
	const op = "reconnect"

	if len(params) < 2 {
		return errors.New(errors.ErrorTypeProtocol, op, "expected host and port")
	}
	host, ok := params[0].(string)
	if !ok || host == "" {
		return errors.New(errors.ErrorTypeProtocol, op, "invalid host")
	}

	var port string
	switch p := params[1].(type) {
	case string:
		port = p
	case float64:
		port = strconv.Itoa(int(p))
	default:
		return errors.Newf(errors.ErrorTypeProtocol, op, "invalid port %v", params[1])
	}

	if !s.cfg.Reconnect {
		s.logger.Info("ignoring request to reconnect", "host", host, "port", port)
		return nil
	}

	url := "stratum+tcp://" + net.JoinHostPort(host, port)
	s.logger.Info("server requested reconnection", "url", url)
	s.setURL(url)
	s.disconnect()
	return nil
}

func (s *Session) handleGetStats(id any) error {
	if id == nil {
		return nil
	}
	if !s.cfg.Stats {
		return s.Send(NewErrorReply(id, ErrorDisabled, "disabled"))
	}

	var data BenchData
	if s.bench != nil {
		data = s.bench.Bench()
	}
	data.Algo = s.cfg.Algorithm
	data.Type = "gpu"
	data.Client = s.cfg.UserAgent
	data.OS = runtime.GOOS
	return s.Send(NewResult(id, data))
}

func (s *Session) handleShowMessage(msg *Message) error {
	if len(msg.Params) > 0 {
		s.logger.Info(fmt.Sprintf("MESSAGE FROM SERVER: %v", msg.Params[0]))
	}
	return s.reply(msg.ID, true)
}

// handleResponse applies a pool verdict on a submitted share. Replies to the
// handshake requests are ignored here.
func (s *Session) handleResponse(msg *Message) {
	id, ok := msg.NumericID()
	if !ok || id < SubmitID || !msg.HasResult {
		return
	}
	s.shares.ShareResult(msg.ResultTrue(), msg.ErrorReason())
}
