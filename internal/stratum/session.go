package stratum

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hako/durafmt"

	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

const (
	subscribeWait  = 30 * time.Second
	extranonceWait = 3 * time.Second
)

// ConnState is the position of the session in the connection lifecycle
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateSubscribing
	StateAuthorizing
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateAuthorizing:
		return "authorizing"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config holds the pool session settings
type Config struct {
	URL       string
	User      string
	Pass      string
	Algorithm string
	UserAgent string

	// Retries is the number of reconnect attempts after a failed one; -1 retries forever.
	Retries   int
	FailPause time.Duration
	// Timeout bounds the wait for a line once the session is up.
	Timeout time.Duration
	// RecvTimeout bounds the wait for handshake replies.
	RecvTimeout time.Duration

	Reconnect    bool
	Extranonce   bool
	Stats        bool
	ProtocolDump bool
}

// ShareRecorder receives the pool verdict on each submitted share and
// supplies the difficulty factor applied to new work.
type ShareRecorder interface {
	ShareResult(accepted bool, reason string) bool
	DiffFactor() float64
}

// Terminator is told when the session gives up on the pool for good.
type Terminator interface {
	Terminate()
}

// Status is a point-in-time view of the session
type Status struct {
	State           string  `json:"state"`
	URL             string  `json:"url"`
	SessionID       string  `json:"session_id,omitempty"`
	JobID           string  `json:"job_id,omitempty"`
	NextDifficulty  float64 `json:"next_difficulty"`
	ExtraNonce2Size int     `json:"extranonce2_size"`
}

// Session is a client connection to one Stratum pool. Run drives it from a
// single goroutine; Send and GenerateWork are safe from any goroutine.
type Session struct {
	cfg    Config
	dial   Dialer
	state  *work.State
	shares ShareRecorder
	logger *log.Logger

	bench BenchSource
	term  Terminator

	// sockMu guards conn and url for writers outside the session goroutine.
	sockMu sync.Mutex
	conn   *lineConn
	url    string

	status atomic.Int32
	reset  atomic.Bool

	// publishedID is the job last handed to the workers; session goroutine only.
	publishedID string

	workMu      sync.Mutex
	job         *work.Job
	xnonce1     []byte
	xnonce2Size int
	nextDiff    float64
	sessionID   string
}

// NewSession creates a disconnected session
func NewSession(cfg Config, dial Dialer, state *work.State, shares ShareRecorder, logger *log.Logger) *Session {
	return &Session{
		cfg:      cfg,
		dial:     dial,
		state:    state,
		shares:   shares,
		logger:   logger.WithComponent("stratum"),
		url:      cfg.URL,
		nextDiff: 1.0,
	}
}

// SetBenchSource sets the provider of client.get_stats data. Call before Run.
func (s *Session) SetBenchSource(b BenchSource) {
	s.bench = b
}

// SetTerminator sets who is told when the retry budget runs out. Call before Run.
func (s *Session) SetTerminator(t Terminator) {
	s.term = t
}

// Run keeps the session connected and processes pool messages until ctx
// ends or reconnecting fails more often than the retry budget allows.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.interrupt)
	defer stop()
	defer s.disconnect()

	for ctx.Err() == nil {
		if s.reset.Swap(false) {
			s.disconnect()
			s.setURL(s.cfg.URL)
		}

		if s.State() != StateConnected {
			s.state.Invalidate()

			err := retry.Do(ctx, s.reconnectPolicy(), func() error {
				return s.handshake(ctx)
			})
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				s.logger.WithError(err).Error("stratum connection failed, terminating work submission")
				if s.term != nil {
					s.term.Terminate()
				}
				return err
			}
		}

		s.publish()

		line, err := s.recvLine(s.cfg.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.WithError(err).Error("stratum connection interrupted")
			s.disconnect()
			continue
		}
		s.dispatch(line)
	}
	return nil
}

func (s *Session) reconnectPolicy() *retry.Config {
	policy := retry.Fixed(s.cfg.Retries, s.cfg.FailPause)
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.logger.WithError(err).Error("stratum connection failed",
			"attempt", attempt,
			"retry_after", durafmt.Parse(delay).String(),
		)
	}
	return policy
}

func (s *Session) handshake(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	if err := s.subscribe(); err != nil {
		s.disconnect()
		return err
	}
	if err := s.authorize(); err != nil {
		s.disconnect()
		return err
	}
	s.status.Store(int32(StateConnected))
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	s.status.Store(int32(StateConnecting))
	url := s.currentURL()

	conn, err := s.dial(ctx, url)
	if err != nil {
		s.status.Store(int32(StateDisconnected))
		return err
	}

	s.sockMu.Lock()
	s.conn = newLineConn(conn)
	s.sockMu.Unlock()

	if err := ctx.Err(); err != nil {
		s.disconnect()
		return err
	}
	s.logger.LogConnection("connected", url)
	return nil
}

func (s *Session) disconnect() {
	s.sockMu.Lock()
	c := s.conn
	s.conn = nil
	url := s.url
	s.sockMu.Unlock()

	s.status.Store(int32(StateDisconnected))
	if c != nil {
		_ = c.close()
		s.logger.LogConnection("disconnected", url)
	}
}

// interrupt unblocks a pending receive without touching session state.
func (s *Session) interrupt() {
	s.sockMu.Lock()
	defer s.sockMu.Unlock()
	if s.conn != nil {
		_ = s.conn.close()
	}
}

// RequestReset drops the current connection; the session then reconnects
// to the configured pool URL.
func (s *Session) RequestReset() {
	s.reset.Store(true)
	s.interrupt()
}

func (s *Session) currentURL() string {
	s.sockMu.Lock()
	defer s.sockMu.Unlock()
	return s.url
}

func (s *Session) setURL(url string) {
	s.sockMu.Lock()
	s.url = url
	s.sockMu.Unlock()
}

// State returns the connection state
func (s *Session) State() ConnState {
	return ConnState(s.status.Load())
}

// Status returns a snapshot for the status API
func (s *Session) Status() Status {
	st := Status{State: s.State().String(), URL: s.currentURL()}

	s.workMu.Lock()
	defer s.workMu.Unlock()
	st.SessionID = s.sessionID
	st.NextDifficulty = s.nextDiff
	st.ExtraNonce2Size = s.xnonce2Size
	if s.job != nil {
		st.JobID = s.job.ID
	}
	return st
}

// Send encodes v and writes it as one line.
func (s *Session) Send(v any) error {
	data, err := MarshalMessage(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "send_line", "failed to encode message")
	}

	s.sockMu.Lock()
	defer s.sockMu.Unlock()
	if s.conn == nil {
		return errors.New(errors.ErrorTypeNetwork, "send_line", "not connected")
	}
	if s.cfg.ProtocolDump {
		s.logger.LogStratumMessage("sent", string(data))
	}
	return s.conn.writeLine(data)
}

// SubmitShare sends a mining.submit request. Until the handshake has
// completed it fails with a retryable network error, so a share is never
// written while subscribe or authorize wait for their replies.
func (s *Session) SubmitShare(req *Request) error {
	if st := s.State(); st != StateConnected {
		return errors.New(errors.ErrorTypeNetwork, "submit_share", "not connected").
			WithContext("state", st.String())
	}
	return s.Send(req)
}

// recvLine is only called from the session goroutine, which is also the only
// writer of conn, so reading the field needs no lock.
func (s *Session) recvLine(timeout time.Duration) (string, error) {
	c := s.conn
	if c == nil {
		return "", errors.New(errors.ErrorTypeNetwork, "recv_line", "not connected")
	}
	line, err := c.readLine(timeout)
	if err != nil {
		return "", err
	}
	if s.cfg.ProtocolDump {
		s.logger.LogStratumMessage("received", line)
	}
	return line, nil
}

func (s *Session) subscribe() error {
	s.status.Store(int32(StateSubscribing))

	s.workMu.Lock()
	sid := s.sessionID
	s.workMu.Unlock()

	replied, err := s.subscribeOnce(sid, false)
	if err != nil && replied {
		s.logger.WithError(err).Warn("subscribe rejected, retrying without parameters")
		_, err = s.subscribeOnce("", true)
	}
	return err
}

// subscribeOnce sends one mining.subscribe and applies the reply. replied
// reports whether the pool answered at all.
func (s *Session) subscribeOnce(sid string, bare bool) (replied bool, err error) {
	const op = "subscribe"

	if err := s.Send(NewSubscribeRequest(s.cfg.UserAgent, sid, bare)); err != nil {
		return false, err
	}
	line, err := s.recvLine(subscribeWait)
	if err != nil {
		return false, err
	}

	msg, err := ParseMessage([]byte(line))
	if err != nil {
		return true, errors.Wrap(err, errors.ErrorTypeProtocol, op, "invalid subscribe reply")
	}
	if !msg.HasResult || msg.Result == nil || msg.Result == false || msg.Error != nil {
		return true, errors.New(errors.ErrorTypeProtocol, op, "subscribe refused").
			WithContext("reason", msg.ErrorReason())
	}

	res, ok := msg.Result.([]any)
	if !ok || len(res) < 3 {
		return true, errors.New(errors.ErrorTypeProtocol, op, "unexpected subscribe result")
	}
	xn1, ok := res[1].(string)
	if !ok {
		return true, errors.New(errors.ErrorTypeProtocol, op, "extranonce1 is not a string")
	}
	xnonce1, err := hex.DecodeString(xn1)
	if err != nil {
		return true, errors.Wrap(err, errors.ErrorTypeProtocol, op, "invalid extranonce1")
	}
	size, ok := res[2].(float64)
	if !ok || size < work.MinExtraNonce2Size || size > work.MaxExtraNonce2Size {
		return true, errors.Newf(errors.ErrorTypeProtocol, op, "invalid extranonce2 size %v", res[2])
	}

	s.workMu.Lock()
	s.sessionID = notifySessionID(res[0])
	s.xnonce1 = xnonce1
	s.xnonce2Size = int(size)
	s.nextDiff = 1.0
	s.job = nil
	s.workMu.Unlock()
	return true, nil
}

// notifySessionID finds the ["mining.notify", id] pair in the subscription
// list, stopping at the first entry that is not a pair.
func notifySessionID(subs any) string {
	list, ok := subs.([]any)
	if !ok {
		return ""
	}
	for _, entry := range list {
		pair, ok := entry.([]any)
		if !ok {
			break
		}
		if len(pair) < 2 {
			continue
		}
		name, ok := pair[0].(string)
		if !ok || ParseMethod(name) != MethodNotify {
			continue
		}
		sid, _ := pair[1].(string)
		return sid
	}
	return ""
}

func (s *Session) authorize() error {
	const op = "authorize"
	s.status.Store(int32(StateAuthorizing))

	if err := s.Send(NewAuthorizeRequest(s.cfg.User, s.cfg.Pass)); err != nil {
		return err
	}

	for {
		line, err := s.recvLine(s.cfg.RecvTimeout)
		if err != nil {
			return err
		}
		msg, err := ParseMessage([]byte(line))
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeProtocol, op, "invalid authorize reply")
		}
		if msg.IsMethod() {
			s.handleMethod(msg)
			continue
		}
		if !msg.HasResult || msg.Result == nil || msg.Result == false || msg.Error != nil {
			return errors.New(errors.ErrorTypeProtocol, op, "pool refused authorization").
				WithContext("user", s.cfg.User).
				WithContext("reason", msg.ErrorReason())
		}
		break
	}

	if s.cfg.Extranonce {
		s.subscribeExtranonce()
	}
	return nil
}

func (s *Session) subscribeExtranonce() {
	if err := s.Send(NewExtranonceSubscribeRequest()); err != nil {
		s.logger.WithError(err).Warn("failed to send extranonce subscribe")
		return
	}

	line, err := s.recvLine(extranonceWait)
	if err != nil {
		s.logger.Debug("no reply to extranonce subscribe")
		return
	}
	msg, err := ParseMessage([]byte(line))
	if err != nil {
		s.logger.WithError(err).Warn("invalid extranonce subscribe reply")
		return
	}

	if id, ok := msg.NumericID(); !ok || id != ExtranonceID {
		// pools that ignore the request go straight to their pushes
		if !msg.IsMethod() || !s.handleMethod(msg) {
			s.logger.Warn("stratum answer id is not correct", "id", msg.ID)
		}
		return
	}
	if !msg.ResultTrue() {
		s.logger.Debug("extranonce subscribe not supported")
	}
}

// publish hands the current job to the workers when it has not been
// published yet. A clean job also restarts every worker.
func (s *Session) publish() {
	s.workMu.Lock()
	job := s.job
	s.workMu.Unlock()

	if job == nil {
		return
	}
	if s.state.Published() && s.publishedID == job.ID {
		return
	}
	s.publishedID = job.ID

	var netDiff float64
	gen := func(w *work.Work) {
		s.GenerateWork(w)
		netDiff = w.NetDiff
	}
	if !job.Clean {
		s.state.Publish(gen)
		return
	}
	s.state.PublishClean(gen)
	s.logger.LogNewBlock(job.Height, netDiff)
}

// GenerateWork builds fresh work from the current job into dst and reports
// whether a job was available.
func (s *Session) GenerateWork(dst *work.Work) bool {
	factor := s.shares.DiffFactor()

	s.workMu.Lock()
	defer s.workMu.Unlock()
	if s.job == nil {
		return false
	}
	work.Build(s.job, dst, factor)
	return true
}

func (s *Session) dispatch(line string) {
	msg, err := ParseMessage([]byte(line))
	if err != nil {
		s.logger.WithError(err).Warn("dropping malformed stratum line")
		return
	}
	if msg.IsMethod() {
		s.handleMethod(msg)
		return
	}
	s.handleResponse(msg)
}
