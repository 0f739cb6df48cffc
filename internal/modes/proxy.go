// Proxy and Client mode handlers. Neither uses §4.C's Bitcoin RPC
// gateway — Proxy keeps one shared upstream pool connection, Client opens
// one upstream connection per downstream miner, and both rely on
// internal/translator to bridge downstream SV1 miners onto them.
//
// Grounded on pool_coordinator.go's connection-accept/sender/reader
// skeleton (kept for the downstream-facing half) but replumbed: instead
// of owning Bitcoin RPC and a template store, these hold upstream
// net.Conns and a per-downstream-connection translator.State.
package modes

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chimera-pool/chimera-pool-core/internal/errs"
	"github.com/chimera-pool/chimera-pool-core/internal/stratum"
	v2binary "github.com/chimera-pool/chimera-pool-core/internal/stratum/v2/binary"
	"github.com/chimera-pool/chimera-pool-core/internal/translator"
)

// UpstreamDialer opens the upstream connections Proxy/Client use.
// Segregated so tests can substitute an in-memory pipe.
type UpstreamDialer interface {
	Dial(ctx context.Context, address string) (net.Conn, error)
}

type netDialer struct{}

func (netDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

// DefaultDialer dials plain TCP.
var DefaultDialer UpstreamDialer = netDialer{}

// ProxyConfig configures Proxy mode.
type ProxyConfig struct {
	ListenAddress   string
	MaxConnections  int
	UpstreamAddress string
}

// pendingChannel records which downstream connection an in-flight
// OpenStandardMiningChannel request belongs to, so the eventual Success
// (or Error) frame can be routed back.
type pendingChannel struct {
	connID string
}

// pendingSubmit records which downstream connection (and original SV1
// request id) an in-flight upstream share submission belongs to, keyed
// by (channel_id, sequence_number) per spec.md §4.G's Proxy description:
// "upstream response correlated back to downstream by sequence_number or
// original submit id".
type pendingSubmit struct {
	connID    string
	requestID interface{}
}

func submitKey(channelID, sequence uint32) uint64 {
	return uint64(channelID)<<32 | uint64(sequence)
}

// Proxy fans upstream work out to many downstream connections and
// forwards their shares upstream, per spec.md §4.G's Proxy description.
type Proxy struct {
	cfg    ProxyConfig
	dialer UpstreamDialer
	conns  *stratum.ConnectionManager

	listener net.Listener

	upstreamMu sync.Mutex
	upstream   net.Conn

	translators sync.Map // connection id -> *translator.State

	chanMu          sync.Mutex
	nextRequestID   atomic.Uint32
	pendingChannels map[uint32]pendingChannel // sv2 request_id -> downstream conn
	channelToConn   map[uint32]string         // sv2 channel_id -> downstream conn
	pendingSubmits  map[uint64]pendingSubmit

	jobMu        sync.Mutex
	lastPrevHash [32]byte
	lastNBits    uint32
	lastNTime    uint32
	lastVersion  uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sharesForwarded atomic.Int64
	sharesReceived  atomic.Int64
}

// NewProxy builds a Proxy handler.
func NewProxy(cfg ProxyConfig, dialer UpstreamDialer) *Proxy {
	if dialer == nil {
		dialer = DefaultDialer
	}
	ctx, cancel := context.WithCancel(context.Background())
	connCfg := stratum.ConnectionManagerConfig{
		ShardCount:          64,
		MaxConnectionsPerIP: 100,
		MaxTotalConnections: cfg.MaxConnections,
		IdleTimeout:         5 * time.Minute,
		HandshakeTimeout:    30 * time.Second,
	}
	return &Proxy{
		cfg:             cfg,
		dialer:          dialer,
		conns:           stratum.NewConnectionManager(connCfg),
		pendingChannels: make(map[uint32]pendingChannel),
		channelToConn:   make(map[uint32]string),
		pendingSubmits:  make(map[uint64]pendingSubmit),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start dials upstream, starts the connection manager, the upstream
// reader, and the downstream listener's accept loop.
func (p *Proxy) Start() error {
	p.conns.Start()

	conn, err := p.dialer.Dial(p.ctx, p.cfg.UpstreamAddress)
	if err != nil {
		return errs.Wrap(errs.KindConnection, "dial upstream", err)
	}
	p.upstreamMu.Lock()
	p.upstream = conn
	p.upstreamMu.Unlock()

	setupPayload := v2binary.NewSerializer().SerializeSetupConnection(&v2binary.SetupConnection{
		Protocol:   0,
		MinVersion: 2,
		MaxVersion: 2,
		Vendor:     v2binary.STR0_255("chimera-stratum-proxy"),
	})
	setup := frame(v2binary.MsgTypeSetupConnection, setupPayload)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.writeUpstream(setup)
	}()

	p.wg.Add(1)
	go p.upstreamReadLoop()

	if p.cfg.ListenAddress != "" {
		listener, err := net.Listen("tcp", p.cfg.ListenAddress)
		if err != nil {
			return errs.Wrap(errs.KindNetwork, "listen on "+p.cfg.ListenAddress, err)
		}
		p.listener = listener
		p.wg.Add(1)
		go p.acceptLoop()
	}

	return nil
}

// Stop closes the upstream connection and drains downstream connections.
func (p *Proxy) Stop() error {
	p.cancel()
	if p.listener != nil {
		p.listener.Close()
	}
	p.upstreamMu.Lock()
	if p.upstream != nil {
		p.upstream.Close()
	}
	p.upstreamMu.Unlock()
	p.conns.Stop()
	p.wg.Wait()
	return nil
}

// acceptLoop accepts downstream miner connections, mirroring
// Coordinator.acceptLoop's short-deadline cancellation check.
func (p *Proxy) acceptLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if tcpListener, ok := p.listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(time.Second))
		}

		conn, err := p.listener.Accept()
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			continue
		}

		p.wg.Add(1)
		go p.handleDownstream(conn)
	}
}

func (p *Proxy) handleDownstream(conn net.Conn) {
	defer p.wg.Done()
	defer conn.Close()

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	id, _ := uuid.NewRandom()
	managed := stratum.NewManagedConnection(p.ctx, id.String(), conn, host)
	defer managed.Close()

	if err := p.HandleConnection(managed); err != nil {
		return
	}
	defer p.HandleDisconnection(managed.ID)

	p.wg.Add(1)
	go p.downstreamSender(managed)

	p.downstreamReader(managed)
}

func (p *Proxy) downstreamSender(conn *stratum.ManagedConnection) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-conn.SendChan:
			if !ok {
				return
			}
			conn.Conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if _, err := conn.Conn.Write(append(msg, '\n')); err != nil {
				return
			}
			atomic.AddInt64(&conn.BytesSent, int64(len(msg)+1))
		}
	}
}

func (p *Proxy) downstreamReader(conn *stratum.ManagedConnection) {
	var buffer [4096]byte
	var messageBuffer []byte

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		conn.Conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		n, err := conn.Conn.Read(buffer[:])
		if err != nil {
			return
		}
		atomic.AddInt64(&conn.BytesReceived, int64(n))
		messageBuffer = append(messageBuffer, buffer[:n]...)

		for {
			idx := -1
			for i, b := range messageBuffer {
				if b == '\n' {
					idx = i
					break
				}
			}
			if idx == -1 {
				break
			}
			line := messageBuffer[:idx]
			messageBuffer = messageBuffer[idx+1:]
			if len(line) > 0 {
				conn.LastActivity = time.Now()
				p.handleDownstreamMessage(conn, line)
			}
		}
	}
}

func (p *Proxy) sendResult(conn *stratum.ManagedConnection, id interface{}, result interface{}) {
	data, _ := json.Marshal(map[string]interface{}{"id": id, "result": result, "error": nil})
	stratum.DeliverOrStall(conn, data)
}

func (p *Proxy) sendError(conn *stratum.ManagedConnection, id interface{}, code int, message string) {
	data, _ := json.Marshal(map[string]interface{}{"id": id, "result": nil, "error": []interface{}{code, message, nil}})
	stratum.DeliverOrStall(conn, data)
}

// handleDownstreamMessage implements spec.md §4.E's downstream
// subscribe/authorize/submit translation trio.
func (p *Proxy) handleDownstreamMessage(conn *stratum.ManagedConnection, data []byte) {
	var msg struct {
		ID     interface{}   `json:"id"`
		Method string        `json:"method"`
		Params []interface{} `json:"params"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		p.sendError(conn, nil, 20, "Parse error")
		return
	}

	state, ok := p.stateFor(conn.ID)
	if !ok {
		p.sendError(conn, msg.ID, 25, "not registered")
		return
	}

	switch msg.Method {
	case "mining.subscribe":
		userAgent := ""
		if len(msg.Params) > 0 {
			if ua, ok := msg.Params[0].(string); ok {
				userAgent = ua
			}
		}
		conn.Subscribed = true
		conn.Extranonce1 = state.ExtraNonce1Hex()
		p.sendResult(conn, msg.ID, []interface{}{
			[]interface{}{"mining.notify", conn.ID},
			conn.Extranonce1,
			state.Extranonce2Size,
		})
		p.openUpstreamChannel(conn.ID, userAgent)
	case "mining.authorize":
		workerName := ""
		if len(msg.Params) > 0 {
			if w, ok := msg.Params[0].(string); ok {
				workerName = w
			}
		}
		conn.WorkerName = workerName
		conn.Authorized = true
		p.sendResult(conn, msg.ID, true)
	case "mining.submit":
		if len(msg.Params) < 5 {
			p.sendError(conn, msg.ID, 20, "mining.submit requires 5 params")
			return
		}
		jobID, _ := msg.Params[1].(string)
		extranonce2, _ := msg.Params[2].(string)
		ntimeHex, _ := msg.Params[3].(string)
		nonceHex, _ := msg.Params[4].(string)
		ntime64, err1 := strconv.ParseUint(ntimeHex, 16, 32)
		nonce64, err2 := strconv.ParseUint(nonceHex, 16, 32)
		if err1 != nil || err2 != nil {
			p.sendError(conn, msg.ID, 20, "malformed submit")
			return
		}
		sub := translator.SV1Submit{
			JobID:       jobID,
			Extranonce2: extranonce2,
			NTime:       uint32(ntime64),
			Nonce:       uint32(nonce64),
		}
		if err := p.forwardSubmit(conn.ID, state, msg.ID, sub); err != nil {
			p.sendError(conn, msg.ID, 21, err.Error())
		}
	default:
		p.sendError(conn, msg.ID, 20, "Unknown method")
	}
}

// openUpstreamChannel sends the SetupConnection-triggered
// OpenStandardMiningChannel for a newly-subscribed downstream connection.
func (p *Proxy) openUpstreamChannel(connID, userAgent string) {
	reqID := p.nextRequestID.Add(1)
	p.chanMu.Lock()
	p.pendingChannels[reqID] = pendingChannel{connID: connID}
	p.chanMu.Unlock()

	open := translator.OpenChannelFor(reqID, userAgent, 0)
	payload := v2binary.NewSerializer().SerializeOpenStandardMiningChannel(open)
	p.writeUpstream(frame(v2binary.MsgTypeOpenStandardMiningChannel, payload))
}

// frame wraps a message payload in its SV2 frame header.
func frame(msgType uint8, payload []byte) []byte {
	return v2binary.NewSerializer().SerializeFrame(msgType, v2binary.ExtensionTypeNone, payload)
}

// writeUpstream writes one length-framed message to the upstream
// connection. Writes are serialized by upstreamMu so that concurrent
// downstream submits never interleave frames.
func (p *Proxy) writeUpstream(frame []byte) {
	p.upstreamMu.Lock()
	defer p.upstreamMu.Unlock()
	if p.upstream == nil {
		return
	}
	p.upstream.SetWriteDeadline(time.Now().Add(30 * time.Second))
	p.upstream.Write(frame)
}

// HandleConnection registers a new downstream connection and allocates
// its TranslationState.
func (p *Proxy) HandleConnection(conn *stratum.ManagedConnection) error {
	state, err := translator.NewState()
	if err != nil {
		return err
	}
	p.translators.Store(conn.ID, state)
	if err := p.conns.AddConnection(conn); err != nil {
		p.translators.Delete(conn.ID)
		return err
	}
	return nil
}

// HandleDisconnection releases a downstream connection's translation
// state, per spec.md §4.G's handle_disconnection(id).
func (p *Proxy) HandleDisconnection(connID string) {
	p.conns.RemoveConnection(connID, "connection closed")
	p.translators.Delete(connID)

	p.chanMu.Lock()
	for ch, cid := range p.channelToConn {
		if cid == connID {
			delete(p.channelToConn, ch)
		}
	}
	p.chanMu.Unlock()
}

// stateFor returns the TranslationState for a downstream connection.
func (p *Proxy) stateFor(connID string) (*translator.State, bool) {
	v, ok := p.translators.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(*translator.State), true
}

// ForwardSubmit implements spec.md §4.E's downstream-submit forwarding:
// translate, then write the framed SV2 message upstream. Exported so
// tests can drive it directly without a real TCP connection.
func (p *Proxy) ForwardSubmit(connID string, sub translator.SV1Submit) error {
	state, ok := p.stateFor(connID)
	if !ok {
		return errs.New(errs.KindConnection, "unknown connection "+connID)
	}
	return p.forwardSubmit(connID, state, nil, sub)
}

func (p *Proxy) forwardSubmit(connID string, state *translator.State, requestID interface{}, sub translator.SV1Submit) error {
	p.sharesReceived.Add(1)
	sv2Submit, err := state.TranslateSubmit(sub)
	if err != nil {
		return err
	}

	p.chanMu.Lock()
	p.pendingSubmits[submitKey(sv2Submit.ChannelID, sv2Submit.SequenceNum)] = pendingSubmit{connID: connID, requestID: requestID}
	p.chanMu.Unlock()

	payload := v2binary.NewSerializer().SerializeSubmitSharesStandard(sv2Submit)
	p.writeUpstream(frame(v2binary.MsgTypeSubmitSharesStandard, payload))
	p.sharesForwarded.Add(1)
	return nil
}

// upstreamReadLoop reads length-framed SV2 messages off the upstream
// connection until it's stopped, dispatching each by message type per
// spec.md §4.E's "Upstream responses" handling.
func (p *Proxy) upstreamReadLoop() {
	defer p.wg.Done()

	var buf []byte
	header := make([]byte, v2binary.HeaderSize)

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		p.upstreamMu.Lock()
		conn := p.upstream
		p.upstreamMu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		if _, err := readFull(conn, header); err != nil {
			if p.ctx.Err() != nil {
				return
			}
			continue
		}
		hdr, err := v2binary.ParseHeader(header)
		if err != nil {
			continue
		}
		buf = make([]byte, hdr.MsgLength)
		if hdr.MsgLength > 0 {
			if _, err := readFull(conn, buf); err != nil {
				return
			}
		}
		p.dispatchUpstream(hdr, buf)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (p *Proxy) dispatchUpstream(hdr *v2binary.FrameHeader, payload []byte) {
	d := v2binary.NewDeserializer(payload)

	switch hdr.MsgType {
	case v2binary.MsgTypeOpenStandardMiningChannelSuccess:
		msg, err := d.DeserializeOpenStandardMiningChannelSuccess()
		if err != nil {
			return
		}
		p.chanMu.Lock()
		pc, ok := p.pendingChannels[msg.RequestID]
		if ok {
			delete(p.pendingChannels, msg.RequestID)
			p.channelToConn[msg.ChannelID] = pc.connID
		}
		p.chanMu.Unlock()
		if ok {
			if state, ok := p.stateFor(pc.connID); ok {
				state.SetChannelID(msg.ChannelID)
			}
		}
	case v2binary.MsgTypeNewMiningJob:
		msg, err := d.DeserializeNewMiningJob()
		if err != nil {
			return
		}
		p.jobMu.Lock()
		p.lastVersion = msg.Version
		nbits, ntime, prevHash := p.lastNBits, p.lastNTime, p.lastPrevHash
		p.jobMu.Unlock()
		p.broadcastJob(msg.ChannelID, msg.JobID, prevHash, msg.Version, nbits, ntime)
	case v2binary.MsgTypeSetNewPrevHash:
		msg, err := d.DeserializeSetNewPrevHash()
		if err != nil {
			return
		}
		p.jobMu.Lock()
		p.lastPrevHash = msg.PrevHash
		p.lastNBits = msg.NBits
		p.lastNTime = msg.MinNTime
		version := p.lastVersion
		p.jobMu.Unlock()
		p.broadcastJob(msg.ChannelID, msg.JobID, msg.PrevHash, version, msg.NBits, msg.MinNTime)
	case v2binary.MsgTypeSubmitSharesSuccess:
		msg, err := d.DeserializeSubmitSharesSuccess()
		if err != nil {
			return
		}
		p.chanMu.Lock()
		ps, ok := p.pendingSubmits[submitKey(msg.ChannelID, msg.LastSequenceNum)]
		if ok {
			delete(p.pendingSubmits, submitKey(msg.ChannelID, msg.LastSequenceNum))
		}
		p.chanMu.Unlock()
		// Silent accept per spec.md §4.E: "SubmitSharesSuccess -> no-op SV1".
		_ = ps
	case v2binary.MsgTypeSubmitSharesError:
		msg, err := d.DeserializeSubmitSharesError()
		if err != nil {
			return
		}
		p.chanMu.Lock()
		ps, ok := p.pendingSubmits[submitKey(msg.ChannelID, msg.SequenceNum)]
		if ok {
			delete(p.pendingSubmits, submitKey(msg.ChannelID, msg.SequenceNum))
		}
		p.chanMu.Unlock()
		if ok {
			if conn, found := p.conns.GetConnection(ps.connID); found {
				code, message := translator.ErrorCodeToSV1(string(msg.ErrorCode))
				p.sendError(conn, ps.requestID, code, message)
			}
		}
	}
}

// broadcastJob mints a fresh SV1 job id for the downstream connection
// bound to channelID and sends mining.notify. Per spec.md §9's open
// question on this path, the merkle branch cannot be reconstructed from
// the binary protocol here (it carries no transaction list), so it is
// sent empty; prevhash/nbits/ntime come from the real upstream values
// rather than the stub's placeholders.
func (p *Proxy) broadcastJob(channelID, sv2JobID uint32, prevHash [32]byte, version, nbits, ntime uint32) {
	p.chanMu.Lock()
	connID, ok := p.channelToConn[channelID]
	p.chanMu.Unlock()
	if !ok {
		return
	}
	state, ok := p.stateFor(connID)
	if !ok {
		return
	}
	conn, ok := p.conns.GetConnection(connID)
	if !ok {
		return
	}

	sv1JobID, err := state.NotifyFromJob(sv2JobID)
	if err != nil {
		return
	}

	msg := map[string]interface{}{
		"id":     nil,
		"method": "mining.notify",
		"params": []interface{}{
			sv1JobID,
			hex.EncodeToString(reverseBytes(prevHash[:])),
			"",
			"",
			[]string{},
			fmt.Sprintf("%08x", version),
			fmt.Sprintf("%08x", nbits),
			fmt.Sprintf("%08x", ntime),
			true,
		},
	}
	data, _ := json.Marshal(msg)
	stratum.DeliverOrStall(conn, data)
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
