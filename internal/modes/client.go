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

// ClientConfig configures Client mode.
type ClientConfig struct {
	ListenAddress   string
	MaxConnections  int
	UpstreamAddress string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

// link pairs one downstream connection with its own dedicated upstream
// connection and TranslationState, implementing spec.md §4.G's "relays
// downstream miner connections 1:1 without fan-out semantics" — unlike
// Proxy, each miner gets its own upstream dial rather than sharing one.
type link struct {
	downstream *stratum.ManagedConnection
	upstream   net.Conn
	state      *translator.State

	pendingMu      sync.Mutex
	pendingChannel uint32
	pendingSubmits map[uint32]interface{} // sequenceNum -> SV1 request ID

	jobMu        sync.Mutex
	lastPrevHash [32]byte
	lastNBits    uint32
	lastNTime    uint32
	lastVersion  uint32
}

// Client opens one dedicated upstream connection per downstream miner and
// relays between SV1 and SV2 with no shared state across miners.
type Client struct {
	cfg    ClientConfig
	dialer UpstreamDialer
	conns  *stratum.ConnectionManager

	listener net.Listener

	mu    sync.Mutex
	links map[string]*link

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sharesForwarded atomic.Int64
}

// NewClient builds a Client handler.
func NewClient(cfg ClientConfig, dialer UpstreamDialer) *Client {
	if dialer == nil {
		dialer = DefaultDialer
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		dialer: dialer,
		links:  make(map[string]*link),
		conns: stratum.NewConnectionManager(stratum.ConnectionManagerConfig{
			ShardCount:          64,
			MaxConnectionsPerIP: 100,
			MaxTotalConnections: cfg.MaxConnections,
			IdleTimeout:         5 * time.Minute,
			HandshakeTimeout:    30 * time.Second,
		}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start brings up the downstream listener, if configured. Upstream dials
// happen per-connection in HandleConnection, since Client has no shared
// upstream to warm up.
func (c *Client) Start() error {
	c.conns.Start()

	if c.cfg.ListenAddress == "" {
		return nil
	}
	listener, err := net.Listen("tcp", c.cfg.ListenAddress)
	if err != nil {
		return errs.Wrap(errs.KindConnection, "client listen", err)
	}
	c.listener = listener

	c.wg.Add(1)
	go c.acceptLoop()
	return nil
}

// Stop closes the listener and every outstanding link's upstream connection.
func (c *Client) Stop() error {
	c.cancel()
	if c.listener != nil {
		c.listener.Close()
	}

	c.mu.Lock()
	for _, l := range c.links {
		l.upstream.Close()
	}
	c.links = make(map[string]*link)
	c.mu.Unlock()

	c.conns.Stop()
	c.wg.Wait()
	return nil
}

func (c *Client) acceptLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if tcpListener, ok := c.listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(time.Second))
		}
		conn, err := c.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-c.ctx.Done():
				return
			default:
				continue
			}
		}

		c.wg.Add(1)
		go c.handleDownstream(conn)
	}
}

func (c *Client) handleDownstream(conn net.Conn) {
	defer c.wg.Done()

	remoteIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	connID := uuid.NewString()
	managed := stratum.NewManagedConnection(c.ctx, connID, conn, remoteIP)

	if err := c.HandleConnection(managed); err != nil {
		conn.Close()
		return
	}
	if err := c.conns.AddConnection(managed); err != nil {
		c.HandleDisconnection(connID)
		conn.Close()
		return
	}
	defer c.HandleDisconnection(connID)
	defer c.conns.RemoveConnection(connID, "client link closed")

	l, ok := c.linkFor(connID)
	if !ok {
		return
	}

	c.wg.Add(1)
	go c.downstreamSender(managed)

	c.wg.Add(1)
	go c.upstreamReadLoop(l)

	c.downstreamReader(managed, l)
}

func (c *Client) downstreamSender(conn *stratum.ManagedConnection) {
	defer c.wg.Done()
	for {
		select {
		case data, ok := <-conn.SendChan:
			if !ok {
				return
			}
			conn.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if _, err := conn.Conn.Write(append(data, '\n')); err != nil {
				return
			}
			atomic.AddInt64(&conn.BytesSent, int64(len(data)+1))
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) downstreamReader(conn *stratum.ManagedConnection, l *link) {
	var buffer [4096]byte
	var messageBuffer []byte

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn.Conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
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
				c.handleDownstreamMessage(conn, l, line)
			}
		}
	}
}

// handleDownstreamMessage implements the same subscribe/authorize/submit
// translation trio as Proxy, against this link's dedicated upstream.
func (c *Client) handleDownstreamMessage(conn *stratum.ManagedConnection, l *link, data []byte) {
	var msg struct {
		ID     interface{}   `json:"id"`
		Method string        `json:"method"`
		Params []interface{} `json:"params"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(conn, nil, 20, "Parse error")
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
		conn.Extranonce1 = l.state.ExtraNonce1Hex()
		c.sendResult(conn, msg.ID, []interface{}{
			[]interface{}{"mining.notify", conn.ID},
			conn.Extranonce1,
			l.state.Extranonce2Size,
		})
		c.openUpstreamChannel(l, userAgent)

	case "mining.authorize":
		workerName := ""
		if len(msg.Params) > 0 {
			if w, ok := msg.Params[0].(string); ok {
				workerName = w
			}
		}
		conn.WorkerName = workerName
		conn.Authorized = true
		c.sendResult(conn, msg.ID, true)

	case "mining.submit":
		if len(msg.Params) < 5 {
			c.sendError(conn, msg.ID, 20, "mining.submit requires 5 params")
			return
		}
		jobID, _ := msg.Params[1].(string)
		extranonce2, _ := msg.Params[2].(string)
		ntimeHex, _ := msg.Params[3].(string)
		nonceHex, _ := msg.Params[4].(string)
		ntime64, err1 := strconv.ParseUint(ntimeHex, 16, 32)
		nonce64, err2 := strconv.ParseUint(nonceHex, 16, 32)
		if err1 != nil || err2 != nil {
			c.sendError(conn, msg.ID, 20, "malformed submit")
			return
		}
		sub := translator.SV1Submit{
			JobID:       jobID,
			Extranonce2: extranonce2,
			NTime:       uint32(ntime64),
			Nonce:       uint32(nonce64),
		}
		if err := c.forwardSubmit(l, msg.ID, sub); err != nil {
			c.sendError(conn, msg.ID, 21, err.Error())
		}

	default:
		c.sendError(conn, msg.ID, 20, "unknown method "+msg.Method)
	}
}

func (c *Client) sendResult(conn *stratum.ManagedConnection, id, result interface{}) {
	data, _ := json.Marshal(map[string]interface{}{"id": id, "result": result, "error": nil})
	stratum.DeliverOrStall(conn, data)
}

func (c *Client) sendError(conn *stratum.ManagedConnection, id interface{}, code int, message string) {
	data, _ := json.Marshal(map[string]interface{}{"id": id, "result": nil, "error": []interface{}{code, message, nil}})
	stratum.DeliverOrStall(conn, data)
}

func (c *Client) openUpstreamChannel(l *link, userAgent string) {
	reqID := uint32(1)
	l.pendingMu.Lock()
	l.pendingChannel = reqID
	l.pendingMu.Unlock()

	open := translator.OpenChannelFor(reqID, userAgent, 0)
	payload := v2binary.NewSerializer().SerializeOpenStandardMiningChannel(open)
	c.writeUpstream(l, frame(v2binary.MsgTypeOpenStandardMiningChannel, payload))
}

func (c *Client) writeUpstream(l *link, data []byte) {
	l.upstream.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	l.upstream.Write(data)
}

// HandleConnection dials a fresh upstream connection for this one
// downstream miner, sends the SV2 SetupConnection handshake and records
// the pairing.
func (c *Client) HandleConnection(conn *stratum.ManagedConnection) error {
	dialCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()

	upstream, err := c.dialer.Dial(dialCtx, c.cfg.UpstreamAddress)
	if err != nil {
		return errs.Wrap(errs.KindConnection, "dial upstream for "+conn.ID, err)
	}

	state, err := translator.NewState()
	if err != nil {
		upstream.Close()
		return err
	}

	l := &link{
		downstream:     conn,
		upstream:       upstream,
		state:          state,
		pendingSubmits: make(map[uint32]interface{}),
	}

	c.mu.Lock()
	c.links[conn.ID] = l
	c.mu.Unlock()

	setupPayload := v2binary.NewSerializer().SerializeSetupConnection(translator.SetupConnectionFor("chimera-stratum-client"))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.writeUpstream(l, frame(v2binary.MsgTypeSetupConnection, setupPayload))
	}()

	return nil
}

// HandleDisconnection tears down one miner's dedicated upstream link.
func (c *Client) HandleDisconnection(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.links[connID]; ok {
		l.upstream.Close()
		delete(c.links, connID)
	}
}

func (c *Client) linkFor(connID string) (*link, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.links[connID]
	return l, ok
}

func (c *Client) forwardSubmit(l *link, requestID interface{}, sub translator.SV1Submit) error {
	sv2Submit, err := l.state.TranslateSubmit(sub)
	if err != nil {
		return err
	}

	l.pendingMu.Lock()
	l.pendingSubmits[sv2Submit.SequenceNum] = requestID
	l.pendingMu.Unlock()

	payload := v2binary.NewSerializer().SerializeSubmitSharesStandard(sv2Submit)
	c.writeUpstream(l, frame(v2binary.MsgTypeSubmitSharesStandard, payload))
	c.sharesForwarded.Add(1)
	return nil
}

func (c *Client) upstreamReadLoop(l *link) {
	defer c.wg.Done()
	for {
		l.upstream.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		hdr := make([]byte, v2binary.HeaderSize)
		if _, err := readFull(l.upstream, hdr); err != nil {
			return
		}
		h, err := v2binary.ParseHeader(hdr)
		if err != nil {
			return
		}
		payload := make([]byte, h.MsgLength)
		if h.MsgLength > 0 {
			if _, err := readFull(l.upstream, payload); err != nil {
				return
			}
		}
		c.dispatchUpstream(l, h, payload)

		select {
		case <-c.ctx.Done():
			return
		default:
		}
	}
}

func (c *Client) dispatchUpstream(l *link, hdr *v2binary.FrameHeader, payload []byte) {
	d := v2binary.NewDeserializer(payload)
	switch hdr.MsgType {
	case v2binary.MsgTypeOpenStandardMiningChannelSuccess:
		msg, err := d.DeserializeOpenStandardMiningChannelSuccess()
		if err != nil {
			return
		}
		l.pendingMu.Lock()
		matches := l.pendingChannel == msg.RequestID
		l.pendingMu.Unlock()
		if matches {
			l.state.SetChannelID(msg.ChannelID)
		}

	case v2binary.MsgTypeNewMiningJob:
		msg, err := d.DeserializeNewMiningJob()
		if err != nil {
			return
		}
		l.jobMu.Lock()
		l.lastVersion = msg.Version
		prevHash, nbits, ntime := l.lastPrevHash, l.lastNBits, l.lastNTime
		l.jobMu.Unlock()
		c.broadcastJob(l, msg.JobID, prevHash, msg.Version, nbits, ntime)

	case v2binary.MsgTypeSetNewPrevHash:
		msg, err := d.DeserializeSetNewPrevHash()
		if err != nil {
			return
		}
		l.jobMu.Lock()
		l.lastPrevHash = msg.PrevHash
		l.lastNBits = msg.NBits
		l.lastNTime = msg.MinNTime
		version := l.lastVersion
		l.jobMu.Unlock()
		c.broadcastJob(l, msg.JobID, msg.PrevHash, version, msg.NBits, msg.MinNTime)

	case v2binary.MsgTypeSubmitSharesSuccess:
		msg, err := d.DeserializeSubmitSharesSuccess()
		if err != nil {
			return
		}
		l.pendingMu.Lock()
		delete(l.pendingSubmits, msg.LastSequenceNum)
		l.pendingMu.Unlock()

	case v2binary.MsgTypeSubmitSharesError:
		msg, err := d.DeserializeSubmitSharesError()
		if err != nil {
			return
		}
		l.pendingMu.Lock()
		requestID, ok := l.pendingSubmits[msg.SequenceNum]
		delete(l.pendingSubmits, msg.SequenceNum)
		l.pendingMu.Unlock()
		if ok {
			code, message := translator.ErrorCodeToSV1(string(msg.ErrorCode))
			c.sendError(l.downstream, requestID, code, message)
		}
	}
}

// broadcastJob relays an upstream SV2 job to this link's single downstream
// miner as mining.notify. Like Proxy, the merkle branch is left empty: the
// SV2 binary protocol here carries no transaction list to rebuild it from.
func (c *Client) broadcastJob(l *link, sv2JobID uint32, prevHash [32]byte, version, nbits, ntime uint32) {
	sv1JobID, err := l.state.NotifyFromJob(sv2JobID)
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
	stratum.DeliverOrStall(l.downstream, data)
}
