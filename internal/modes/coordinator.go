// Package modes implements the four operation-mode handlers spec.md §4.G
// names (Solo, Pool, Proxy, Client) and the hot-swap router of §4.H.
//
// Solo and Pool share nearly all of their wiring — template refresh,
// job broadcast, share validation, difficulty assignment — so both are
// built on the shared Coordinator here, grounded on the teacher's
// internal/stratum/pool_coordinator.go (PoolCoordinator): its accept
// loop, per-connection sender/reader goroutines, and message dispatch
// are kept, its job-update loop's TODO ("fetch new job from block
// template provider") is filled in with real worktemplate/bitcoinrpc
// polling, and its handleSubmit is rewired onto internal/sharevalidator
// instead of the teacher's simulated-hash shares.BatchProcessor.
package modes

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chimera-pool/chimera-pool-core/internal/bitcoinrpc"
	"github.com/chimera-pool/chimera-pool-core/internal/errs"
	"github.com/chimera-pool/chimera-pool-core/internal/recovery"
	"github.com/chimera-pool/chimera-pool-core/internal/sharevalidator"
	"github.com/chimera-pool/chimera-pool-core/internal/stratum"
	"github.com/chimera-pool/chimera-pool-core/internal/stratum/difficulty"
	"github.com/chimera-pool/chimera-pool-core/internal/stratum/merkle"
	"github.com/chimera-pool/chimera-pool-core/internal/worktemplate"
)

// AccountingSink is where Pool mode hands off validated shares for
// out-of-core persistence (spec.md §4.G: "shares are persisted to the
// external accounting store (out-of-core)"). Solo mode runs with a nil
// sink.
type AccountingSink interface {
	RecordShare(workerName string, difficulty float64, valid bool, blockHash []byte) error
}

// featureTemplate and featureAccounting name the DegradationController
// features the Coordinator tracks: RPC-sourced work templates and the
// optional out-of-core accounting sink, per spec.md §4.I.
const (
	featureTemplate   = "template"
	featureAccounting = "accounting"
)

// Statistics mirrors the counters spec.md §4.G's get_statistics() exposes.
type Statistics struct {
	ActiveConnections int64
	AuthorizedMiners  int64
	SharesReceived    int64
	SharesAccepted    int64
	SharesRejected    int64
	BlocksFound       int64

	// TemplateDegraded and AccountingDegraded surface
	// DegradationController's view of §4.I's graceful-degradation policy:
	// true once repeated RPC/sink failures have tripped the threshold,
	// cleared on the next success.
	TemplateDegraded   bool
	AccountingDegraded bool
}

// Config configures a Coordinator. VarDiff enables per-connection
// difficulty retargeting (Pool default); Solo normally runs with it off
// and a static difficulty.
type Config struct {
	ListenAddress   string
	MaxConnections  int
	StaticDifficulty float64
	VarDiff         bool
	JobUpdateInterval time.Duration
	CoinbaseAddress string
	CoinbaseScript  []byte
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration

	// Recovery governs the retry executor wrapping GenerateWorkTemplate and
	// SubmitBlock calls, and the threshold at which the corresponding
	// feature is marked degraded. Zero-valued Recovery fields fall back to
	// internal/recovery's own defaults (see NewCoordinator).
	Recovery RecoveryConfig
}

// RecoveryConfig mirrors config.RecoveryConfig's shape so internal/modes
// doesn't import internal/config for a handful of scalars. main.go's
// factoryFor copies cfg.Recovery into this on every mode build.
type RecoveryConfig struct {
	MaxRetries        int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	JitterFactor      float64
	DegradeThreshold  int
}

// Dependencies bundles the shared collaborators Solo and Pool mode both
// need, so their constructors take one argument instead of two. Conns is
// optional: when the caller passes the same *stratum.ConnectionManager
// across a Solo<->Pool SwitchMode call, registered connections and their
// counters survive the swap instead of being dropped and rebuilt from
// scratch, per spec.md §4.H's "new handler inherits the same persisted
// connection store so in-flight miners resume."
type Dependencies struct {
	RPC   *bitcoinrpc.Client
	Store *worktemplate.Store
	Conns *stratum.ConnectionManager
}

// Coordinator runs the Solo/Pool share-accept-validate-broadcast loop.
type Coordinator struct {
	cfg     Config
	rpc     *bitcoinrpc.Client
	store   *worktemplate.Store
	conns   *stratum.ConnectionManager
	ownsConns bool // whether Start/Stop lifecycle-manage conns, vs. it outliving this Coordinator
	vardiff *difficulty.VardiffManager
	validator *sharevalidator.Validator
	merkle  *merkle.Builder
	sink    AccountingSink

	executor    *recovery.Executor
	degradation *recovery.DegradationController

	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats Statistics
}

// NewCoordinator wires a Coordinator for either Solo (sink == nil) or
// Pool (sink != nil) mode. When conns is nil, the Coordinator builds and
// lifecycle-manages its own ConnectionManager (Start/Stop own it); when
// the caller supplies one (the shared manager threaded through
// Dependencies.Conns across a mode switch), the Coordinator uses it
// without starting or stopping it, so existing registrations and the
// idle-reaper goroutine survive a Solo<->Pool swap.
func NewCoordinator(cfg Config, rpc *bitcoinrpc.Client, store *worktemplate.Store, shareCfg sharevalidator.Config, sink AccountingSink, conns *stratum.ConnectionManager) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	ownsConns := conns == nil
	if ownsConns {
		connCfg := stratum.ConnectionManagerConfig{
			ShardCount:          64,
			MaxConnectionsPerIP: 100,
			MaxTotalConnections: cfg.MaxConnections,
			IdleTimeout:         5 * time.Minute,
			HandshakeTimeout:    30 * time.Second,
		}
		conns = stratum.NewConnectionManager(connCfg)
	}

	// NewExecutor/NewDegradationController apply spec.md §4.I's own defaults
	// (3 retries, 100ms base delay, threshold 3) when cfg.Recovery is left
	// zero-valued, same as bitcoinrpc.NewClient does for its breaker.
	rec := cfg.Recovery
	executor := recovery.NewExecutor(recovery.RetryConfig{
		MaxRetries:   rec.MaxRetries,
		BaseDelay:    rec.BaseBackoff,
		MaxDelay:     rec.MaxBackoff,
		Multiplier:   2,
		JitterFactor: rec.JitterFactor,
	}, nil)

	return &Coordinator{
		cfg:         cfg,
		rpc:         rpc,
		store:       store,
		conns:       conns,
		ownsConns:   ownsConns,
		vardiff:     difficulty.NewVardiffManager(),
		validator:   sharevalidator.New(shareCfg, store),
		merkle:      merkle.NewBuilder(),
		sink:        sink,
		executor:    executor,
		degradation: recovery.NewDegradationController(rec.DegradeThreshold),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins the connection manager, the template-refresh loop, and the
// listener, and starts accepting connections. Grounded directly on
// pool_coordinator.go's Start()/acceptLoop(): the Coordinator owns its own
// net.Listener rather than depending on a separate server type.
func (c *Coordinator) Start() error {
	listener, err := net.Listen("tcp", c.cfg.ListenAddress)
	if err != nil {
		return errs.Wrap(errs.KindNetwork, "listen on "+c.cfg.ListenAddress, err)
	}
	c.listener = listener

	if c.ownsConns {
		c.conns.Start()
	}

	if err := c.refreshTemplate(); err != nil {
		// Non-fatal: retried on the next tick, per §4.I's recoverable
		// BitcoinRpc failure policy. refreshTemplate has already recorded
		// the failure against the "template" feature.
		log.Printf("[Coordinator] initial template fetch failed: %v", err)
	}

	c.wg.Add(1)
	go c.jobUpdateLoop()

	c.wg.Add(1)
	go c.acceptLoop()

	return nil
}

// Stop drains and stops, per §4.G's "graceful, drains in-flight shares up
// to a deadline": it waits at most 30s for reader/sender goroutines.
func (c *Coordinator) Stop() error {
	c.cancel()
	if c.listener != nil {
		c.listener.Close()
	}
	if c.ownsConns {
		c.conns.Stop()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Printf("[Coordinator] stop: drain deadline reached")
	}
	return nil
}

// acceptLoop accepts inbound TCP connections until the Coordinator is
// stopped. Grounded on pool_coordinator.go's acceptLoop: a short accept
// deadline lets the loop notice ctx cancellation promptly instead of
// blocking forever in Accept.
func (c *Coordinator) acceptLoop() {
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
			if c.ctx.Err() != nil {
				return
			}
			continue
		}

		c.wg.Add(1)
		go c.handleConnection(conn)
	}
}

// handleConnection registers an accepted net.Conn and runs its
// sender/reader pair until it disconnects. Grounded on
// pool_coordinator.go's handleConnection/connectionSender.
func (c *Coordinator) handleConnection(conn net.Conn) {
	defer c.wg.Done()
	defer conn.Close()

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	id, _ := uuid.NewRandom()
	managed := stratum.NewManagedConnection(c.ctx, id.String(), conn, host)
	defer managed.Close()

	if err := c.HandleConnection(managed); err != nil {
		return
	}
	defer c.conns.RemoveConnection(managed.ID, "connection closed")

	c.wg.Add(1)
	go c.connectionSender(managed)

	c.processMessages(managed)
}

func (c *Coordinator) connectionSender(conn *stratum.ManagedConnection) {
	defer c.wg.Done()

	writeTimeout := c.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-conn.SendChan:
			if !ok {
				return
			}
			conn.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := conn.Conn.Write(append(msg, '\n')); err != nil {
				return
			}
			atomic.AddInt64(&conn.BytesSent, int64(len(msg)+1))
		}
	}
}

// processMessages reads newline-delimited JSON-RPC frames off conn and
// dispatches each to handleMessage. Grounded on pool_coordinator.go's
// processMessages.
func (c *Coordinator) processMessages(conn *stratum.ManagedConnection) {
	readTimeout := c.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 5 * time.Minute
	}

	buffer := make([]byte, 4096)
	var messageBuffer []byte

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn.Conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := conn.Conn.Read(buffer)
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
				c.handleMessage(conn, line)
			}
		}
	}
}

// handleMessage parses one JSON-RPC frame and dispatches it by method
// name, per spec.md §4.A's mining.subscribe/authorize/submit trio.
func (c *Coordinator) handleMessage(conn *stratum.ManagedConnection, data []byte) {
	var msg struct {
		ID     interface{}   `json:"id"`
		Method string        `json:"method"`
		Params []interface{} `json:"params"`
	}

	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(conn, msg.ID, 20, "Parse error")
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
		c.HandleSubscribe(conn, userAgent)
		c.sendResult(conn, msg.ID, []interface{}{
			[]interface{}{"mining.notify", conn.ID},
			conn.Extranonce1,
			4,
		})
	case "mining.authorize":
		workerName := ""
		if len(msg.Params) > 0 {
			if w, ok := msg.Params[0].(string); ok {
				workerName = w
			}
		}
		c.HandleAuthorize(conn, workerName)
		c.sendResult(conn, msg.ID, true)
	case "mining.submit":
		share, err := parseSubmitParams(conn, msg.Params)
		if err != nil {
			c.sendError(conn, msg.ID, 20, err.Error())
			return
		}
		result := c.HandleSubmit(conn, share)
		if result.Outcome == sharevalidator.OutcomeInvalid {
			c.sendError(conn, msg.ID, 23, "Invalid share")
			return
		}
		c.sendResult(conn, msg.ID, true)
	default:
		c.sendError(conn, msg.ID, 20, "Unknown method")
	}
}

func (c *Coordinator) sendResult(conn *stratum.ManagedConnection, id interface{}, result interface{}) {
	data, _ := json.Marshal(map[string]interface{}{"id": id, "result": result, "error": nil})
	stratum.DeliverOrStall(conn, data)
}

func (c *Coordinator) sendError(conn *stratum.ManagedConnection, id interface{}, code int, message string) {
	data, _ := json.Marshal(map[string]interface{}{"id": id, "result": nil, "error": []interface{}{code, message, nil}})
	stratum.DeliverOrStall(conn, data)
}

// parseSubmitParams decodes mining.submit's positional params
// (worker_name, job_id, extranonce2, ntime, nonce) into a Share.
func parseSubmitParams(conn *stratum.ManagedConnection, params []interface{}) (sharevalidator.Share, error) {
	if len(params) < 5 {
		return sharevalidator.Share{}, errs.Share(errs.ReasonMalformedData, "mining.submit requires 5 params")
	}
	workerName, _ := params[0].(string)
	jobID, _ := params[1].(string)
	extranonce2Hex, _ := params[2].(string)
	ntimeHex, _ := params[3].(string)
	nonceHex, _ := params[4].(string)

	extranonce2, err := hex.DecodeString(extranonce2Hex)
	if err != nil {
		return sharevalidator.Share{}, errs.Share(errs.ReasonMalformedData, "bad extranonce2")
	}
	ntime64, err := strconv.ParseUint(ntimeHex, 16, 32)
	if err != nil {
		return sharevalidator.Share{}, errs.Share(errs.ReasonMalformedData, "bad ntime")
	}
	nonce64, err := strconv.ParseUint(nonceHex, 16, 32)
	if err != nil {
		return sharevalidator.Share{}, errs.Share(errs.ReasonMalformedData, "bad nonce")
	}
	extranonce1, _ := hex.DecodeString(conn.Extranonce1)

	return sharevalidator.Share{
		ConnectionID: sharevalidator.ConnIDFromString(conn.ID),
		JobID:        jobID,
		Extranonce1:  extranonce1,
		Extranonce2:  extranonce2,
		NTime:        uint32(ntime64),
		Nonce:        uint32(nonce64),
		WorkerName:   workerName,
		Difficulty:   float64(conn.Difficulty),
		SubmittedAt:  time.Now(),
	}, nil
}

// GetStatistics returns a snapshot of §4.G's required counters.
func (c *Coordinator) GetStatistics() Statistics {
	return Statistics{
		ActiveConnections:  c.conns.GetActiveCount(),
		AuthorizedMiners:   c.conns.GetAuthorizedCount(),
		SharesReceived:     atomic.LoadInt64(&c.stats.SharesReceived),
		SharesAccepted:     atomic.LoadInt64(&c.stats.SharesAccepted),
		SharesRejected:     atomic.LoadInt64(&c.stats.SharesRejected),
		BlocksFound:        atomic.LoadInt64(&c.stats.BlocksFound),
		TemplateDegraded:   !c.degradation.IsFeatureEnabled(featureTemplate),
		AccountingDegraded: !c.degradation.IsFeatureEnabled(featureAccounting),
	}
}

func (c *Coordinator) jobUpdateLoop() {
	defer c.wg.Done()

	interval := c.cfg.JobUpdateInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.refreshTemplate(); err != nil {
				log.Printf("[Coordinator] template refresh failed: %v", err)
				continue
			}
			c.store.CleanupExpired()
		}
	}
}

// refreshTemplate implements the Solo/Pool "on start, subscribe to a
// 30-s periodic template refresh" and "on new template: insert into §4.B,
// propagate to all downstream connections as mining.notify" flow. The RPC
// call is retried with backoff through c.executor per §4.C/§4.I; repeated
// failure marks the "template" feature degraded so callers can pause
// issuance instead of broadcasting a stale or absent job indefinitely.
func (c *Coordinator) refreshTemplate() error {
	var tpl *worktemplate.Template
	err := c.executor.Do(c.ctx, func(ctx context.Context) error {
		t, err := c.rpc.GenerateWorkTemplate(c.cfg.CoinbaseAddress, c.cfg.CoinbaseScript, c.cfg.StaticDifficulty)
		if err != nil {
			return err
		}
		tpl = t
		return nil
	})
	if err != nil {
		c.degradation.RecordFailure(featureTemplate)
		return err
	}
	c.degradation.RecordSuccess(featureTemplate)

	c.store.Add(tpl)
	c.conns.BroadcastToAuthorized(c.notifyFor(tpl))
	return nil
}

func (c *Coordinator) notifyFor(tpl *worktemplate.Template) []byte {
	branch := c.merkle.BuildBranch(tpl.TxHashes)
	msg := map[string]interface{}{
		"id":     nil,
		"method": "mining.notify",
		"params": []interface{}{
			tpl.JobID(),
			hex.EncodeToString(tpl.PrevHash),
			hex.EncodeToString(tpl.Coinbase[:len(tpl.Coinbase)/2]),
			hex.EncodeToString(tpl.Coinbase[len(tpl.Coinbase)/2:]),
			c.merkle.BranchToHex(branch),
			fmt.Sprintf("%08x", tpl.Version),
			fmt.Sprintf("%08x", tpl.Bits),
			fmt.Sprintf("%08x", tpl.NTime),
			true,
		},
	}
	data, _ := json.Marshal(msg)
	return data
}

// HandleConnection registers an accepted connection with the connection
// manager, enforcing its IP/total connection limits. Exported separately
// from handleConnection's read loop so tests can exercise registration
// without a real net.Conn.
func (c *Coordinator) HandleConnection(conn *stratum.ManagedConnection) error {
	return c.conns.AddConnection(conn)
}

// HandleSubscribe implements mining.subscribe: assigns extranonce1,
// registers with vardiff (if enabled), and sets the connection's
// difficulty. It sends no job; the connection receives mining.notify with
// the next template refresh.
func (c *Coordinator) HandleSubscribe(conn *stratum.ManagedConnection, userAgent string) {
	en1, _ := uuid.NewRandom()
	conn.Extranonce1 = hex.EncodeToString(en1[:4])
	conn.Subscribed = true

	diff := c.cfg.StaticDifficulty
	if c.cfg.VarDiff {
		c.vardiff.RegisterMiner(conn.ID, userAgent, 0)
		diff = float64(c.vardiff.GetDifficulty(conn.ID))
	}
	conn.Difficulty = uint64(diff)
}

// HandleAuthorize implements mining.authorize: record the worker name and
// accept unconditionally, per spec.md §4.E/§4.G — mining-connection
// authorization is not gated by the management-API ApiKey/AuthSession
// credential system.
func (c *Coordinator) HandleAuthorize(conn *stratum.ManagedConnection, workerName string) {
	conn.WorkerName = workerName
	conn.Authorized = true
	atomic.AddInt64(&c.stats.AuthorizedMiners, 1)
}

// HandleSubmit runs a share through the validator and applies its result:
// Block triggers submitblock, Valid/Invalid update counters and (if
// VarDiff is on) retarget the connection's difficulty.
func (c *Coordinator) HandleSubmit(conn *stratum.ManagedConnection, share sharevalidator.Share) sharevalidator.Result {
	atomic.AddInt64(&c.stats.SharesReceived, 1)

	result := c.validator.Validate(share)

	switch result.Outcome {
	case sharevalidator.OutcomeBlock:
		atomic.AddInt64(&c.stats.SharesAccepted, 1)
		atomic.AddInt64(&c.stats.BlocksFound, 1)
		go c.submitBlock(result)
	case sharevalidator.OutcomeValid:
		atomic.AddInt64(&c.stats.SharesAccepted, 1)
	default:
		atomic.AddInt64(&c.stats.SharesRejected, 1)
	}

	if c.sink != nil && c.degradation.IsFeatureEnabled(featureAccounting) {
		if err := c.sink.RecordShare(conn.WorkerName, share.Difficulty, result.Outcome != sharevalidator.OutcomeInvalid, result.BlockHash); err != nil {
			c.degradation.RecordFailure(featureAccounting)
			log.Printf("[Coordinator] accounting sink failed: %v", err)
		} else {
			c.degradation.RecordSuccess(featureAccounting)
		}
	}

	if c.cfg.VarDiff {
		newDiff, changed := c.vardiff.RecordShare(conn.ID, result.Outcome != sharevalidator.OutcomeInvalid, false)
		if changed {
			conn.Difficulty = newDiff
		}
	}

	return result
}

func (c *Coordinator) submitBlock(result sharevalidator.Result) {
	blockHex, err := assembleBlockHex(result)
	if err != nil {
		log.Printf("[Coordinator] failed to assemble solved block: %v", err)
		return
	}
	if err := c.executor.Do(c.ctx, func(ctx context.Context) error {
		return c.rpc.SubmitBlock(blockHex)
	}); err != nil {
		log.Printf("[Coordinator] submitblock failed after retries: %v", err)
	}
}

// assembleBlockHex serializes the solved block (80-byte header, tx count,
// winning coinbase, remaining transactions) to hex for submitblock, per
// spec.md §4.C's "Block submission" step. Header and coinbase come
// straight from the Result the validator already built while checking
// PoW, so this only needs to append the template's other transactions.
func assembleBlockHex(result sharevalidator.Result) (string, error) {
	if result.Template == nil || len(result.Header) != 80 || len(result.Coinbase) == 0 {
		return "", errs.New(errs.KindInternal, "block result missing header or coinbase")
	}

	txCount := 1 + len(result.Template.Transactions)
	buf := make([]byte, 0, 80+9+len(result.Coinbase)+64*len(result.Template.Transactions))
	buf = append(buf, result.Header...)
	buf = appendVarInt(buf, uint64(txCount))
	buf = append(buf, result.Coinbase...)
	for _, tx := range result.Template.Transactions {
		buf = append(buf, tx...)
	}
	return hex.EncodeToString(buf), nil
}

// appendVarInt encodes n as a Bitcoin CompactSize integer.
func appendVarInt(b []byte, n uint64) []byte {
	switch {
	case n < 0xfd:
		return append(b, byte(n))
	case n <= 0xffff:
		return append(b, 0xfd, byte(n), byte(n>>8))
	case n <= 0xffffffff:
		return append(b, 0xfe, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
	default:
		return append(b, 0xff, byte(n), byte(n>>8), byte(n>>16), byte(n>>24), byte(n>>32), byte(n>>40), byte(n>>48), byte(n>>56))
	}
}
