// Package bitcoinrpc is a JSON-RPC 1.0 client for a Bitcoin node, and the
// work-template builder that turns getblocktemplate responses into
// worktemplate.Template values with a real coinbase transaction.
//
// Grounded on the teacher's internal/stratum/v2/litecoin_rpc.go
// (LitecoinRPCClient) for the HTTP/JSON-RPC plumbing, and
// template_provider.go's buildCoinbase/convertRPCTemplate for the
// template-construction shape — both retargeted from Litecoin's scrypt
// chain onto plain Bitcoin with a complete BIP34/BIP65 coinbase instead of
// the teacher's zeroed pubkey-hash placeholder.
package bitcoinrpc

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/chimera-pool/chimera-pool-core/internal/errs"
	"github.com/chimera-pool/chimera-pool-core/internal/recovery"
	"github.com/chimera-pool/chimera-pool-core/internal/worktemplate"
)

// Config configures the RPC client.
type Config struct {
	URL             string
	User            string
	Password        string
	Timeout         time.Duration
	CoinbaseAddress string

	BreakerThreshold int           // consecutive failures before the gateway breaker opens
	BreakerResetMs   time.Duration // Open -> HalfOpen delay
}

// Client is a JSON-RPC 1.0 client over HTTP basic-auth, per spec.md §4.C.
// Every call participates in one shared gateway circuit breaker, per
// spec.md §4.C/§4.I: HTTP timeout, non-2xx status, JSON parse failure,
// and RPC error payload all count as failures against it.
type Client struct {
	url      string
	user     string
	password string
	http     *http.Client
	breaker  *recovery.CircuitBreaker
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) *Client {
	return &Client{
		url:      cfg.URL,
		user:     cfg.User,
		password: cfg.Password,
		http:     &http.Client{Timeout: cfg.Timeout},
		breaker: recovery.NewCircuitBreaker(recovery.BreakerConfig{
			Threshold: cfg.BreakerThreshold,
			ResetMs:   cfg.BreakerResetMs,
		}),
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(method string, params []interface{}) (json.RawMessage, error) {
	var result json.RawMessage
	err := c.breaker.Guard(func() error {
		var callErr error
		result, callErr = c.doCall(method, params)
		return callErr
	})
	return result, err
}

func (c *Client) doCall(method string, params []interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "1.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, errs.Wrap(errs.KindBitcoinRPC, "marshal request", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.KindBitcoinRPC, "build request", err)
	}
	req.SetBasicAuth(c.user, c.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindBitcoinRPC, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindBitcoinRPC, "read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.New(errs.KindBitcoinRPC, fmt.Sprintf("non-2xx status %d: %s", resp.StatusCode, string(respBody)))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, errs.Wrap(errs.KindBitcoinRPC, "parse response", err)
	}
	if rpcResp.Error != nil {
		return nil, errs.New(errs.KindBitcoinRPC, fmt.Sprintf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message))
	}
	return rpcResp.Result, nil
}

// NetworkInfo is the subset of getnetworkinfo this daemon consumes.
type NetworkInfo struct {
	Version         int    `json:"version"`
	Subversion      string `json:"subversion"`
	ProtocolVersion int    `json:"protocolversion"`
	Connections     int    `json:"connections"`
}

// GetNetworkInfo calls getnetworkinfo.
func (c *Client) GetNetworkInfo() (*NetworkInfo, error) {
	result, err := c.call("getnetworkinfo", nil)
	if err != nil {
		return nil, err
	}
	var info NetworkInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, errs.Wrap(errs.KindBitcoinRPC, "unmarshal network info", err)
	}
	return &info, nil
}

// BlockchainInfo is the subset of getblockchaininfo this daemon consumes.
type BlockchainInfo struct {
	Chain         string  `json:"chain"`
	Blocks        uint64  `json:"blocks"`
	BestBlockHash string  `json:"bestblockhash"`
	Difficulty    float64 `json:"difficulty"`
}

// GetBlockchainInfo calls getblockchaininfo.
func (c *Client) GetBlockchainInfo() (*BlockchainInfo, error) {
	result, err := c.call("getblockchaininfo", nil)
	if err != nil {
		return nil, err
	}
	var info BlockchainInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, errs.Wrap(errs.KindBitcoinRPC, "unmarshal blockchain info", err)
	}
	return &info, nil
}

// rpcTemplate mirrors the fields of getblocktemplate's response this
// daemon needs, per spec.md §4.C step 2's validation list.
type rpcTemplate struct {
	Version                 uint32 `json:"version"`
	PreviousBlockHash       string `json:"previousblockhash"`
	Transactions            []rpcTx `json:"transactions"`
	CoinbaseValue           uint64 `json:"coinbasevalue"`
	Target                  string `json:"target"`
	MinTime                 int64  `json:"mintime"`
	CurTime                 int64  `json:"curtime"`
	Height                  uint64 `json:"height"`
	Bits                    string `json:"bits"`
	DefaultWitnessCommitment string `json:"default_witness_commitment"`
}

type rpcTx struct {
	Data string `json:"data"`
	TxID string `json:"txid"`
}

// getBlockTemplate calls getblocktemplate with the segwit rule set.
func (c *Client) getBlockTemplate() (*rpcTemplate, error) {
	params := []interface{}{map[string]interface{}{
		"mode":  "template",
		"rules": []string{"segwit"},
	}}
	result, err := c.call("getblocktemplate", params)
	if err != nil {
		return nil, err
	}
	var tpl rpcTemplate
	if err := json.Unmarshal(result, &tpl); err != nil {
		return nil, errs.Wrap(errs.KindBitcoinRPC, "unmarshal block template", err)
	}
	return &tpl, nil
}

// SubmitBlock hex-serializes a constructed block and submits it. A nil
// result means accepted; any string result is a rejection reason.
func (c *Client) SubmitBlock(blockHex string) error {
	result, err := c.call("submitblock", []interface{}{blockHex})
	if err != nil {
		return err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil
	}
	var reason string
	if err := json.Unmarshal(result, &reason); err == nil && reason != "" {
		return errs.New(errs.KindBitcoinRPC, "block rejected: "+reason)
	}
	return nil
}

const coinbaseFlags = "/sv2-daemon/"

// GenerateWorkTemplate implements spec.md §4.C's generate_work_template:
// fetch, validate, build a real coinbase, and produce a WorkTemplate
// expiring 5 minutes from now. The coinbase output pays
// coinbaseScriptPubKey as given; coinbaseAddress is not decoded or used.
func (c *Client) GenerateWorkTemplate(coinbaseAddress string, coinbaseScriptPubKey []byte, difficulty float64) (*worktemplate.Template, error) {
	rpc, err := c.getBlockTemplate()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if rpc.PreviousBlockHash == "" {
		return nil, errs.New(errs.KindBitcoinRPC, "empty previousblockhash")
	}
	if rpc.CoinbaseValue == 0 {
		return nil, errs.New(errs.KindBitcoinRPC, "zero coinbasevalue")
	}
	if rpc.Height == 0 {
		return nil, errs.New(errs.KindBitcoinRPC, "zero height")
	}
	if rpc.Target == "" {
		return nil, errs.New(errs.KindBitcoinRPC, "empty target")
	}
	if rpc.CurTime > now.Add(2*time.Hour).Unix() {
		return nil, errs.New(errs.KindBitcoinRPC, "curtime too far in the future")
	}
	if rpc.MinTime > rpc.CurTime {
		return nil, errs.New(errs.KindBitcoinRPC, "mintime after curtime")
	}

	prevHash, err := hex.DecodeString(rpc.PreviousBlockHash)
	if err != nil {
		return nil, errs.Wrap(errs.KindBitcoinRPC, "invalid previousblockhash", err)
	}
	reverseBytes(prevHash)

	bits, err := parseHexUint32(rpc.Bits)
	if err != nil {
		return nil, errs.Wrap(errs.KindBitcoinRPC, "invalid bits", err)
	}

	coinbase, extranonceOffset := buildCoinbase(rpc.Height, rpc.CoinbaseValue, coinbaseScriptPubKey, rpc.DefaultWitnessCommitment)

	txs := make([][]byte, len(rpc.Transactions))
	txHashes := make([][]byte, len(rpc.Transactions))
	for i, tx := range rpc.Transactions {
		data, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, errs.Wrap(errs.KindBitcoinRPC, fmt.Sprintf("invalid transaction %d data", i), err)
		}
		txs[i] = data

		txid, err := hex.DecodeString(tx.TxID)
		if err != nil {
			return nil, errs.Wrap(errs.KindBitcoinRPC, fmt.Sprintf("invalid transaction %d txid", i), err)
		}
		reverseBytes(txid)
		txHashes[i] = txid
	}

	if _, err := hex.DecodeString(rpc.Target); err != nil {
		return nil, errs.Wrap(errs.KindBitcoinRPC, "invalid target", err)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "generate template id", err)
	}
	var idBytes [16]byte
	copy(idBytes[:], id[:])

	return &worktemplate.Template{
		ID:                          idBytes,
		PrevHash:                    prevHash,
		Coinbase:                    coinbase,
		Transactions:                txs,
		TxHashes:                    txHashes,
		Version:                     rpc.Version,
		Bits:                        bits,
		NTime:                       uint32(rpc.CurTime),
		Height:                      rpc.Height,
		Difficulty:                  difficulty,
		CreatedAt:                   now,
		ExpiresAt:                   now.Add(5 * time.Minute),
		ExtranoncePlaceholderOffset: extranonceOffset,
	}, nil
}

// buildCoinbase constructs a BIP34/BIP65-compliant coinbase transaction:
// a null-previous-output input whose scriptSig pushes the block height,
// an 8-byte extranonce placeholder (spliced per-connection downstream),
// and a pool signature; one output paying coinbaseValue to scriptPubKey,
// plus a zero-value witness-commitment output when the node advertises
// one; locktime set to the block height per BIP65. Returns the coinbase
// bytes and the offset of the 8-byte extranonce placeholder within them,
// since the null previous-output hash is itself a 32-byte zero run that
// would otherwise be indistinguishable from the placeholder by content
// alone.
func buildCoinbase(height uint64, value uint64, scriptPubKey []byte, witnessCommitment string) ([]byte, int) {
	coinbase := make([]byte, 0, 256)

	// version
	coinbase = append(coinbase, 0x01, 0x00, 0x00, 0x00)
	// input count
	coinbase = append(coinbase, 0x01)
	// previous output hash: 32 zero bytes
	coinbase = append(coinbase, make([]byte, 32)...)
	// previous output index: 0xFFFFFFFF
	coinbase = append(coinbase, 0xFF, 0xFF, 0xFF, 0xFF)

	scriptSig := make([]byte, 0, 64)
	scriptSig = append(scriptSig, encodeHeight(height)...)
	scriptSig = append(scriptSig, 0x08) // push 8-byte extranonce placeholder
	placeholderOffsetInScriptSig := len(scriptSig)
	scriptSig = append(scriptSig, make([]byte, 8)...)
	scriptSig = append(scriptSig, byte(len(coinbaseFlags)))
	scriptSig = append(scriptSig, []byte(coinbaseFlags)...)

	scriptSigLenPrefix := encodeVarInt(uint64(len(scriptSig)))
	extranonceOffset := len(coinbase) + len(scriptSigLenPrefix) + placeholderOffsetInScriptSig

	coinbase = append(coinbase, scriptSigLenPrefix...)
	coinbase = append(coinbase, scriptSig...)
	// sequence
	coinbase = append(coinbase, 0xFF, 0xFF, 0xFF, 0xFF)

	outputCount := byte(1)
	if witnessCommitment != "" {
		outputCount = 2
	}
	coinbase = append(coinbase, outputCount)

	coinbase = appendOutput(coinbase, value, scriptPubKey)

	if witnessCommitment != "" {
		if commitScript, err := hex.DecodeString(witnessCommitment); err == nil {
			coinbase = appendOutput(coinbase, 0, commitScript)
		}
	}

	// locktime: block height, per BIP65's CHECKLOCKTIMEVERIFY convention
	// for coinbase maturity signalling.
	locktime := make([]byte, 4)
	binary.LittleEndian.PutUint32(locktime, uint32(height))
	coinbase = append(coinbase, locktime...)

	return coinbase, extranonceOffset
}

func appendOutput(buf []byte, value uint64, script []byte) []byte {
	v := make([]byte, 8)
	binary.LittleEndian.PutUint64(v, value)
	buf = append(buf, v...)
	buf = append(buf, encodeVarInt(uint64(len(script)))...)
	buf = append(buf, script...)
	return buf
}

func encodeVarInt(n uint64) []byte {
	switch {
	case n < 0xfd:
		return []byte{byte(n)}
	case n <= 0xffff:
		b := make([]byte, 3)
		b[0] = 0xfd
		binary.LittleEndian.PutUint16(b[1:], uint16(n))
		return b
	case n <= 0xffffffff:
		b := make([]byte, 5)
		b[0] = 0xfe
		binary.LittleEndian.PutUint32(b[1:], uint32(n))
		return b
	default:
		b := make([]byte, 9)
		b[0] = 0xff
		binary.LittleEndian.PutUint64(b[1:], n)
		return b
	}
}

// encodeHeight implements BIP34's minimal-push height encoding.
func encodeHeight(height uint64) []byte {
	if height == 0 {
		return []byte{0x01, 0x00}
	}
	var raw []byte
	h := height
	for h > 0 {
		raw = append(raw, byte(h&0xff))
		h >>= 8
	}
	if raw[len(raw)-1]&0x80 != 0 {
		raw = append(raw, 0x00)
	}
	out := make([]byte, 0, len(raw)+1)
	out = append(out, byte(len(raw)))
	out = append(out, raw...)
	return out
}

func parseHexUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func reverseBytes(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
