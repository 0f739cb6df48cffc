package modes

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v2binary "github.com/chimera-pool/chimera-pool-core/internal/stratum/v2/binary"
)

// pipeDialer hands back one end of an in-memory net.Pipe and exposes the
// other end for the test to act as a fake upstream pool.
type pipeDialer struct {
	upstream net.Conn
}

func (d *pipeDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	a, b := net.Pipe()
	d.upstream = b
	return a, nil
}

func newTestProxy(t *testing.T) (*Proxy, net.Conn) {
	t.Helper()
	dialer := &pipeDialer{}
	p := NewProxy(ProxyConfig{ListenAddress: "127.0.0.1:0", MaxConnections: 10, UpstreamAddress: "upstream:1"}, dialer)
	require.NoError(t, p.Start())
	t.Cleanup(func() { p.Stop() })

	// Drain the SetupConnection frame Start() sent upstream.
	hdr := make([]byte, v2binary.HeaderSize)
	_, err := readFull(dialer.upstream, hdr)
	require.NoError(t, err)
	h, err := v2binary.ParseHeader(hdr)
	require.NoError(t, err)
	payload := make([]byte, h.MsgLength)
	_, err = readFull(dialer.upstream, payload)
	require.NoError(t, err)
	assert.Equal(t, v2binary.MsgTypeSetupConnection, h.MsgType)

	return p, dialer.upstream
}

func TestProxySubscribeOpensUpstreamChannel(t *testing.T) {
	p, upstream := newTestProxy(t)

	conn, err := net.Dial("tcp", p.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	req := map[string]interface{}{"id": 1, "method": "mining.subscribe", "params": []interface{}{"m/1"}}
	data, _ := json.Marshal(req)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	var resp struct {
		ID    int  `json:"id"`
		Error interface{}
	}
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	assert.Equal(t, 1, resp.ID)
	assert.Nil(t, resp.Error)

	upstream.SetReadDeadline(time.Now().Add(3 * time.Second))
	hdr := make([]byte, v2binary.HeaderSize)
	_, err = readFull(upstream, hdr)
	require.NoError(t, err)
	h, err := v2binary.ParseHeader(hdr)
	require.NoError(t, err)
	payload := make([]byte, h.MsgLength)
	_, err = readFull(upstream, payload)
	require.NoError(t, err)
	assert.Equal(t, v2binary.MsgTypeOpenStandardMiningChannel, h.MsgType)

	d := v2binary.NewDeserializer(payload)
	open, err := d.DeserializeOpenStandardMiningChannel()
	require.NoError(t, err)
	assert.Equal(t, v2binary.STR0_255("m/1"), open.UserIdentity)
}

func TestProxyChannelSuccessBindsState(t *testing.T) {
	p, upstream := newTestProxy(t)

	conn, err := net.Dial("tcp", p.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	req := map[string]interface{}{"id": 1, "method": "mining.subscribe", "params": []interface{}{"m/1"}}
	data, _ := json.Marshal(req)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = reader.ReadString('\n')
	require.NoError(t, err)

	upstream.SetReadDeadline(time.Now().Add(3 * time.Second))
	hdr := make([]byte, v2binary.HeaderSize)
	_, err = readFull(upstream, hdr)
	require.NoError(t, err)
	h, err := v2binary.ParseHeader(hdr)
	require.NoError(t, err)
	payload := make([]byte, h.MsgLength)
	_, err = readFull(upstream, payload)
	require.NoError(t, err)
	d := v2binary.NewDeserializer(payload)
	open, err := d.DeserializeOpenStandardMiningChannel()
	require.NoError(t, err)

	success := v2binary.NewSerializer().SerializeOpenStandardMiningChannelSuccess(&v2binary.OpenStandardMiningChannelSuccess{
		RequestID: open.RequestID,
		ChannelID: 42,
	})
	_, err = upstream.Write(success)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		p.chanMu.Lock()
		defer p.chanMu.Unlock()
		_, ok := p.channelToConn[42]
		return ok
	}, time.Second, 10*time.Millisecond)
}
