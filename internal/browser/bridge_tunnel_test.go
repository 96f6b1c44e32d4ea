package browser

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cfspider-core/internal/transport"
	"cfspider-core/internal/tunnel"
)

var bridgeTestCredential = uuid.MustParse("7d9f1f1e-9f7a-4b43-97be-3e1a1fb67a20")

// startEchoTunnelEndpoint 进程内隧道端点：握手后对每条流回显 DATA
// 帧布局与隧道协议一致：OPEN/DATA/CLOSE，流标识 4 字节大端
func startEchoTunnelEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, hello, err := conn.ReadMessage()
		if err != nil || len(hello) != 17 || hello[0] != tunnel.ProtocolVersion ||
			!bytes.Equal(hello[1:], bridgeTestCredential[:]) {
			return
		}
		if conn.WriteMessage(websocket.BinaryMessage, []byte{tunnel.ProtocolVersion, 0x00}) != nil {
			return
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if len(data) < 5 {
				return
			}
			typ, id := data[0], data[1:5]
			switch typ {
			case 0x01: // OPEN：无应答，等数据
			case 0x02: // DATA：回显
				if len(data) < 9 {
					return
				}
				n := binary.BigEndian.Uint32(data[5:9])
				payload := data[9 : 9+n]
				reply := []byte{0x02}
				reply = append(reply, id...)
				reply = binary.BigEndian.AppendUint32(reply, n)
				reply = append(reply, payload...)
				if conn.WriteMessage(websocket.BinaryMessage, reply) != nil {
					return
				}
			case 0x03: // CLOSE：回送
				reply := append([]byte{0x03}, id...)
				if conn.WriteMessage(websocket.BinaryMessage, reply) != nil {
					return
				}
			}
		}
	}))
}

func TestBridgeOverTunnelSession(t *testing.T) {
	endpoint := startEchoTunnelEndpoint(t)
	defer endpoint.Close()

	sess, err := tunnel.Dial(context.Background(), transport.Descriptor{
		Kind:       transport.KindTunnel,
		TunnelHost: endpoint.URL,
		Credential: bridgeTestCredential,
	})
	require.NoError(t, err)
	defer sess.Close()

	bridge := NewBridge(context.Background(), sess)
	require.NoError(t, bridge.Start())
	defer bridge.Close()

	conn := dialBridge(t, bridge.Addr())
	defer conn.Close()

	rep := socksConnect(t, conn, "target.example", 443)
	require.Equal(t, byte(socksRepSuccess), rep)

	_, err = conn.Write([]byte("through tunnel"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "through tunnel", string(buf[:n]))
}
