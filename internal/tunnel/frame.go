// Package tunnel 实现多路复用隧道客户端
//
// 单条 WebSocket 连接上运行二进制帧协议，任意数量的逻辑流共享连接。
// 握手沿用 VLESS 的凭证形状（16 字节 UUID），帧层在其上增加流标识，
// 使同一连接可以并发承载多个目标
package tunnel

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/google/uuid"

	coreerrors "cfspider-core/internal/core/errors"
)

// 协议版本与帧类型
const (
	ProtocolVersion = 0x01

	frameOpen  = 0x01 // [type][streamID:u32][atyp][addr][port:u16]
	frameData  = 0x02 // [type][streamID:u32][len:u32][payload]
	frameClose = 0x03 // [type][streamID:u32]
)

// 地址类型，沿用 VLESS 编号
const (
	AddrIPv4   = 0x01 // 4 字节
	AddrDomain = 0x02 // 1 字节长度 + 域名
	AddrIPv6   = 0x03 // 16 字节
)

// maxFrameData 单个 DATA 帧负载的健全性上界
// 超过即视为帧流损坏，整条会话不可恢复
const maxFrameData = 1 << 20

// handshakeStatusOK 服务端握手回复中的成功状态
const handshakeStatusOK = 0x00

// frame 单个协议帧；payload 仅 DATA 帧使用，addr/port 仅 OPEN 帧使用
type frame struct {
	typ      byte
	streamID uint32
	addr     string
	port     uint16
	payload  []byte
}

// encodeHandshake 客户端握手：版本 + 凭证
func encodeHandshake(credential uuid.UUID) []byte {
	buf := make([]byte, 17)
	buf[0] = ProtocolVersion
	copy(buf[1:], credential[:])
	return buf
}

// encodeAddress 把目标主机编码为 atyp + 地址字节
func encodeAddress(host string) ([]byte, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return append([]byte{AddrIPv4}, ip4...), nil
		}
		return append([]byte{AddrIPv6}, ip.To16()...), nil
	}
	if host == "" {
		return nil, coreerrors.New(coreerrors.CodeInvalidParam, "target host is empty")
	}
	if len(host) > 255 {
		return nil, coreerrors.Newf(coreerrors.CodeInvalidParam, "domain name too long: %d bytes", len(host))
	}
	buf := make([]byte, 0, len(host)+2)
	buf = append(buf, AddrDomain, byte(len(host)))
	return append(buf, host...), nil
}

// decodeAddress 从读取器解出 atyp + 地址
func decodeAddress(r io.Reader) (string, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return "", err
	}

	switch atyp[0] {
	case AddrIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(r, addr); err != nil {
			return "", err
		}
		return net.IP(addr).String(), nil
	case AddrDomain:
		var n [1]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return "", err
		}
		if n[0] == 0 {
			return "", coreerrors.New(coreerrors.CodeProtocolError, "zero-length domain in OPEN frame")
		}
		domain := make([]byte, n[0])
		if _, err := io.ReadFull(r, domain); err != nil {
			return "", err
		}
		return string(domain), nil
	case AddrIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(r, addr); err != nil {
			return "", err
		}
		return net.IP(addr).String(), nil
	default:
		return "", coreerrors.Newf(coreerrors.CodeProtocolError, "unknown address type 0x%02x", atyp[0])
	}
}

// writeFrame 把帧序列化到写入器；调用方负责串行化写
func writeFrame(w io.Writer, f *frame) error {
	switch f.typ {
	case frameOpen:
		addr, err := encodeAddress(f.addr)
		if err != nil {
			return err
		}
		buf := make([]byte, 0, 5+len(addr)+2)
		buf = append(buf, frameOpen)
		buf = binary.BigEndian.AppendUint32(buf, f.streamID)
		buf = append(buf, addr...)
		buf = binary.BigEndian.AppendUint16(buf, f.port)
		_, err = w.Write(buf)
		return err

	case frameData:
		if len(f.payload) > maxFrameData {
			return coreerrors.Newf(coreerrors.CodeInternal, "data frame exceeds %d bytes", maxFrameData)
		}
		buf := make([]byte, 0, 9+len(f.payload))
		buf = append(buf, frameData)
		buf = binary.BigEndian.AppendUint32(buf, f.streamID)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.payload)))
		buf = append(buf, f.payload...)
		_, err := w.Write(buf)
		return err

	case frameClose:
		buf := make([]byte, 0, 5)
		buf = append(buf, frameClose)
		buf = binary.BigEndian.AppendUint32(buf, f.streamID)
		_, err := w.Write(buf)
		return err

	default:
		return coreerrors.Newf(coreerrors.CodeInternal, "unknown frame type 0x%02x", f.typ)
	}
}

// readFrame 从读取器解出下一帧
// 格式损坏返回 PROTOCOL_ERROR；底层 I/O 错误原样返回，由调用方区分断连
func readFrame(r io.Reader) (*frame, error) {
	var head [5]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}

	f := &frame{typ: head[0], streamID: binary.BigEndian.Uint32(head[1:])}

	switch f.typ {
	case frameOpen:
		addr, err := decodeAddress(r)
		if err != nil {
			return nil, err
		}
		var port [2]byte
		if _, err := io.ReadFull(r, port[:]); err != nil {
			return nil, err
		}
		f.addr = addr
		f.port = binary.BigEndian.Uint16(port[:])
		return f, nil

	case frameData:
		var n [4]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return nil, err
		}
		size := binary.BigEndian.Uint32(n[:])
		if size > maxFrameData {
			return nil, coreerrors.Newf(coreerrors.CodeProtocolError,
				"data frame length %d exceeds limit %d", size, maxFrameData)
		}
		f.payload = make([]byte, size)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return nil, err
		}
		return f, nil

	case frameClose:
		return f, nil

	default:
		return nil, coreerrors.Newf(coreerrors.CodeProtocolError, "unknown frame type 0x%02x", f.typ)
	}
}
