package rtmp

import (
	"github.com/nareix/joy4/format/flv/flvio"

	"github.com/wangscript007/ecmedia/protocol/common"
)

// Conn 包装了rtmp推流客户端的基础接口
type Conn interface {
	Handshake() error
	// Connect 执行connect, releaseStream, FCPublish, createStream命令
	Connect() error
	// Publish 执行publish命令并等待NetStream.Publish.Start
	Publish() error

	WriteMetadata(meta flvio.AMFMap) error
	WriteTag(tag flvio.Tag, ts uint32) error
	Flush() error

	// Interrupt unblocks a pending read or write. Safe for concurrent use.
	Interrupt()
	Close() error

	TxBytes() uint64
	RemoteAddr() string
	Info() common.Info
}

// ServerConn 接收推流的一端
type ServerConn interface {
	Handshake() error
	// ReadPublish 处理connect到publish的命令交互
	ReadPublish() error
	// ReadTag 读取音视频或脚本tag, 对端deleteStream时返回io.EOF
	ReadTag() (tag flvio.Tag, ts uint32, err error)

	Interrupt()
	Close() error

	RxBytes() uint64
	RemoteAddr() string
	Info() common.Info
}
