// Package rtmp implements the publishing side of RTMP: handshake, the
// connect/createStream/publish command sequence and chunked media writes.
// A minimal accepting side is provided for loopback sinks.
package rtmp

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/nareix/joy4/format/flv/flvio"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/wangscript007/ecmedia/common/errs"
	"github.com/wangscript007/ecmedia/protocol/common"
	"github.com/wangscript007/ecmedia/utils"
)

const (
	stageHandshakeDone = iota + 1
	stageConnected
	stagePublished
)

// graceful close messages must not hold Stop for a full rw timeout
const closeTimeout = 500 * time.Millisecond

type conn struct {
	info common.Info
	opts *Options
	log  zerolog.Logger

	netconn   net.Conn
	txrxcount *txrxcount
	bufr      *bufio.Reader
	bufw      *bufio.Writer
	rwTimeout time.Duration

	interrupted atomic.Bool

	writebuf []byte
	readbuf  []byte
	taghdr   [flvio.MaxTagSubHeaderLength]byte

	writeMaxChunkSize int
	readMaxChunkSize  int
	readAckSize       uint32
	ackn              uint32
	readcsmap         map[uint32]*chunkStream

	isServer   bool
	stage      int
	publishing bool
	avmsgsid   uint32
	transid    float64

	gotmsg         bool
	gotcommand     bool
	commandname    string
	commandtransid float64
	commandobj     flvio.AMFMap
	commandparams  []interface{}

	timestamp   uint32
	msgtypeid   uint8
	msgdata     []byte
	datamsgvals []interface{}
	avtag       flvio.Tag
}

type txrxcount struct {
	io.ReadWriter
	txbytes atomic.Uint64
	rxbytes atomic.Uint64
}

func (self *txrxcount) Read(p []byte) (int, error) {
	n, err := self.ReadWriter.Read(p)
	self.rxbytes.Add(uint64(n))
	return n, err
}

func (self *txrxcount) Write(p []byte) (int, error) {
	n, err := self.ReadWriter.Write(p)
	self.txbytes.Add(uint64(n))
	return n, err
}

// Dial opens the TCP connection to info.Host. The RTMP session is set up by
// Handshake, Connect and Publish.
func Dial(ctx context.Context, info common.Info, opt ...Option) (Conn, error) {
	opts := applyOptions(opt)
	dialer := net.Dialer{Timeout: opts.DialTimeout}
	netconn, err := dialer.DialContext(ctx, "tcp", info.Host)
	if err != nil {
		return nil, errs.Wrapf(errs.ErrTransport, "dial %s: %v", info.Host, err)
	}
	c := newConn(netconn, opts)
	c.info = info
	return c, nil
}

// DialURL parses rawurl and dials it.
func DialURL(ctx context.Context, rawurl string, opt ...Option) (Conn, error) {
	info, err := common.ParseURL(rawurl)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, info, opt...)
}

// NewServerConn wraps an accepted connection.
func NewServerConn(netconn net.Conn, opt ...Option) ServerConn {
	c := newConn(netconn, applyOptions(opt))
	c.isServer = true
	return c
}

func newConn(netconn net.Conn, opts *Options) *conn {
	c := &conn{
		opts:              opts,
		netconn:           netconn,
		rwTimeout:         opts.ReadWriteTimeout,
		readcsmap:         make(map[uint32]*chunkStream),
		readMaxChunkSize:  minChunkSize,
		writeMaxChunkSize: minChunkSize,
		writebuf:          make([]byte, 256),
		readbuf:           make([]byte, 256),
	}
	c.txrxcount = &txrxcount{ReadWriter: netconn}
	c.bufr = bufio.NewReaderSize(c.txrxcount, opts.ReadBufferSize)
	c.bufw = bufio.NewWriterSize(c.txrxcount, opts.WriteBufferSize)
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	c.log = logger.With().Str("remote", netconn.RemoteAddr().String()).Logger()
	return c
}

func (self *conn) nextTransID() float64 {
	self.transid++
	return self.transid
}

func (self *conn) Handshake() error {
	if self.stage != 0 {
		return errs.Wrap(errs.ErrProtocol, "rtmp: handshake already done")
	}
	if self.isServer {
		return self.handshakeServer()
	}
	return self.handshakeClient()
}

// statusCode extracts "code" from the first object parameter of a command.
func statusCode(params []interface{}) (code, desc string) {
	for _, p := range params {
		if obj, ok := p.(flvio.AMFMap); ok {
			code, _ = obj["code"].(string)
			desc, _ = obj["description"].(string)
			return
		}
	}
	return
}

// waitResult polls until the _result or _error of transid arrives.
func (self *conn) waitResult(name string, transid float64) (err error) {
	for {
		if err = self.pollCommand(); err != nil {
			return errs.Wrapf(err, "rtmp: waiting %s result", name)
		}
		switch self.commandname {
		case "_result":
			if self.commandtransid == transid {
				return nil
			}
		case "_error":
			if self.commandtransid == transid {
				code, desc := statusCode(self.commandparams)
				return errs.Wrapf(errs.ErrProtocol, "rtmp: %s rejected: %s %s", name, code, desc)
			}
		}
		self.log.Trace().Str("command", self.commandname).Float64("transid", self.commandtransid).Msg("[rtmp] < ignored command")
	}
}

func (self *conn) Connect() (err error) {
	if self.stage != stageHandshakeDone {
		return errs.Wrap(errs.ErrProtocol, "rtmp: connect before handshake")
	}

	// > SetChunkSize
	if err = self.writeSetChunkSize(self.opts.ChunkSize); err != nil {
		return
	}
	// > WindowAckSize
	if err = self.writeWindowAckSize(self.opts.WindowAckSize); err != nil {
		return
	}

	// > connect("app")
	self.log.Debug().Msgf("[rtmp] > connect('%s') tcUrl=%s", self.info.App, self.info.TcURL)
	transid := self.nextTransID()
	if err = self.writeCommandMsg(csidCommand, 0, "connect", transid,
		flvio.AMFMap{
			"app":           self.info.App,
			"type":          "nonprivate",
			"flashVer":      self.opts.FlashVer,
			"tcUrl":         self.info.TcURL,
			"fpad":          false,
			"capabilities":  15,
			"audioCodecs":   4071,
			"videoCodecs":   252,
			"videoFunction": 1,
		},
	); err != nil {
		return
	}
	if err = self.flushWrite(); err != nil {
		return
	}

	// < _result("NetConnection.Connect.Success")
	if err = self.waitResult("connect", transid); err != nil {
		return
	}
	if code, desc := statusCode(self.commandparams); code != CodeConnectSuccess {
		return errs.Wrapf(errs.ErrProtocol, "rtmp: connect failed: %s %s", code, desc)
	}

	// > releaseStream, FCPublish. Their results are not awaited, not every server answers.
	name := self.info.StreamName
	if err = self.writeCommandMsg(csidCommand, 0, "releaseStream", self.nextTransID(), nil, name); err != nil {
		return
	}
	if err = self.writeCommandMsg(csidCommand, 0, "FCPublish", self.nextTransID(), nil, name); err != nil {
		return
	}

	// > createStream()
	transid = self.nextTransID()
	if err = self.writeCommandMsg(csidCommand, 0, "createStream", transid, nil); err != nil {
		return
	}
	if err = self.flushWrite(); err != nil {
		return
	}

	// < _result(avmsgsid) of createStream
	if err = self.waitResult("createStream", transid); err != nil {
		return
	}
	if len(self.commandparams) < 1 {
		return errs.Wrap(errs.ErrProtocol, "rtmp: createStream result without stream id")
	}
	sid, ok := self.commandparams[0].(float64)
	if !ok {
		return errs.Wrapf(errs.ErrProtocol, "rtmp: createStream result %v", self.commandparams[0])
	}
	self.avmsgsid = uint32(sid)
	self.log.Debug().Uint32("msgsid", self.avmsgsid).Msg("[rtmp] < _result() of createStream")

	self.stage = stageConnected
	return nil
}

func (self *conn) Publish() (err error) {
	if self.stage != stageConnected {
		return errs.Wrap(errs.ErrProtocol, "rtmp: publish before createStream")
	}

	// > publish('stream')
	self.log.Debug().Msgf("[rtmp] > publish('%s')", self.info.StreamName)
	transid := self.nextTransID()
	if err = self.writeCommandMsg(csidStream, self.avmsgsid, "publish", transid, nil, self.info.StreamName, "live"); err != nil {
		return
	}
	if err = self.flushWrite(); err != nil {
		return
	}

	for {
		if err = self.pollCommand(); err != nil {
			return errs.Wrap(err, "rtmp: waiting publish status")
		}
		switch self.commandname {
		case "onStatus":
			code, desc := statusCode(self.commandparams)
			if code == CodePublishStart {
				self.stage = stagePublished
				self.publishing = true
				self.log.Debug().Str("code", code).Msg("[rtmp] < onStatus() of publish")
				return nil
			}
			if strings.HasPrefix(code, "NetStream.Publish.") || strings.HasPrefix(code, "NetConnection.") {
				return errs.Wrapf(errs.ErrProtocol, "rtmp: publish failed: %s %s", code, desc)
			}
		case "_error":
			code, desc := statusCode(self.commandparams)
			return errs.Wrapf(errs.ErrProtocol, "rtmp: publish rejected: %s %s", code, desc)
		}
	}
}

// WriteMetadata sends @setDataFrame(onMetaData).
func (self *conn) WriteMetadata(meta flvio.AMFMap) (err error) {
	if self.stage != stagePublished {
		return errs.Wrap(errs.ErrProtocol, "rtmp: metadata before publish")
	}
	self.log.Debug().Any("onMetadata", meta).Msg("[rtmp] > @setDataFrame")
	return self.writeDataMsg(csidData, self.avmsgsid, "@setDataFrame", "onMetaData", meta)
}

func (self *conn) WriteTag(tag flvio.Tag, ts uint32) error {
	if self.stage != stagePublished {
		return errs.Wrap(errs.ErrProtocol, "rtmp: media before publish")
	}
	return self.writeAVTag(tag, ts)
}

func (self *conn) Flush() error {
	return self.flushWrite()
}

// Interrupt fails the pending and every later read or write.
func (self *conn) Interrupt() {
	self.interrupted.Store(true)
	self.netconn.SetDeadline(time.Now())
}

func (self *conn) Close() (err error) {
	if self.netconn == nil {
		return nil
	}
	if !self.isServer && self.publishing && !self.interrupted.Load() {
		self.publishing = false
		self.rwTimeout = closeTimeout
		name := self.info.StreamName
		if werr := self.writeCommandMsg(csidCommand, 0, "FCUnpublish", self.nextTransID(), nil, name); werr == nil {
			if werr = self.writeCommandMsg(csidCommand, 0, "deleteStream", self.nextTransID(), nil, float64(self.avmsgsid)); werr == nil {
				self.flushWrite()
			}
		}
	}
	return self.netconn.Close()
}

// ReadPublish answers connect, releaseStream, FCPublish, createStream and
// publish the way a publishing server does.
func (self *conn) ReadPublish() (err error) {
	if self.stage != stageHandshakeDone {
		return errs.Wrap(errs.ErrProtocol, "rtmp: read connect before handshake")
	}

	// < connect("app")
	if err = self.pollCommand(); err != nil {
		return
	}
	if self.commandname != "connect" {
		return errs.Wrapf(errs.ErrProtocol, "rtmp: first command is %s, not connect", self.commandname)
	}
	if self.commandobj == nil {
		return errs.Wrap(errs.ErrProtocol, "rtmp: connect command params invalid")
	}
	app, _ := self.commandobj["app"].(string)
	tcurl, _ := self.commandobj["tcUrl"].(string)
	self.log.Debug().Msgf("[rtmp] < connect(%s) tcurl=%s", app, tcurl)

	if err = self.writeSetChunkSize(self.opts.ChunkSize); err != nil {
		return
	}
	if err = self.writeWindowAckSize(self.opts.WindowAckSize); err != nil {
		return
	}
	if err = self.writeSetPeerBandwidth(self.opts.WindowAckSize, 2); err != nil {
		return
	}

	// > _result("NetConnection.Connect.Success")
	if err = self.writeCommandMsg(csidCommand, 0, "_result", self.commandtransid,
		flvio.AMFMap{
			"fmsVer":       "FMS/3,0,1,123",
			"capabilities": 31,
		},
		flvio.AMFMap{
			"level":          "status",
			"code":           CodeConnectSuccess,
			"description":    "Connection succeeded.",
			"objectEncoding": 0,
		},
	); err != nil {
		return
	}
	if err = self.flushWrite(); err != nil {
		return
	}

	for {
		if err = self.pollCommand(); err != nil {
			return
		}
		switch self.commandname {
		case "releaseStream", "FCPublish":
			if err = self.writeCommandMsg(csidCommand, 0, "_result", self.commandtransid, nil); err != nil {
				return
			}
			if err = self.flushWrite(); err != nil {
				return
			}

		// < createStream
		case "createStream":
			self.avmsgsid = 1
			// > _result(streamid)
			if err = self.writeCommandMsg(csidCommand, 0, "_result", self.commandtransid, nil, float64(self.avmsgsid)); err != nil {
				return
			}
			if err = self.flushWrite(); err != nil {
				return
			}

		// < publish("path")
		case "publish":
			if len(self.commandparams) < 1 {
				return errs.Wrap(errs.ErrProtocol, "rtmp: publish params invalid")
			}
			name, _ := self.commandparams[0].(string)
			self.log.Debug().Msgf("[rtmp] < publish(%s)", name)
			self.info = serverInfo(tcurl, app, name)

			onStatusMsg := AMFMapOnStatusPublishStart
			var cberr error
			if self.opts.Hook != nil {
				if cberr = self.opts.Hook.OnPublish(self.info); cberr != nil {
					onStatusMsg = AMFMapOnStatusPublishBadName
					if errs.Is(cberr, errs.ErrDuplicateStream) {
						onStatusMsg = AMFMapOnStatusPublishStreamDuplicated
					}
				}
			}

			// > onStatus()
			if err = self.writeCommandMsg(csidStream, self.avmsgsid, "onStatus", 0, nil, onStatusMsg); err != nil {
				return
			}
			if err = self.flushWrite(); err != nil {
				return
			}
			if cberr != nil {
				return errs.Wrapf(cberr, "rtmp: OnPublish rejected %s", name)
			}

			self.publishing = true
			self.stage = stagePublished
			return nil
		}
	}
}

func serverInfo(tcurl, app, name string) common.Info {
	info := common.Info{
		App:        app,
		StreamName: name,
		ID:         strings.SplitN(name, "?", 2)[0],
		TcURL:      tcurl,
	}
	if u, err := url.Parse(tcurl); err == nil {
		info.Domain = utils.PeelOffPort1935(u.Host)
		info.Host = utils.RepairHostWithPort1935(u.Host)
		info.RawURL = strings.TrimSuffix(tcurl, "/") + "/" + name
	}
	return info
}

// ReadTag returns the next media or script tag from a publisher.
func (self *conn) ReadTag() (tag flvio.Tag, ts uint32, err error) {
	if self.stage != stagePublished {
		return tag, 0, errs.Wrap(errs.ErrProtocol, "rtmp: read tag before publish")
	}
	for {
		if err = self.pollMsg(); err != nil {
			return
		}
		switch self.msgtypeid {
		case msgtypeidVideoMsg, msgtypeidAudioMsg:
			if self.avtag.Type == 0 {
				continue
			}
			return self.avtag, self.timestamp, nil
		case msgtypeidDataMsgAMF0, msgtypeidDataMsgAMF3:
			return flvio.Tag{Type: flvio.TAG_SCRIPTDATA, Data: self.msgdata}, self.timestamp, nil
		}
		if self.gotcommand && self.commandname == "deleteStream" {
			self.publishing = false
			return tag, 0, io.EOF
		}
	}
}

func (self *conn) TxBytes() uint64 {
	return self.txrxcount.txbytes.Load()
}

func (self *conn) RxBytes() uint64 {
	return self.txrxcount.rxbytes.Load()
}

func (self *conn) RemoteAddr() string {
	if self.netconn != nil {
		return self.netconn.RemoteAddr().String()
	}
	return ""
}

func (self *conn) Info() common.Info {
	if self == nil {
		return common.Info{}
	}
	return self.info
}
