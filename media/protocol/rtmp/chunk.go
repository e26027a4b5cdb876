package rtmp

import (
	"io"
	"time"

	"github.com/nareix/joy4/format/flv/flvio"
	"github.com/nareix/joy4/utils/bits/pio"

	"github.com/wangscript007/ecmedia/common/errs"
)

type chunkStream struct {
	timenow     uint32
	timedelta   uint32
	hastimeext  bool
	msgsid      uint32
	msgtypeid   uint8
	msgdatalen  uint32
	msgdataleft uint32
	msghdrtype  uint8
	msgdata     []byte
}

func (self *chunkStream) Start() {
	self.msgdataleft = self.msgdatalen
	self.msgdata = make([]byte, self.msgdatalen)
}

func (self *conn) deadline() {
	if self.interrupted.Load() {
		self.netconn.SetDeadline(time.Now())
		return
	}
	self.netconn.SetDeadline(time.Now().Add(self.rwTimeout))
}

func (self *conn) writeFull(b []byte) error {
	self.deadline()
	if _, err := self.bufw.Write(b); err != nil {
		return errs.Wrapf(errs.ErrTransport, "rtmp write: %v", err)
	}
	return nil
}

func (self *conn) readFull(b []byte) error {
	self.deadline()
	if _, err := io.ReadFull(self.bufr, b); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return errs.Wrapf(errs.ErrTransport, "rtmp read: connection closed by peer")
		}
		return errs.Wrapf(errs.ErrTransport, "rtmp read: %v", err)
	}
	return nil
}

func (self *conn) flushWrite() error {
	self.deadline()
	if err := self.bufw.Flush(); err != nil {
		return errs.Wrapf(errs.ErrTransport, "rtmp flush: %v", err)
	}
	return nil
}

func (self *conn) tmpwbuf(n int) []byte {
	if len(self.writebuf) < n {
		self.writebuf = make([]byte, n)
	}
	return self.writebuf
}

func (self *conn) fillChunkHeader(b []byte, csid uint32, timestamp uint32, msgtypeid uint8, msgsid uint32, msgdatalen int) (n int) {
	//  0                   1                   2                   3
	//  0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	// |                   timestamp                   |message length |
	// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	// |     message length (cont)     |message type id| msg stream id |
	// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	// |           message stream id (cont)            |
	// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	//
	//       Figure 9 Chunk Message Header – Type 0

	b[n] = byte(csid) & 0x3f
	n++
	if timestamp < FlvTimestampMax {
		pio.PutU24BE(b[n:], timestamp)
	} else {
		pio.PutU24BE(b[n:], FlvTimestampMax)
	}
	n += 3
	pio.PutU24BE(b[n:], uint32(msgdatalen))
	n += 3
	b[n] = msgtypeid
	n++
	pio.PutU32LE(b[n:], msgsid)
	n += 4
	if timestamp >= FlvTimestampMax {
		pio.PutU32BE(b[n:], timestamp)
		n += 4
	}
	return
}

// writeMsg sends hdr+data as one message: a type 0 chunk followed by type 3
// continuation chunks every writeMaxChunkSize bytes. The extended timestamp
// is repeated in continuation chunks.
func (self *conn) writeMsg(csid uint32, timestamp uint32, msgtypeid uint8, msgsid uint32, hdr, data []byte) (err error) {
	msglen := len(hdr) + len(data)
	if msglen > maxChunkSize {
		return errs.Wrapf(errs.ErrProtocol, "rtmp message too large: %d", msglen)
	}

	b := self.tmpwbuf(chunkHeaderLength + 4)
	n := self.fillChunkHeader(b, csid, timestamp, msgtypeid, msgsid, msglen)
	if err = self.writeFull(b[:n]); err != nil {
		return
	}

	ext := timestamp >= FlvTimestampMax
	left := self.writeMaxChunkSize
	for _, part := range [2][]byte{hdr, data} {
		for len(part) > 0 {
			if left == 0 {
				var c [5]byte
				c[0] = 0xc0 | byte(csid)&0x3f
				m := 1
				if ext {
					pio.PutU32BE(c[1:], timestamp)
					m += 4
				}
				if err = self.writeFull(c[:m]); err != nil {
					return
				}
				left = self.writeMaxChunkSize
			}
			k := len(part)
			if k > left {
				k = left
			}
			if err = self.writeFull(part[:k]); err != nil {
				return
			}
			part = part[k:]
			left -= k
		}
	}

	self.log.Trace().Uint32("csid", csid).Uint32("ts", timestamp).Int("msglen", msglen).
		Uint8("msgtypeid", msgtypeid).Uint32("msgsid", msgsid).Msg("[rtmp] send msg")
	return
}

func (self *conn) writeSetChunkSize(size int) (err error) {
	var b [4]byte
	pio.PutU32BE(b[:], uint32(size))
	if err = self.writeMsg(csidControl, 0, msgtypeidSetChunkSize, 0, nil, b[:]); err != nil {
		return errs.Wrap(err, "writeSetChunkSize")
	}
	self.writeMaxChunkSize = size
	return
}

func (self *conn) writeAck(seqnum uint32) (err error) {
	var b [4]byte
	pio.PutU32BE(b[:], seqnum)
	if err = self.writeMsg(csidControl, 0, msgtypeidAck, 0, nil, b[:]); err != nil {
		return errs.Wrap(err, "writeAck")
	}
	return
}

func (self *conn) writeWindowAckSize(size uint32) (err error) {
	var b [4]byte
	pio.PutU32BE(b[:], size)
	if err = self.writeMsg(csidControl, 0, msgtypeidWindowAckSize, 0, nil, b[:]); err != nil {
		return errs.Wrap(err, "writeWindowAckSize")
	}
	return
}

func (self *conn) writeSetPeerBandwidth(acksize uint32, limittype uint8) (err error) {
	var b [5]byte
	pio.PutU32BE(b[:], acksize)
	b[4] = limittype
	if err = self.writeMsg(csidControl, 0, msgtypeidSetPeerBandwidth, 0, nil, b[:]); err != nil {
		return errs.Wrap(err, "writeSetPeerBandwidth")
	}
	return
}

func (self *conn) writeUserControl(eventtype uint16, value uint32) (err error) {
	var b [6]byte
	pio.PutU16BE(b[:], eventtype)
	pio.PutU32BE(b[2:], value)
	if err = self.writeMsg(csidControl, 0, msgtypeidUserControl, 0, nil, b[:]); err != nil {
		return errs.Wrapf(err, "writeUserControl event=%d", eventtype)
	}
	return
}

func (self *conn) writeCommandMsg(csid, msgsid uint32, args ...interface{}) (err error) {
	if err = self.writeAMF0Msg(msgtypeidCommandMsgAMF0, csid, msgsid, args...); err != nil {
		return errs.Wrapf(err, "writeCommandMsg: csid=%d msgsid=%d name=%v", csid, msgsid, args[0])
	}
	return
}

func (self *conn) writeDataMsg(csid, msgsid uint32, args ...interface{}) (err error) {
	if err = self.writeAMF0Msg(msgtypeidDataMsgAMF0, csid, msgsid, args...); err != nil {
		return errs.Wrapf(err, "writeDataMsg: csid=%d msgsid=%d", csid, msgsid)
	}
	return
}

func (self *conn) writeAMF0Msg(msgtypeid uint8, csid, msgsid uint32, args ...interface{}) error {
	size := 0
	for _, arg := range args {
		size += flvio.LenAMF0Val(arg)
	}
	b := make([]byte, size)
	n := 0
	for _, arg := range args {
		n += flvio.FillAMF0Val(b[n:], arg)
	}
	return self.writeMsg(csid, 0, msgtypeid, msgsid, nil, b[:n])
}

func (self *conn) writeAVTag(tag flvio.Tag, ts uint32) (err error) {
	var msgtypeid uint8
	var csid uint32

	switch tag.Type {
	case flvio.TAG_AUDIO:
		msgtypeid = msgtypeidAudioMsg
		csid = csidAudio
	case flvio.TAG_VIDEO:
		msgtypeid = msgtypeidVideoMsg
		csid = csidVideo
	default:
		return errs.Wrapf(errs.ErrProtocol, "writeAVTag: unsupported tag type %d", tag.Type)
	}

	hdrlen := tag.FillHeader(self.taghdr[:])
	if err = self.writeMsg(csid, ts, msgtypeid, self.avmsgsid, self.taghdr[:hdrlen], tag.Data); err != nil {
		return errs.Wrap(err, "writeAVTag")
	}
	return
}

func (self *conn) pollCommand() (err error) {
	for {
		if err = self.pollMsg(); err != nil {
			return
		}
		if self.gotcommand {
			return
		}
	}
}

func (self *conn) pollMsg() (err error) {
	self.gotmsg = false
	self.gotcommand = false
	self.datamsgvals = nil
	self.avtag = flvio.Tag{}
	for {
		if err = self.readChunk(); err != nil {
			return
		}
		if self.gotmsg {
			return
		}
	}
}

func (self *conn) readChunk() (err error) {
	b := self.readbuf
	n := 0
	if err = self.readFull(b[:1]); err != nil {
		return errs.Wrap(err, "read chunk basic header")
	}
	header := b[0]
	n += 1

	msghdrtype := header >> 6
	csid := uint32(header) & 0x3f
	switch csid {
	default: // Chunk basic header 1
	case 0: // Chunk basic header 2
		if err = self.readFull(b[:1]); err != nil {
			return errs.Wrapf(err, "read chunk header headertype=%d csid=0", msghdrtype)
		}
		n += 1
		csid = uint32(b[0]) + 64
	case 1: // Chunk basic header 3
		if err = self.readFull(b[:2]); err != nil {
			return errs.Wrapf(err, "read chunk header headertype=%d csid=1", msghdrtype)
		}
		n += 2
		csid = uint32(b[0]) + uint32(b[1])*256 + 64
	}

	cs := self.readcsmap[csid]
	if cs == nil {
		cs = &chunkStream{}
		self.readcsmap[csid] = cs
	}

	var timestamp uint32
	readExtTime := func() (uint32, error) {
		if err := self.readFull(b[:4]); err != nil {
			return 0, errs.Wrapf(err, "headertype=%d csid=%d read ext timestamp", msghdrtype, csid)
		}
		n += 4
		return pio.U32BE(b), nil
	}

	switch msghdrtype {
	case 0, 1, 2:
		if cs.msgdataleft != 0 {
			return errs.Wrapf(errs.ErrProtocol, "headertype=%d csid=%d msgdataleft=%d chunk invalid", msghdrtype, csid, cs.msgdataleft)
		}
		hlen := [3]int{11, 7, 3}[msghdrtype]
		h := b[:hlen]
		if err = self.readFull(h); err != nil {
			return errs.Wrapf(err, "headertype=%d csid=%d read header", msghdrtype, csid)
		}
		n += hlen
		timestamp = pio.U24BE(h[0:3])
		if msghdrtype <= 1 {
			cs.msgdatalen = pio.U24BE(h[3:6])
			cs.msgtypeid = h[6]
		}
		if msghdrtype == 0 {
			cs.msgsid = pio.U32LE(h[7:11])
		}
		cs.msghdrtype = msghdrtype
		if timestamp == FlvTimestampMax {
			if timestamp, err = readExtTime(); err != nil {
				return
			}
			cs.hastimeext = true
		} else {
			cs.hastimeext = false
		}
		if msghdrtype == 0 {
			cs.timenow = timestamp
		} else {
			cs.timedelta = timestamp
			cs.timenow += timestamp
		}
		cs.Start()

	case 3:
		if cs.msgdataleft == 0 {
			switch cs.msghdrtype {
			case 0:
				if cs.hastimeext {
					if timestamp, err = readExtTime(); err != nil {
						return
					}
					cs.timenow = timestamp
				}
			case 1, 2:
				if cs.hastimeext {
					if timestamp, err = readExtTime(); err != nil {
						return
					}
				} else {
					timestamp = cs.timedelta
				}
				cs.timenow += timestamp
			}
			cs.Start()
		} else if cs.hastimeext {
			var tbs []byte
			self.deadline()
			if tbs, err = self.bufr.Peek(4); err != nil {
				return errs.Wrapf(errs.ErrTransport, "headertype=%d csid=%d peek ext timestamp: %v", msghdrtype, csid, err)
			}
			if tmpts := pio.U32BE(tbs); tmpts == cs.timenow {
				self.bufr.Discard(4)
				n += 4
			}
		}
	}

	size := int(cs.msgdataleft)
	if size > self.readMaxChunkSize {
		size = self.readMaxChunkSize
	}
	off := cs.msgdatalen - cs.msgdataleft
	buf := cs.msgdata[off : int(off)+size]
	if err = self.readFull(buf); err != nil {
		return errs.Wrapf(err, "read chunk data size=%d offset=%d", size, off)
	}
	n += len(buf)
	cs.msgdataleft -= uint32(size)

	if cs.msgdataleft == 0 {
		if err = self.handleMsg(cs.timenow, cs.msgsid, cs.msgtypeid, cs.msgdata); err != nil {
			return
		}
	}

	self.ackn += uint32(n)
	if self.readAckSize != 0 && self.ackn > self.readAckSize {
		if err = self.writeAck(self.ackn); err != nil {
			return
		}
		if err = self.flushWrite(); err != nil {
			return
		}
		self.ackn = 0
	}
	return
}

func (self *conn) handleCommandMsgAMF0(b []byte) (err error) {
	var name, transid, obj interface{}
	var size, n int

	if name, size, err = flvio.ParseAMF0Val(b[n:]); err != nil {
		return errs.Wrapf(errs.ErrProtocol, "command name: %v", err)
	}
	n += size
	if transid, size, err = flvio.ParseAMF0Val(b[n:]); err != nil {
		return errs.Wrapf(errs.ErrProtocol, "command transid: %v", err)
	}
	n += size

	var ok bool
	if self.commandname, ok = name.(string); !ok {
		return errs.Wrap(errs.ErrProtocol, "rtmp: CommandMsgAMF0 command is not string")
	}
	self.commandtransid, _ = transid.(float64)
	self.commandobj = nil
	self.commandparams = []interface{}{}

	if n < len(b) {
		if obj, size, err = flvio.ParseAMF0Val(b[n:]); err != nil {
			return errs.Wrapf(errs.ErrProtocol, "command obj: %v", err)
		}
		n += size
		self.commandobj, _ = obj.(flvio.AMFMap)
	}
	for n < len(b) {
		if obj, size, err = flvio.ParseAMF0Val(b[n:]); err != nil {
			return errs.Wrapf(errs.ErrProtocol, "command params: %v", err)
		}
		n += size
		self.commandparams = append(self.commandparams, obj)
	}

	self.gotcommand = true
	return
}

func (self *conn) handleMsg(timestamp uint32, msgsid uint32, msgtypeid uint8, msgdata []byte) (err error) {
	self.msgdata = msgdata
	self.msgtypeid = msgtypeid
	self.timestamp = timestamp

	switch msgtypeid {
	case msgtypeidCommandMsgAMF0:
		if err = self.handleCommandMsgAMF0(msgdata); err != nil {
			return
		}

	case msgtypeidCommandMsgAMF3:
		if len(msgdata) < 1 {
			return errs.Wrap(errs.ErrProtocol, "rtmp: short packet of CommandMsgAMF3")
		}
		// skip first byte
		if err = self.handleCommandMsgAMF0(msgdata[1:]); err != nil {
			return
		}

	case msgtypeidUserControl:
		if len(msgdata) < 2 {
			return errs.Wrap(errs.ErrProtocol, "rtmp: short packet of UserControl")
		}
		eventtype := pio.U16BE(msgdata)
		if eventtype == eventtypePingRequest && len(msgdata) >= 6 {
			if err = self.writeUserControl(eventtypePingResponse, pio.U32BE(msgdata[2:])); err != nil {
				return
			}
			if err = self.flushWrite(); err != nil {
				return
			}
		}
		self.log.Trace().Uint16("eventtype", eventtype).Msg("[rtmp] < user control")

	case msgtypeidDataMsgAMF0, msgtypeidDataMsgAMF3:
		b := msgdata
		if msgtypeid == msgtypeidDataMsgAMF3 && len(b) > 0 {
			b = b[1:]
		}
		for n := 0; n < len(b); {
			var obj interface{}
			var size int
			if obj, size, err = flvio.ParseAMF0Val(b[n:]); err != nil {
				return errs.Wrapf(errs.ErrProtocol, "data msg: %v", err)
			}
			n += size
			self.datamsgvals = append(self.datamsgvals, obj)
		}

	case msgtypeidVideoMsg, msgtypeidAudioMsg:
		if len(msgdata) == 0 {
			return
		}
		tag := flvio.Tag{Type: flvio.TAG_VIDEO}
		if msgtypeid == msgtypeidAudioMsg {
			tag.Type = flvio.TAG_AUDIO
		}
		var n int
		if n, err = (&tag).ParseHeader(msgdata); err != nil {
			return errs.Wrapf(errs.ErrProtocol, "tag header: %v", err)
		}
		tag.Data = msgdata[n:]
		self.avtag = tag

	case msgtypeidSetChunkSize:
		if len(msgdata) < 4 {
			return errs.Wrap(errs.ErrProtocol, "rtmp: short packet of SetChunkSize")
		}
		self.readMaxChunkSize = int(pio.U32BE(msgdata) & 0x7fffffff)
		self.log.Debug().Int("chunksize", self.readMaxChunkSize).Msg("[rtmp] < SetChunkSize")

	case msgtypeidWindowAckSize:
		if len(msgdata) < 4 {
			return errs.Wrap(errs.ErrProtocol, "rtmp: short packet of WindowAckSize")
		}
		self.readAckSize = pio.U32BE(msgdata)
		self.log.Debug().Uint32("acksize", self.readAckSize).Msg("[rtmp] < WindowAckSize")

	default:
		self.log.Trace().Uint8("msgtypeid", msgtypeid).Uint32("msgsid", msgsid).Uint32("timestamp", timestamp).Msg("[rtmp] unhandled msg")
	}

	self.gotmsg = true
	return
}
