package rtmp

import (
	"crypto/rand"

	"github.com/nareix/joy4/utils/bits/pio"

	"github.com/wangscript007/ecmedia/common/errs"
)

const (
	handshakeVersion = 3
	handshakeSize    = 1536
)

// handshakeClient performs the plain (digest-less) handshake that every
// publishing server accepts.
func (self *conn) handshakeClient() (err error) {
	var random [(1 + handshakeSize*2) * 2]byte

	C0C1C2 := random[:handshakeSize*2+1]
	C0 := C0C1C2[:1]
	C1 := C0C1C2[1 : handshakeSize+1]
	C0C1 := C0C1C2[:handshakeSize+1]

	S0S1S2 := random[handshakeSize*2+1:]
	S0 := S0S1S2[:1]
	S1 := S0S1S2[1 : handshakeSize+1]

	C0[0] = handshakeVersion
	// time and zero fields stay 0
	rand.Read(C1[8:])

	self.log.Trace().Str("local", self.netconn.LocalAddr().String()).Msg("[rtmp] > C0C1")
	if err = self.writeFull(C0C1); err != nil {
		return errs.Wrap(err, "rtmp handshake")
	}
	if err = self.flushWrite(); err != nil {
		return errs.Wrap(err, "rtmp handshake")
	}

	// < S0S1S2
	if err = self.readFull(S0S1S2); err != nil {
		return errs.Wrap(err, "rtmp handshake")
	}
	if S0[0] != handshakeVersion {
		return errs.Wrapf(errs.ErrProtocol, "rtmp handshake: server version %d", S0[0])
	}
	self.log.Trace().Uint32("server_ver", pio.U32BE(S1[4:8])).Msg("[rtmp] < S0S1S2")

	// > C2 echoes S1
	if err = self.writeFull(S1); err != nil {
		return errs.Wrap(err, "rtmp handshake")
	}
	if err = self.flushWrite(); err != nil {
		return errs.Wrap(err, "rtmp handshake")
	}

	self.stage = stageHandshakeDone
	return nil
}

func (self *conn) handshakeServer() (err error) {
	var random [(1 + handshakeSize*2) * 2]byte

	C0C1C2 := random[:handshakeSize*2+1]
	C0 := C0C1C2[:1]
	C1 := C0C1C2[1 : handshakeSize+1]
	C0C1 := C0C1C2[:handshakeSize+1]
	C2 := C0C1C2[handshakeSize+1:]

	S0S1S2 := random[handshakeSize*2+1:]
	S0 := S0S1S2[:1]
	S1 := S0S1S2[1 : handshakeSize+1]
	S2 := S0S1S2[handshakeSize+1:]

	// < C0C1
	if err = self.readFull(C0C1); err != nil {
		return errs.Wrap(err, "rtmp handshake")
	}
	if C0[0] != handshakeVersion {
		return errs.Wrapf(errs.ErrProtocol, "rtmp handshake: client version %d", C0[0])
	}

	S0[0] = handshakeVersion
	rand.Read(S1[8:])
	copy(S2, C1)

	// > S0S1S2
	if err = self.writeFull(S0S1S2); err != nil {
		return errs.Wrap(err, "rtmp handshake")
	}
	if err = self.flushWrite(); err != nil {
		return errs.Wrap(err, "rtmp handshake")
	}

	// < C2
	if err = self.readFull(C2); err != nil {
		return errs.Wrap(err, "rtmp handshake")
	}

	self.stage = stageHandshakeDone
	return nil
}
