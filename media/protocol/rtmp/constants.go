package rtmp

import (
	"github.com/nareix/joy4/format/flv/flvio"
)

const (
	CodePublishStart            = "NetStream.Publish.Start"
	CodePublishBadName          = "NetStream.Publish.BadName"
	CodePublishStreamDuplicated = "NetStream.Publish.StreamDuplicated"
	CodeConnectSuccess          = "NetConnection.Connect.Success"
)

var (
	AMFMapOnStatusPublishStart = flvio.AMFMap{
		"level":       "status",
		"code":        CodePublishStart,
		"description": "Start publishing",
	}
	AMFMapOnStatusPublishBadName = flvio.AMFMap{
		"level":       "error",
		"code":        CodePublishBadName,
		"description": "Failed publishing",
	}
	AMFMapOnStatusPublishStreamDuplicated = flvio.AMFMap{
		"level":       "error",
		"code":        CodePublishStreamDuplicated,
		"description": "Stream duplicated",
	}
)

const (
	msgtypeidSetChunkSize     = 1
	msgtypeidAbort            = 2
	msgtypeidAck              = 3
	msgtypeidUserControl      = 4
	msgtypeidWindowAckSize    = 5
	msgtypeidSetPeerBandwidth = 6
	msgtypeidAudioMsg         = 8
	msgtypeidVideoMsg         = 9
	msgtypeidDataMsgAMF3      = 15
	msgtypeidCommandMsgAMF3   = 17
	msgtypeidDataMsgAMF0      = 18
	msgtypeidCommandMsgAMF0   = 20
)

const (
	eventtypeStreamBegin     = 0
	eventtypeSetBufferLength = 3
	eventtypePingRequest     = 6
	eventtypePingResponse    = 7
)

// chunk stream ids
const (
	csidControl = 2
	csidCommand = 3
	csidData    = 5
	csidAudio   = 6
	csidVideo   = 7
	csidStream  = 8
)

const (
	chunkHeaderLength = 12
	FlvTimestampMax   = 0xFFFFFF

	minChunkSize = 128
	maxChunkSize = 0xFFFFFF
)
