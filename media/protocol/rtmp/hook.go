package rtmp

import "github.com/wangscript007/ecmedia/protocol/common"

// Hook lets the accepting side veto a publish request. ErrDuplicateStream is
// answered with NetStream.Publish.StreamDuplicated, any other error with
// NetStream.Publish.BadName.
type Hook interface {
	OnPublish(info common.Info) error
}
