package pusher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wangscript007/ecmedia/common/errs"
)

type upStreamerManager struct {
	streams sync.Map
}

type upStreamInfo struct {
	pusher   Pusher
	duration time.Duration
	started  time.Time
	cancel   context.CancelFunc
}

var UpStreamerManager = &upStreamerManager{streams: sync.Map{}}

// Launch runs pusher under name for at most duration and blocks until it ends.
// Running out of duration is not an error.
func Launch(name string, pusher Pusher, duration time.Duration) error {
	ctx, ctxCancel := context.WithTimeout(context.Background(), duration)
	defer ctxCancel()

	info := upStreamInfo{
		pusher:   pusher,
		duration: duration,
		started:  time.Now(),
		cancel:   ctxCancel,
	}
	if _, loaded := UpStreamerManager.streams.LoadOrStore(name, info); loaded {
		return errs.Wrapf(errs.ErrDuplicateStream, "stream %s", name)
	}
	defer UpStreamerManager.streams.Delete(name)

	log.Info().Str("name", name).Dur("duration", duration).Msg("launch pusher")
	// publish will block
	err := pusher.Publish(ctx)
	log.Info().Str("name", name).Err(err).Dur("elapsed", time.Since(info.started)).Msg("pusher exit")
	return err
}

func Stop(name string) error {
	info, ok := UpStreamerManager.streams.Load(name)
	if !ok {
		return errs.Wrapf(errs.ErrStreamNotExist, "stream %s", name)
	}
	info.(upStreamInfo).cancel()
	return nil
}

func StopAll() {
	UpStreamerManager.streams.Range(func(key, value interface{}) bool {
		pushInfo := value.(upStreamInfo)
		pushInfo.cancel()
		return true
	})
}

// GetAllStreamInfos 返回 name-duration 形式的推流列表, 按名称排序
func GetAllStreamInfos() (infos []string) {
	UpStreamerManager.streams.Range(func(key, value interface{}) bool {
		name := key.(string)
		pushInfo := value.(upStreamInfo)
		infos = append(infos, fmt.Sprintf("%s-%s", name, pushInfo.duration))
		return true
	})
	sort.Strings(infos)
	return infos
}
