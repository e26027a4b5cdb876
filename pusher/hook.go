package pusher

import (
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/wangscript007/ecmedia/publisher"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONHook prints status events and stats as one JSON object per line. It is
// a publisher.StatusHandler.
type JSONHook struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJSONHook(w io.Writer) *JSONHook {
	return &JSONHook{w: w}
}

func (h *JSONHook) OnStatus(ev publisher.Event) {
	h.write(ev)
}

func (h *JSONHook) OnStats(stats publisher.Stats) {
	h.write(struct {
		Event string `json:"event"`
		publisher.Stats
	}{"stats", stats})
}

func (h *JSONHook) write(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Msg("marshal status")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.w.Write(append(b, '\n'))
}
