package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wangscript007/ecmedia/common/errs"
)

func TestNewVideoCopies(t *testing.T) {
	buf := []byte{0, 0, 0, 1, 0x65, 0x88}
	f, err := NewVideo(buf, true, 40*time.Millisecond)
	require.NoError(t, err)
	buf[4] = 0x41
	require.Equal(t, byte(0x65), f.Data[4])
	require.True(t, f.IsVideo())
	require.True(t, f.IsKeyFrame)
	require.Equal(t, 6, f.Len())
	require.Equal(t, "video", f.Kind.String())
}

func TestNewAudio(t *testing.T) {
	f, err := NewAudio([]byte{0x21, 0x10}, time.Second)
	require.NoError(t, err)
	require.True(t, f.IsAudio())
	require.False(t, f.IsKeyFrame)
	require.Equal(t, time.Second, f.Timestamp)
}

func TestEmptyFrameRejected(t *testing.T) {
	_, err := NewVideo(nil, true, 0)
	require.Equal(t, int32(errs.CodeEncoderInput), errs.Code(err))
	_, err = NewAudio([]byte{}, 0)
	require.Equal(t, int32(errs.CodeEncoderInput), errs.Code(err))
}
