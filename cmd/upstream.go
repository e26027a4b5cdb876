package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wangscript007/ecmedia/pusher"
)

var upstream = &cobra.Command{
	Use:   "push",
	Short: "Publish H.264/AAC elementary stream files to an rtmp url",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("url") || cfg.URL == "" {
			cfg.URL = up.rUrl
		}
		if flags.Changed("max-retries") {
			cfg.MaxRetries = up.maxRetries
		}
		if flags.Changed("audio-only") {
			cfg.AudioOnly = up.audioOnly
		}
		if err = cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			pusher.StopAll()
		}()

		filePusher := pusher.NewFilePusher(cfg, pusher.FileOptions{
			VideoFile: up.videoFile,
			AudioFile: up.audioFile,
			FPS:       up.fps,
			Loop:      up.loop,
			Hook:      pusher.NewJSONHook(os.Stdout),
		})
		err = pusher.Launch(up.name, filePusher, duration)
		if err != nil {
			log.Error().Err(err).Str("url", cfg.URL).Msg("push failed")
		}
		return err
	},
}

type upstreamArgs struct {
	rUrl       string
	name       string
	videoFile  string
	audioFile  string
	fps        int
	loop       bool
	maxRetries int
	audioOnly  bool
}

var up upstreamArgs

func init() {
	rootCmd.AddCommand(upstream)

	upstream.Flags().StringVarP(&up.rUrl, "url", "u", "", "Upstream URL, overrides the config file")
	upstream.Flags().StringVarP(&up.name, "name", "n", "push", "Session name")
	upstream.Flags().StringVar(&up.videoFile, "video", "", "H.264 Annex-B file to upstream")
	upstream.Flags().StringVar(&up.audioFile, "audio", "", "AAC ADTS file to upstream")
	upstream.Flags().IntVar(&up.fps, "fps", 25, "Video frame rate")
	upstream.Flags().BoolVar(&up.loop, "loop", true, "Replay the files until duration ends")
	upstream.Flags().IntVar(&up.maxRetries, "max-retries", 5, "Reconnect attempts before giving up")
	upstream.Flags().BoolVar(&up.audioOnly, "audio-only", false, "Drop video")
}
