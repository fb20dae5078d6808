package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nullstream/rtspd/internal/config"
	"github.com/nullstream/rtspd/internal/logging"
	"github.com/nullstream/rtspd/internal/media"
	"github.com/nullstream/rtspd/internal/rtp"
	"github.com/nullstream/rtspd/internal/rtspserver"
)

func main() {
	fs := flag.NewFlagSet("rtspd", flag.ExitOnError)
	logFlags := logging.RegisterFlags(fs)

	configPath := fs.String("config", "", "path to a key=value config file (optional)")
	listenAddr := fs.String("listen", "", "override the listen address, e.g. :8554")
	demoStream := fs.Bool("demo-stream", false, "publish a synthetic test pattern under /live for manual testing")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Low-latency desktop-sharing RTSP/RTP streaming server\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logCfg, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logger: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	cfg := config.Default()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Error().Err(err).Msg("failed to load configuration")
			os.Exit(1)
		}
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	log.Info().Str("addr", cfg.ListenAddr).Int("workers", cfg.WorkerThreads).Str("log_config", logFlags.String()).
		Msg("starting rtspd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	srv := rtspserver.New(cfg, log)
	if err := srv.Start(ctx); err != nil {
		log.Error().Err(err).Msg("failed to start rtsp server")
		os.Exit(1)
	}
	defer srv.Stop()

	if *demoStream {
		sess, err := srv.AddSession("live")
		if err != nil {
			log.Error().Err(err).Msg("failed to publish demo session")
			os.Exit(1)
		}
		sess.SetVideo(media.NewH264Source(), media.VideoConfig{
			SPS: []byte{0x67, 0x42, 0xc0, 0x1f, 0xda, 0x02, 0x80, 0xf6, 0xc0, 0x44},
			PPS: []byte{0x68, 0xce, 0x3c, 0x80},
		})
		log.Info().Uint64("session_id", sess.ID()).Str("url", fmt.Sprintf("rtsp://%s/live", cfg.ListenAddr)).
			Msg("demo session published")
		go runDemoSource(ctx, srv, sess.ID(), log.Logger)
	}

	<-ctx.Done()
	log.Info().Msg("graceful shutdown complete")
}

// runDemoSource feeds synthetic key/delta frames into the demo session at a
// fixed 30fps so --demo-stream is playable end to end without a real
// encoder on hand. Every 30th frame is a key frame (IDR) to exercise the
// key-frame gating a real encoder would drive.
func runDemoSource(ctx context.Context, srv *rtspserver.Server, sessionID uint64, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Second / 30)
	defer ticker.Stop()

	var frameN uint32
	var clockTime uint32
	payload := make([]byte, 256)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rand.Read(payload[1:])
			kind := media.FrameVideoP
			payload[0] = 0x41 // non-IDR slice NAL header
			if frameN%30 == 0 {
				kind = media.FrameVideoI
				payload[0] = 0x65 // IDR slice NAL header
			}

			err := srv.PushFrame(sessionID, rtp.KindVideo, media.Frame{
				Kind:      kind,
				Timestamp: clockTime,
				Payload:   payload,
			})
			if err != nil && err != media.ErrNoClients {
				logger.Debug().Err(err).Msg("demo source: push_frame failed")
			}

			frameN++
			clockTime += 90000 / 30
		}
	}
}
