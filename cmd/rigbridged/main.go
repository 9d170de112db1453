package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gordonklaus/portaudio"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/rigbridge/rigbridge/cmd/rigbridged/config"
	"github.com/rigbridge/rigbridge/internal/capture"
	"github.com/rigbridge/rigbridge/internal/device"
	"github.com/rigbridge/rigbridge/internal/notify"
	"github.com/rigbridge/rigbridge/internal/playback"
	"github.com/rigbridge/rigbridge/internal/rtc"
	"github.com/rigbridge/rigbridge/internal/serialcmd"
	"github.com/rigbridge/rigbridge/internal/settings"
	"github.com/rigbridge/rigbridge/internal/utils"
	"github.com/rigbridge/rigbridge/pkg/audiodevice"
)

func main() {
	configFilePath := flag.String("config", "rigbridged.yaml", "path to the configuration file")
	flag.Parse()

	config.LoadConfig(*configFilePath)

	logFilePointer, err := utils.ConfigureDefaultLogger(
		viper.GetString("loglevel"),
		viper.GetString("logfile"),
		slog.HandlerOptions{},
	)
	if err != nil {
		slog.Error("error while configuring logger", "err", err)
		os.Exit(1)
	}
	if logFilePointer != nil {
		defer logFilePointer.Close()
	}

	if err := portaudio.Initialize(); err != nil {
		slog.Error("error while initializing portaudio", "err", err)
		os.Exit(1)
	}
	defer portaudio.Terminate()

	repo := settings.ViperRepository{}
	deviceConfig, err := repo.Load()
	if err != nil {
		// The daemon starts degraded rather than refusing to run; the
		// settings layer can deliver a corrected snapshot later.
		slog.Warn("stored settings invalid, starting with defaults", "err", err)
	}

	notifier := notify.LogNotifier{}
	sampleRate := viper.GetInt("samplerate")
	framesPerBuffer := viper.GetInt("framesperbuffer")

	// --------------------------------------------------------------------------------
	// Capture side: radio RX audio → browser peers

	supervisor := &captureSupervisor{
		sampleRate:      sampleRate,
		framesPerBuffer: framesPerBuffer,
	}
	distributor := capture.NewDistributor(
		supervisor.open(deviceConfig.InputDeviceID),
		viper.GetInt("subscriberqueuedepth"),
		notifier,
		nil,
	)

	var tap *capture.WAVTap
	if recordFile := viper.GetString("recordfile"); recordFile != "" {
		tap, err = capture.NewWAVTap(distributor, recordFile)
		if err != nil {
			slog.Warn("could not start wav recording", "err", err)
		}
	}

	// --------------------------------------------------------------------------------
	// Playback side: browser microphone → radio TX audio

	sink := playback.NewSink(
		openPlaybackDevice(deviceConfig.OutputDeviceID, sampleRate, framesPerBuffer),
		sampleRate,
		notifier,
		nil,
	)

	// --------------------------------------------------------------------------------
	// Serial control path

	queue := serialcmd.NewQueue(
		serialcmd.NewChannel(nil),
		viper.GetInt("serialqueuecapacity"),
		deviceConfig,
		time.Duration(viper.GetInt("serialresponsetimeoutms"))*time.Millisecond,
		notifier,
		nil,
	)

	// --------------------------------------------------------------------------------
	// WebRTC sessions

	iceServerURLs := viper.GetStringSlice("ICEServers")
	manager := rtc.NewManager(
		webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: iceServerURLs}},
		},
		distributor,
		sink,
		notifier,
		nil,
	)

	// --------------------------------------------------------------------------------
	// Configuration changes: deliver a new snapshot and reopen

	watcher := settings.NewWatcher()
	configChanges := watcher.Subscribe()
	viper.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := repo.Load()
		if err != nil {
			slog.Warn("ignoring invalid configuration change", "err", err)
			return
		}
		watcher.Publish(cfg)
	})
	viper.WatchConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return supervisor.runCaptureLoop(groupCtx, distributor, repo)
	})
	group.Go(func() error {
		return queue.Run(groupCtx)
	})
	group.Go(func() error {
		return runHTTPServer(groupCtx, viper.GetString("listenaddress"), newServer(manager, queue).routes())
	})
	group.Go(func() error {
		applyConfigChanges(groupCtx, configChanges, deviceConfig, queue, sink, supervisor, sampleRate, framesPerBuffer)
		return nil
	})

	slog.Info("rigbridged started", "listenAddress", viper.GetString("listenaddress"))
	if err := group.Wait(); err != nil {
		slog.Error("server error", "err", err)
	}

	manager.Shutdown()
	if tap != nil {
		tap.Close()
	}
	supervisor.close()
	slog.Info("rigbridged stopped")
}

// captureSupervisor owns the current capture device so a configuration
// change can force a reopen: closing the installed source makes the
// distributor's read loop stop, and runCaptureLoop restarts it with a
// freshly opened device.
type captureSupervisor struct {
	sampleRate      int
	framesPerBuffer int

	mu      sync.Mutex
	current audiodevice.Source
}

func (cs *captureSupervisor) open(deviceID string) audiodevice.Source {
	source, err := device.NewPortAudioInputDevice(deviceID, cs.sampleRate, cs.framesPerBuffer)
	if err != nil {
		slog.Warn("capture device unavailable, streaming silence", "device", deviceID, "err", err)
		cs.install(newSilenceSource(cs.sampleRate, cs.framesPerBuffer))
	} else {
		cs.install(source)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.current
}

func (cs *captureSupervisor) install(source audiodevice.Source) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.current = source
}

func (cs *captureSupervisor) close() {
	cs.mu.Lock()
	source := cs.current
	cs.mu.Unlock()
	if source != nil {
		source.Close()
	}
}

func (cs *captureSupervisor) runCaptureLoop(
	ctx context.Context,
	distributor *capture.Distributor,
	repo settings.Repository,
) error {
	for {
		err := distributor.Run(ctx)
		if err == nil {
			// Orderly shutdown.
			return nil
		}

		// Device failure: wait, re-validate against the latest settings
		// snapshot, and restart explicitly.
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(3 * time.Second):
		}

		cs.close()
		deviceID := ""
		if cfg, err := repo.Load(); err == nil {
			deviceID = cfg.InputDeviceID
		}
		if err := distributor.Restart(cs.open(deviceID)); err != nil {
			slog.Error("could not restart capture", "err", err)
			return err
		}
	}
}

func openPlaybackDevice(deviceID string, sampleRate, framesPerBuffer int) audiodevice.Sink {
	out, err := device.NewPortAudioOutputDevice(deviceID, sampleRate, framesPerBuffer)
	if err != nil {
		slog.Warn("playback device unavailable, discarding uploads", "device", deviceID, "err", err)
		return newDiscardSink(sampleRate)
	}
	return out
}

// applyConfigChanges reopens the affected resources whenever the
// settings collaborator publishes a new snapshot.
func applyConfigChanges(
	ctx context.Context,
	changes <-chan settings.DeviceConfig,
	lastCfg settings.DeviceConfig,
	queue *serialcmd.Queue,
	sink *playback.Sink,
	supervisor *captureSupervisor,
	sampleRate, framesPerBuffer int,
) {
	for {
		var cfg settings.DeviceConfig
		select {
		case <-ctx.Done():
			return
		case cfg = <-changes:
		}

		slog.Info("applying configuration change")
		queue.Reconfigure(cfg)

		if cfg.OutputDeviceID != lastCfg.OutputDeviceID {
			sink.SetDevice(openPlaybackDevice(cfg.OutputDeviceID, sampleRate, framesPerBuffer))
		}
		if cfg.InputDeviceID != lastCfg.InputDeviceID {
			// Closing the live source stops the read loop; the capture
			// supervisor reopens with the new id.
			supervisor.close()
		}
		lastCfg = cfg
	}
}
