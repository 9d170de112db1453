package capture

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVTap archives captured audio to a WAV file by acting as an ordinary
// distributor subscriber. It keeps up with real time or loses frames
// like any other subscriber; it can never stall the capture loop.
type WAVTap struct {
	logger *slog.Logger

	distributor *Distributor
	sub         *Subscription
	fileHandle  *os.File
	encoder     *wav.Encoder

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewWAVTap subscribes to the distributor and streams every received
// frame into a 16-bit WAV file at audioFilePath until Close is called or
// the capture stream ends.
func NewWAVTap(distributor *Distributor, audioFilePath string) (*WAVTap, error) {
	logger := slog.Default().With(
		"component", "wav tap",
		"audioFile", audioFilePath,
	)

	f, err := os.Create(audioFilePath)
	if err != nil {
		logger.Error("could not create audio file", "err", err)
		return nil, fmt.Errorf("create wav file: %w", err)
	}

	props := distributor.SourceProperties()
	encoder := wav.NewEncoder(f, props.SampleRate, 16, props.NumChannels, 1)

	tap := &WAVTap{
		logger:      logger,
		distributor: distributor,
		sub:         distributor.Subscribe(),
		fileHandle:  f,
		encoder:     encoder,
		done:        make(chan struct{}),
	}

	go tap.run(props.SampleRate, props.NumChannels)

	logger.Info("recording capture audio", "sampleRate", props.SampleRate)
	return tap, nil
}

func (t *WAVTap) run(sampleRate, numChannels int) {
	defer close(t.done)

	bufFormat := &goaudio.Format{
		SampleRate:  sampleRate,
		NumChannels: numChannels,
	}
	for pcmFrame := range t.sub.Frames() {
		buf := &goaudio.IntBuffer{
			Format:         bufFormat,
			Data:           make([]int, len(pcmFrame.Samples)),
			SourceBitDepth: 16,
		}
		for i, sample := range pcmFrame.Samples {
			buf.Data[i] = int(sample)
		}

		if err := t.encoder.Write(buf); err != nil {
			t.logger.Error("error while writing frame to file", "err", err)
			continue
		}
	}
	t.logger.Debug("capture stream closed")
}

// Close detaches from the distributor and finalizes the WAV header.
func (t *WAVTap) Close() error {
	t.closeOnce.Do(func() {
		t.distributor.Unsubscribe(t.sub.ID())
		<-t.done

		if err := t.encoder.Close(); err != nil {
			t.logger.Error("error finalizing wav file", "err", err)
			t.closeErr = err
		}
		t.fileHandle.Sync()
		if err := t.fileHandle.Close(); err != nil && t.closeErr == nil {
			t.closeErr = err
		}
		t.logger.Info("wav tap closed")
	})
	return t.closeErr
}
