//go:build linux && cgo

package media

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
)

// Microphone owns one capture device and delivers raw PCM frames on Frames.
// The channel stays open while the device runs; frames are dropped when the
// consumer falls behind.
type Microphone struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	frames chan []int16

	closeOnce sync.Once
}

// AcquireMicrophone opens the capture device described by the constraints.
// Failure is classified as ErrPermissionDenied or ErrDeviceUnavailable; no
// partial state is left behind.
func AcquireMicrophone(ctx context.Context, constraints MicConstraints) (*Microphone, error) {
	malgoCtx, err := malgoInitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, classifyCaptureError(fmt.Errorf("init audio context: %w", err))
	}

	deviceConfig := malgoDefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = Channels
	deviceConfig.SampleRate = uint32(constraints.sampleRate())

	if constraints.DeviceID != "" {
		id, err := findCaptureDevice(malgoCtx, constraints.DeviceID)
		if err != nil {
			_ = malgoContextUninit(malgoCtx)
			return nil, err
		}
		deviceConfig.Capture.DeviceID = id.Pointer()
	}

	ch := make(chan []int16, 8)
	callback := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if len(input) == 0 {
				return
			}
			samples := make([]int16, len(input)/2)
			for i := 0; i < len(samples); i++ {
				samples[i] = int16(binary.LittleEndian.Uint16(input[i*2:]))
			}
			select {
			case ch <- samples:
			default:
			}
		},
	}

	device, err := malgoInitDevice(malgoCtx.Context, deviceConfig, callback)
	if err != nil {
		_ = malgoContextUninit(malgoCtx)
		return nil, classifyCaptureError(fmt.Errorf("init capture device: %w", err))
	}
	if err := malgoDeviceStart(device); err != nil {
		malgoDeviceUninit(device)
		_ = malgoContextUninit(malgoCtx)
		return nil, classifyCaptureError(fmt.Errorf("start capture: %w", err))
	}

	mic := &Microphone{ctx: malgoCtx, device: device, frames: ch}
	go func() {
		<-ctx.Done()
		_ = mic.Close()
	}()

	return mic, nil
}

func findCaptureDevice(malgoCtx *malgo.AllocatedContext, deviceID string) (malgo.DeviceID, error) {
	infos, err := malgoCtx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceID{}, classifyCaptureError(fmt.Errorf("enumerate capture devices: %w", err))
	}
	for _, info := range infos {
		if strings.TrimSpace(info.Name()) == deviceID {
			return info.ID, nil
		}
	}
	return malgo.DeviceID{}, fmt.Errorf("%w: no capture device %q", ErrDeviceUnavailable, deviceID)
}

func (m *Microphone) Frames() <-chan []int16 {
	return m.frames
}

func (m *Microphone) Close() error {
	if m == nil {
		return nil
	}
	m.closeOnce.Do(func() {
		if m.device != nil {
			malgoDeviceUninit(m.device)
			m.device = nil
		}
		if m.ctx != nil {
			_ = malgoContextUninit(m.ctx)
			m.ctx = nil
		}
	})
	return nil
}
