package chat

import (
	"math"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/speaker"
)

const sampleRate = beep.SampleRate(44100)

// Bell is a Chime that plays a short sine tone on the default audio device.
// Play is a no-op until Init succeeds.
type Bell struct {
	mu          sync.Mutex
	mixer       *beep.Mixer
	freq        float64
	length      time.Duration
	initialized bool
}

func NewBell(freq float64, length time.Duration) *Bell {
	return &Bell{mixer: &beep.Mixer{}, freq: freq, length: length}
}

// Init opens the speaker. Callers treat a failure as "no sound".
func (b *Bell) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}
	if err := speaker.Init(sampleRate, sampleRate.N(100*time.Millisecond)); err != nil {
		return err
	}
	speaker.Play(b.mixer)
	b.initialized = true
	return nil
}

func (b *Bell) Play() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return
	}
	speaker.Lock()
	b.mixer.Add(newTone(b.freq, b.length, sampleRate))
	speaker.Unlock()
}

// Close silences pending tones.
func (b *Bell) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return
	}
	speaker.Lock()
	b.mixer.Clear()
	speaker.Unlock()
	b.initialized = false
}

// tone is a sine wave with a linear fade out.
type tone struct {
	freq     float64
	phase    float64
	rate     beep.SampleRate
	duration int
	position int
}

func newTone(freq float64, length time.Duration, rate beep.SampleRate) *tone {
	return &tone{freq: freq, rate: rate, duration: rate.N(length)}
}

func (t *tone) Stream(samples [][2]float64) (int, bool) {
	for i := range samples {
		if t.position >= t.duration {
			return i, i > 0
		}
		gain := 0.3 * (1 - float64(t.position)/float64(t.duration))
		v := gain * math.Sin(2*math.Pi*t.phase)
		samples[i][0] = v
		samples[i][1] = v

		t.phase += t.freq / float64(t.rate)
		t.phase -= math.Floor(t.phase)
		t.position++
	}
	return len(samples), true
}

func (t *tone) Err() error { return nil }
