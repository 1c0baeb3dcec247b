// Package mixer implements the Audio Mixer (spec.md §4.4): one mixer per
// host, combining every runner currently bound into that host's stream
// into a single output block, ducked under live commentary and limited to
// broadcast-safe headroom.
package mixer

import (
	"context"
	"math"
	"time"

	"automarathon/internal/ingest"
)

const (
	blockDuration = 10 * time.Millisecond
	channels      = ingest.Channels
	samplesPerCh  = ingest.BlockSamples

	headroomDBFS  = -3.0  // spec.md §4.4 "-3dBFS headroom ceiling"
	limiterKneeDB = -1.0  // soft-knee limiter engages above -1dBFS
	duckThreshDB  = -30.0 // voice RMS above this over the window triggers ducking
	duckAttenDB   = -12.0
	duckWindow    = 120 * time.Millisecond
	duckAttack    = 50 * time.Millisecond
	duckRelease   = 300 * time.Millisecond
)

// RunnerInput is one runner's decoded audio feed plus its configured gain.
type RunnerInput struct {
	RunnerID  int64
	Consumer  *ingest.Consumer
	GainPct   int  // stream_volume_percent
	IsAudible bool // this runner is the host's audible_runner
}

// Mixer combines a host's runner inputs into one 480-sample block every
// 10ms (spec.md §4.4: "fixed 480-sample/10ms block loop").
type Mixer struct {
	Host string

	inputs  []RunnerInput
	voiceCh <-chan ingest.Frame // live voice-bridge PCM, one block per tick

	duckEnv      float64 // 0 = no duck, 1 = full duck attenuation applied
	voiceHistory []float64

	sink   *Sink
	speech *speakingDetector

	peakDB, rmsDB float64
}

// New builds a Mixer for one host. voiceCh delivers the live voice bed's
// PCM block once per block; nil disables voice mixing and ducking.
func New(host string, sink *Sink, voiceCh <-chan ingest.Frame) *Mixer {
	return &Mixer{
		Host:    host,
		sink:    sink,
		voiceCh: voiceCh,
		speech:  newSpeakingDetector(),
	}
}

// SetInputs replaces the runner set this Mixer reads from (call under the
// reconciler/hub notification path whenever stream_runners changes).
func (m *Mixer) SetInputs(inputs []RunnerInput) {
	m.inputs = inputs
}

// Run drives the fixed-rate block loop until ctx is canceled.
func (m *Mixer) Run(ctx context.Context) {
	ticker := time.NewTicker(blockDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Mixer) tick(ctx context.Context) {
	var mixed [samplesPerCh * channels]float32

	for _, in := range m.inputs {
		if in.Consumer == nil {
			continue
		}
		frame := in.Consumer.Read(ctx)
		gain := float32(in.GainPct) / 100.0
		for i := range mixed {
			mixed[i] += frame.Samples[i] * gain
		}
	}

	var voice ingest.Frame
	haveVoice := false
	if m.voiceCh != nil {
		select {
		case v := <-m.voiceCh:
			voice = v
			haveVoice = true
		default:
		}
	}

	m.updateDuckEnvelope(voice.Samples[:], haveVoice)
	if m.duckEnv > 0 {
		atten := float32(dbToLinear(duckAttenDB))
		factor := float32(1) - float32(m.duckEnv)*(1-atten)
		for i := range mixed {
			mixed[i] *= factor
		}
	}

	// Sum voice-bridge channels into the mix, post-duck and at full level
	// (spec.md §4.4 step 4: "sum voice-bridge channels into the mix").
	for i := range mixed {
		mixed[i] += voice.Samples[i]
	}

	applyLimiter(mixed[:])
	m.peakDB, m.rmsDB = measureLevels(mixed[:])
	// The speaking indicator tracks commentators, not runner audio, so it
	// is fed the voice bed directly rather than the post-mix block.
	m.speech.feed(voice.Samples[:])

	if m.sink != nil {
		m.sink.Send(encodeBlock(mixed[:]))
	}
}

// updateDuckEnvelope advances the ducking envelope toward 1 (ducked) when
// recent voice RMS exceeds duckThreshDB, or toward 0 otherwise, with
// asymmetric attack/release time constants (spec.md §4.4).
func (m *Mixer) updateDuckEnvelope(voice []float32, haveVoice bool) {
	voiceRMS := 0.0
	if haveVoice {
		voiceRMS = rmsLinear(voice)
	}

	m.voiceHistory = append(m.voiceHistory, voiceRMS)
	windowBlocks := int(duckWindow / blockDuration)
	if len(m.voiceHistory) > windowBlocks {
		m.voiceHistory = m.voiceHistory[len(m.voiceHistory)-windowBlocks:]
	}

	avg := 0.0
	for _, v := range m.voiceHistory {
		avg += v
	}
	if len(m.voiceHistory) > 0 {
		avg /= float64(len(m.voiceHistory))
	}
	loud := linearToDB(avg) > duckThreshDB

	target := 0.0
	tau := duckRelease
	if loud {
		target = 1.0
		tau = duckAttack
	}
	alpha := float64(blockDuration) / float64(tau+blockDuration)
	m.duckEnv += (target - m.duckEnv) * alpha
}

// applyLimiter enforces the headroom ceiling with a soft knee starting at
// limiterKneeDB (spec.md §4.4: "-3dBFS headroom ceiling + soft-knee
// limiter above -1dBFS").
func applyLimiter(block []float32) {
	ceiling := float32(dbToLinear(headroomDBFS))
	knee := float32(dbToLinear(limiterKneeDB))
	for i, s := range block {
		mag := float32(math.Abs(float64(s)))
		if mag <= knee {
			block[i] = s * (ceiling / knee)
			continue
		}
		sign := float32(1)
		if s < 0 {
			sign = -1
		}
		over := (mag - knee) / (1 - knee)
		compressed := knee + over*(1-knee)*0.25
		block[i] = sign * compressed * (ceiling / knee)
	}
}

func measureLevels(block []float32) (peakDB, rmsDB float64) {
	var peak float64
	var sumSq float64
	for _, s := range block {
		v := float64(s)
		if math.Abs(v) > peak {
			peak = math.Abs(v)
		}
		sumSq += v * v
	}
	rms := math.Sqrt(sumSq / float64(len(block)))
	return linearToDB(peak), linearToDB(rms)
}

func rmsLinear(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range samples {
		sumSq += float64(s) * float64(s)
	}
	return math.Sqrt(sumSq / float64(len(samples)))
}

func dbToLinear(db float64) float64 { return math.Pow(10, db/20) }
func linearToDB(lin float64) float64 {
	if lin <= 0 {
		return -120
	}
	return 20 * math.Log10(lin)
}

func encodeBlock(block []float32) []byte {
	out := make([]byte, len(block)*4)
	for i, s := range block {
		bits := math.Float32bits(s)
		off := i * 4
		out[off] = byte(bits)
		out[off+1] = byte(bits >> 8)
		out[off+2] = byte(bits >> 16)
		out[off+3] = byte(bits >> 24)
	}
	return out
}

// PeakRMS reports the most recent block's peak and RMS levels in dBFS, for
// the Hub's 10Hz level publish (spec.md §4.4).
func (m *Mixer) PeakRMS() (peakDB, rmsDB float64) {
	return m.peakDB, m.rmsDB
}

// Speaking reports whether the speaking-indicator FFT classified the most
// recent block as voiced.
func (m *Mixer) Speaking() bool {
	return m.speech.speaking
}
