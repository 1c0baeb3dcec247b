package mixer

import (
	"context"
	"math"
	"testing"

	"automarathon/internal/ingest"
)

func TestApplyLimiterCapsAtHeadroom(t *testing.T) {
	block := make([]float32, samplesPerCh*channels)
	for i := range block {
		block[i] = 1.0 // full-scale input, well above the limiter knee
	}
	applyLimiter(block)

	ceiling := dbToLinear(headroomDBFS)
	for i, s := range block {
		if float64(s) > ceiling+1e-6 {
			t.Fatalf("sample %d exceeds headroom ceiling: %v > %v", i, s, ceiling)
		}
	}
}

func TestApplyLimiterPassesQuietSignalBelowKnee(t *testing.T) {
	block := []float32{0.01, -0.01, 0.02}
	orig := append([]float32{}, block...)
	applyLimiter(block)

	ceiling := dbToLinear(headroomDBFS)
	knee := dbToLinear(limiterKneeDB)
	scale := ceiling / knee
	for i := range block {
		want := float32(float64(orig[i]) * scale)
		if math.Abs(float64(block[i]-want)) > 1e-6 {
			t.Fatalf("sample %d: want %v, got %v", i, want, block[i])
		}
	}
}

func TestMeasureLevelsSilentBlockIsVeryNegative(t *testing.T) {
	block := make([]float32, 480)
	peak, rms := measureLevels(block)
	if peak > -100 || rms > -100 {
		t.Fatalf("expected near-silent dBFS for a zero block, got peak=%v rms=%v", peak, rms)
	}
}

func TestDbLinearRoundTrip(t *testing.T) {
	for _, db := range []float64{-60, -12, -3, -1, 0} {
		lin := dbToLinear(db)
		back := linearToDB(lin)
		if math.Abs(back-db) > 1e-6 {
			t.Fatalf("round trip mismatch for %v dB: got %v", db, back)
		}
	}
}

func TestSpeakingDetectorFlagsToneOverSilence(t *testing.T) {
	d := newSpeakingDetector()

	silence := make([]float32, 960) // 480 stereo samples = 960 floats
	d.feed(silence)
	d.feed(silence)

	tone := make([]float32, 960)
	for i := 0; i < len(tone); i += 2 {
		t := float64(i/2) / 48000.0
		v := float32(0.8 * math.Sin(2*math.Pi*300*t))
		tone[i] = v
		tone[i+1] = v
	}
	for i := 0; i < 4; i++ {
		d.feed(tone)
	}

	if !d.speaking {
		t.Fatalf("expected speaking detector to flag a 300Hz tone against silence")
	}
}

func TestTickSumsVoiceBridgeIntoMix(t *testing.T) {
	voiceCh := make(chan ingest.Frame, 1)
	m := New("desk-a", nil, voiceCh)

	var frame ingest.Frame
	for i := range frame.Samples {
		frame.Samples[i] = 0.2
	}
	voiceCh <- frame

	m.tick(context.Background())

	_, rms := m.PeakRMS()
	if rms < -40 {
		t.Fatalf("expected voice bed to be audible in the mix, got rms=%v dBFS", rms)
	}
}

func TestTickFeedsSpeakingDetectorFromVoiceNotRunnerMix(t *testing.T) {
	voiceCh := make(chan ingest.Frame, 1)
	m := New("desk-a", nil, voiceCh)

	tone := ingest.Frame{}
	for i := 0; i < len(tone.Samples); i += 2 {
		tm := float64(i/2) / 48000.0
		v := float32(0.8 * math.Sin(2*math.Pi*300*tm))
		tone.Samples[i] = v
		tone.Samples[i+1] = v
	}

	// Two silent ticks first so the noise floor settles on silence, the way
	// TestSpeakingDetectorFlagsToneOverSilence primes the detector.
	for i := 0; i < 2; i++ {
		m.tick(context.Background())
	}
	for i := 0; i < 4; i++ {
		voiceCh <- tone
		m.tick(context.Background())
	}

	if !m.Speaking() {
		t.Fatalf("expected speaking detector to flag the voice bed's tone")
	}
}
