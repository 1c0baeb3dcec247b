// Package voice implements the Voice Bridge (spec.md §4.5): an inbound
// WebTransport/QUIC endpoint that receives commentator microphone audio
// and republishes it, gain-adjusted, as the voice bed the Mixer ducks
// stream audio under.
package voice

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"automarathon/internal/ingest"
)

// User is one connected commentator's voice session.
type User struct {
	ID       string // domain.VoiceUser key
	PersonID int64  // 0 if unassociated
	session  *webtransport.Session
	gainPct  atomicInt
	block    atomicFrame
}

// atomicInt/atomicFrame avoid pulling in sync/atomic's generic wrappers for
// two fields; kept local since nothing else in this package needs them.
type atomicInt struct {
	mu sync.Mutex
	v  int
}

func (a *atomicInt) Load() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

func (a *atomicInt) Store(v int) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

// atomicFrame holds the most recently decoded PCM block for one
// commentator, gain already applied.
type atomicFrame struct {
	mu sync.Mutex
	v  ingest.Frame
}

func (a *atomicFrame) Load() ingest.Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

func (a *atomicFrame) Store(v ingest.Frame) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

// Bridge owns every connected commentator session and exposes a mixed
// voice-bed level the Mixer's ducking envelope reads from.
type Bridge struct {
	mu    sync.RWMutex
	users map[string]*User

	wt *webtransport.Server
}

// New constructs a Bridge listening on addr for WebTransport connections,
// using the given TLS config (the self-signed certificate built by
// tls.go's generateTLSConfig).
func New(addr string, tlsConfig *tls.Config) *Bridge {
	b := &Bridge{users: make(map[string]*User)}
	mux := http.NewServeMux()
	b.wt = &webtransport.Server{
		H3: http3.Server{
			Addr:      addr,
			TLSConfig: tlsConfig,
			Handler:   mux,
		},
	}
	mux.HandleFunc("/voice/connect", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		if userID == "" {
			http.Error(w, "missing user", http.StatusBadRequest)
			return
		}
		sess, err := b.wt.Upgrade(w, r)
		if err != nil {
			slog.Warn("voice bridge upgrade failed", "err", err)
			return
		}
		b.HandleSession(r.Context(), userID, sess)
	})
	return b
}

// Run accepts sessions until ctx is canceled.
func (b *Bridge) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = b.wt.Close()
	}()

	if err := b.wt.ListenAndServe(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("voice bridge listen: %w", err)
	}
	return nil
}

// HandleSession registers an already-upgraded WebTransport session under
// userID and reads commentator datagrams from it until the session ends.
func (b *Bridge) HandleSession(ctx context.Context, userID string, sess *webtransport.Session) {
	u := &User{ID: userID, session: sess}
	u.gainPct.Store(100)

	b.mu.Lock()
	b.users[userID] = u
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.users, userID)
		b.mu.Unlock()
	}()

	b.readDatagrams(ctx, u)
}

func (b *Bridge) readDatagrams(ctx context.Context, u *User) {
	for {
		data, err := u.session.ReceiveDatagram(ctx)
		if err != nil {
			slog.Debug("voice bridge session ended", "user", u.ID, "err", err)
			return
		}
		u.block.Store(decodeFrame(data, float32(u.gainPct.Load())/100.0))
	}
}

// SetGain adjusts a commentator's publish gain (spec.md §4.1
// SetVoiceGain mutation).
func (b *Bridge) SetGain(userID string, pct int) error {
	b.mu.RLock()
	u, ok := b.users[userID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("voice user %q not connected", userID)
	}
	u.gainPct.Store(pct)
	return nil
}

// AssociatePerson records the Person a voice user's audio should be
// billed to, once the dashboard identifies them (spec.md §3 VoiceUser
// "participant" field).
func (b *Bridge) AssociatePerson(userID string, personID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[userID]
	if !ok {
		return fmt.Errorf("voice user %q not connected", userID)
	}
	u.PersonID = personID
	return nil
}

// VoicePCM returns the combined PCM block across every connected
// commentator, gain already applied per-user. The Mixer sums this
// straight into its output block and feeds it to the speaking detector
// (spec.md §4.4 step 4: "sum voice-bridge channels into the mix").
func (b *Bridge) VoicePCM() ingest.Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var mixed ingest.Frame
	for _, u := range b.users {
		blk := u.block.Load()
		for i, s := range blk.Samples {
			mixed.Samples[i] += s
		}
	}
	return mixed
}

// VoiceRMS reports the combined linear RMS across every connected
// commentator, for metrics logging.
func (b *Bridge) VoiceRMS() float32 {
	blk := b.VoicePCM()
	return rmsOf(blk.Samples[:])
}

func decodeFrame(pcm []byte, gain float32) ingest.Frame {
	var frame ingest.Frame
	n := len(pcm) / 4
	if n > len(frame.Samples) {
		n = len(frame.Samples)
	}
	for i := 0; i < n; i++ {
		off := i * 4
		bits := uint32(pcm[off]) | uint32(pcm[off+1])<<8 | uint32(pcm[off+2])<<16 | uint32(pcm[off+3])<<24
		frame.Samples[i] = math.Float32frombits(bits) * gain
	}
	return frame
}

func rmsOf(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range samples {
		sumSq += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sumSq / float64(len(samples))))
}
