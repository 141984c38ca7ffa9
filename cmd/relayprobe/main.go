package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/reliability"
	"github.com/ent0n29/voicebridge/internal/session"
)

type options struct {
	baseURL     string
	voice       string
	persona     string
	useREST     bool
	calls       int
	parallel    int
	frames      int
	chunkMS     int
	realtime    float64
	wavPath     string
	dialRetries int
	callTimeout time.Duration
	verbose     bool
}

type probeResult struct {
	SessionID  string
	Handshake  time.Duration
	FirstAudio time.Duration
	AudioIn    int
	Err        error
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var timeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:3460", "relay base URL")
	flag.StringVar(&cfg.voice, "voice", "NATF2", "voice prompt for the probe sessions")
	flag.StringVar(&cfg.persona, "persona", "Reply briefly.", "persona text for the probe sessions")
	flag.BoolVar(&cfg.useREST, "rest", false, "create sessions through POST /api/session instead of an inline start message")
	flag.IntVar(&cfg.calls, "calls", 1, "number of probe calls")
	flag.IntVar(&cfg.parallel, "parallel", 1, "concurrent probe calls")
	flag.IntVar(&cfg.frames, "frames", 100, "audio frames to stream per call")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 20, "audio frame size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 1.0, "frame pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.StringVar(&cfg.wavPath, "wav", "", "optional PCM16 WAV file to stream instead of a test tone")
	flag.IntVar(&cfg.dialRetries, "dial-retries", 3, "websocket dial attempts before giving up")
	flag.IntVar(&timeoutMS, "call-timeout-ms", 30000, "per-call timeout in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print per-call results")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.calls <= 0 {
		return options{}, fmt.Errorf("calls must be > 0")
	}
	if cfg.parallel <= 0 {
		cfg.parallel = 1
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.dialRetries <= 0 {
		cfg.dialRetries = 1
	}
	if timeoutMS < 1000 {
		timeoutMS = 1000
	}
	cfg.callTimeout = time.Duration(timeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	pcm, err := loadAudio(cfg)
	if err != nil {
		return fmt.Errorf("prepare audio: %w", err)
	}
	frames := chunkPCM(pcm, audio.BrowserFormat.SampleRate, cfg.chunkMS, cfg.frames)

	httpClient := &http.Client{Timeout: 15 * time.Second}
	results := make([]probeResult, cfg.calls)

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(cfg.parallel)
	for i := 0; i < cfg.calls; i++ {
		i := i
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, cfg.callTimeout)
			defer cancel()
			results[i] = probe(callCtx, httpClient, cfg, frames)
			if cfg.verbose {
				printResult(i, results[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	sum := summarize(results)
	fmt.Printf("relayprobe: calls=%d ok=%d failed=%d handshake_p50=%s handshake_p95=%s first_audio_p50=%s first_audio_p95=%s\n",
		sum.Calls, sum.OK, sum.Failed,
		sum.HandshakeP50, sum.HandshakeP95,
		sum.FirstAudioP50, sum.FirstAudioP95,
	)
	if sum.OK == 0 {
		return errors.New("no probe call reached the backend")
	}
	return nil
}

func printResult(i int, r probeResult) {
	if r.Err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: call=%d session=%s error=%v\n", i, r.SessionID, r.Err)
		return
	}
	fmt.Printf("relayprobe: call=%d session=%s handshake=%s first_audio=%s audio_frames_in=%d\n",
		i, r.SessionID, r.Handshake, r.FirstAudio, r.AudioIn)
}

// probe runs one call: attach, wait for connected, stream frames while counting
// backend audio, then hang up.
func probe(ctx context.Context, client *http.Client, cfg options, frames [][]byte) (res probeResult) {
	sessionID := ""
	if cfg.useREST {
		id, err := createSession(ctx, client, cfg)
		if err != nil {
			return probeResult{Err: fmt.Errorf("create session: %w", err)}
		}
		sessionID = id
		defer func() {
			_ = deleteSession(context.Background(), client, cfg.baseURL, id)
		}()
	}

	wsURL, err := voiceURL(cfg.baseURL, sessionID)
	if err != nil {
		return probeResult{Err: err}
	}
	started := time.Now()
	conn, err := dialWithRetry(ctx, wsURL, cfg.dialRetries)
	if err != nil {
		return probeResult{SessionID: sessionID, Err: fmt.Errorf("open websocket: %w", err)}
	}
	defer conn.Close()

	if !cfg.useREST {
		start := map[string]string{"type": "start", "voice": cfg.voice, "persona": cfg.persona}
		if err := conn.WriteJSON(start); err != nil {
			return probeResult{Err: fmt.Errorf("send start: %w", err)}
		}
	}

	res.SessionID = sessionID
	connected := make(chan struct{})
	var (
		mu         sync.Mutex
		firstAudio time.Time
		audioIn    int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var once sync.Once
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				if gctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil
				}
				return fmt.Errorf("read: %w", err)
			}
			if messageType == websocket.BinaryMessage {
				mu.Lock()
				if firstAudio.IsZero() {
					firstAudio = time.Now()
				}
				audioIn++
				mu.Unlock()
				continue
			}
			var n protocol.Notice
			if err := json.Unmarshal(data, &n); err != nil {
				continue
			}
			switch n.Type {
			case protocol.NoticeSessionCreated:
				mu.Lock()
				res.SessionID = n.ID
				mu.Unlock()
			case protocol.NoticeConnected:
				mu.Lock()
				res.Handshake = time.Since(started)
				mu.Unlock()
				once.Do(func() { close(connected) })
			case protocol.NoticeError:
				return fmt.Errorf("relay error: %s", n.Message)
			case protocol.NoticeBackendDisconnected:
				return errors.New("backend disconnected")
			}
		}
	})
	g.Go(func() error {
		select {
		case <-connected:
		case <-gctx.Done():
			return gctx.Err()
		}
		interval := time.Duration(float64(cfg.chunkMS) / cfg.realtime * float64(time.Millisecond))
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return fmt.Errorf("write: %w", err)
			}
			select {
			case <-time.After(interval):
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		// Done streaming; unblock the reader.
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		return nil
	})
	err = g.Wait()

	mu.Lock()
	defer mu.Unlock()
	res.AudioIn = audioIn
	if !firstAudio.IsZero() {
		res.FirstAudio = firstAudio.Sub(started) - res.Handshake
	}
	var netErr interface{ Timeout() bool }
	if err != nil && !(errors.As(err, &netErr) && netErr.Timeout() && res.Handshake > 0) {
		res.Err = err
	}
	if res.Err == nil && res.Handshake == 0 {
		res.Err = errors.New("backend never connected")
	}
	return res
}

func dialWithRetry(ctx context.Context, wsURL string, attempts int) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		select {
		case <-time.After(reliability.ExponentialBackoff(attempt, 200*time.Millisecond, 2*time.Second)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(session.CreateRequest{Voice: cfg.voice, Persona: cfg.persona})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/api/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated && res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out session.CreateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", fmt.Errorf("missing id in response")
	}
	return out.ID, nil
}

func deleteSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, baseURL+"/api/session/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func voiceURL(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/voice"
	if sessionID != "" {
		q := u.Query()
		q.Set("session", sessionID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// loadAudio returns PCM16 at the browser rate: the WAV file resampled, or a tone.
func loadAudio(cfg options) ([]byte, error) {
	rate := audio.BrowserFormat.SampleRate
	if cfg.wavPath == "" {
		samples := rate * cfg.chunkMS * cfg.frames / 1000
		return tone(samples, rate, 440), nil
	}
	data, err := os.ReadFile(cfg.wavPath)
	if err != nil {
		return nil, err
	}
	pcm, sampleRate, err := decodeWAVPCM16(data)
	if err != nil {
		return nil, err
	}
	return audio.Resample(pcm, sampleRate, rate)
}

func tone(samples, sampleRate int, freq float64) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// chunkPCM splits pcm into at most maxFrames frames of chunkMS each. The last frame
// may be shorter.
func chunkPCM(pcm []byte, sampleRate, chunkMS, maxFrames int) [][]byte {
	size := sampleRate * 2 * chunkMS / 1000
	if size%2 != 0 {
		size++
	}
	if size < 2 {
		size = 2
	}
	var frames [][]byte
	for off := 0; off < len(pcm) && (maxFrames <= 0 || len(frames) < maxFrames); off += size {
		end := off + size
		if end > len(pcm) {
			end = len(pcm) - (len(pcm)-off)%2
		}
		if end <= off {
			break
		}
		frames = append(frames, pcm[off:end])
	}
	return frames
}

type summary struct {
	Calls         int
	OK            int
	Failed        int
	HandshakeP50  time.Duration
	HandshakeP95  time.Duration
	FirstAudioP50 time.Duration
	FirstAudioP95 time.Duration
}

func summarize(results []probeResult) summary {
	s := summary{Calls: len(results)}
	var handshakes, firstAudio []time.Duration
	for _, r := range results {
		if r.Err != nil {
			s.Failed++
			continue
		}
		s.OK++
		handshakes = append(handshakes, r.Handshake)
		if r.FirstAudio > 0 {
			firstAudio = append(firstAudio, r.FirstAudio)
		}
	}
	s.HandshakeP50 = percentile(handshakes, 0.50)
	s.HandshakeP95 = percentile(handshakes, 0.95)
	s.FirstAudioP50 = percentile(firstAudio, 0.50)
	s.FirstAudioP95 = percentile(firstAudio, 0.95)
	return s
}

// percentile uses the nearest-rank method.
func percentile(values []time.Duration, q float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// decodeWAVPCM16 returns mono PCM16 little-endian samples and the sample rate.
func decodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, fmt.Errorf("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcmData     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("invalid wav fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcmData = append(pcmData[:0], chunk...)
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	if !haveFmt {
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	}
	if len(pcmData) == 0 {
		return nil, 0, fmt.Errorf("wav data chunk missing")
	}
	if audioFormat != 1 {
		return nil, 0, fmt.Errorf("unsupported wav audio format %d", audioFormat)
	}
	if bitsPerSamp != 16 {
		return nil, 0, fmt.Errorf("unsupported wav bits_per_sample %d", bitsPerSamp)
	}
	if channels == 0 {
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	if channels == 1 {
		if len(pcmData)%2 != 0 {
			pcmData = pcmData[:len(pcmData)-1]
		}
		return pcmData, sampleRate, nil
	}

	frameBytes := int(channels) * 2
	if frameBytes <= 0 || len(pcmData) < frameBytes {
		return nil, 0, fmt.Errorf("invalid wav frame bytes")
	}
	frameCount := len(pcmData) / frameBytes
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			s := int16(binary.LittleEndian.Uint16(pcmData[base+ch*2 : base+ch*2+2]))
			sum += int(s)
		}
		avg := int16(sum / int(channels))
		binary.LittleEndian.PutUint16(mono[i*2:i*2+2], uint16(avg))
	}
	return mono, sampleRate, nil
}
