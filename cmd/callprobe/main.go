// Command callprobe replays recorded speech against a running voicecall
// server and reports per-turn latency.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicecall/internal/audio"
	"github.com/ent0n29/voicecall/internal/protocol"
	"github.com/ent0n29/voicecall/internal/session"
)

type options struct {
	baseURL     string
	wavPath     string
	memoryID    string
	turns       int
	frame       time.Duration
	realtime    float64
	interTurn   time.Duration
	turnTimeout time.Duration
	verbose     bool
}

type clip struct {
	pcm        []byte
	sampleRate int
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "callprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "callprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("callprobe", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "voicecall base URL")
	fs.StringVar(&cfg.wavPath, "wav", "", "PCM16 WAV file replayed once per turn (default: 1s of silence)")
	fs.StringVar(&cfg.memoryID, "memory-id", "", "conversation id for agent memory")
	fs.IntVar(&cfg.turns, "turns", 3, "number of turns to replay")
	fs.DurationVar(&cfg.frame, "frame", 40*time.Millisecond, "audio frame duration")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.DurationVar(&cfg.interTurn, "inter-turn", 200*time.Millisecond, "pause between turns")
	fs.DurationVar(&cfg.turnTimeout, "turn-timeout", 90*time.Second, "time to wait for AI_SILENT per turn")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print every control frame")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	switch {
	case cfg.baseURL == "":
		return options{}, errors.New("base-url is required")
	case cfg.turns <= 0:
		return options{}, errors.New("turns must be > 0")
	case cfg.frame < 10*time.Millisecond || cfg.frame > 2*time.Second:
		return options{}, errors.New("frame must be in [10ms,2s]")
	case cfg.realtime <= 0:
		return options{}, errors.New("realtime must be > 0")
	case cfg.turnTimeout < time.Second:
		return options{}, errors.New("turn-timeout must be >= 1s")
	}
	if cfg.interTurn < 0 {
		cfg.interTurn = 0
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.turns)*(cfg.turnTimeout+30*time.Second))
	defer cancel()

	speech, err := loadClip(cfg.wavPath)
	if err != nil {
		return fmt.Errorf("load audio: %w", err)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	created, err := createSession(ctx, client, cfg.baseURL, cfg.memoryID)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), client, cfg.baseURL, created.SessionID)
	}()
	fmt.Printf("callprobe: session=%s conversation=%s turns=%d\n", created.SessionID, created.ConversationID, cfg.turns)

	wsURL, err := callURL(cfg.baseURL, created.SessionID, created.ConversationID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	turns := make(chan turnReport, cfg.turns)
	readErr := make(chan error, 1)
	go readLoop(conn, newTracker(time.Now), turns, readErr, cfg.verbose)

	frames := audio.SplitFrames(speech.pcm, speech.sampleRate, cfg.frame)
	var reports []turnReport
	for i := 0; i < cfg.turns; i++ {
		if err := sendFrames(ctx, conn, frames, speech.sampleRate, cfg.realtime); err != nil {
			return fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		rep, err := awaitTurn(turns, readErr, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		fmt.Println(rep.String())
		reports = append(reports, rep)
		if cfg.interTurn > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurn)
		}
	}
	fmt.Println(summarize(reports))
	return nil
}

func loadClip(path string) (clip, error) {
	if strings.TrimSpace(path) == "" {
		return clip{pcm: make([]byte, audio.DefaultSampleRate*2), sampleRate: audio.DefaultSampleRate}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return clip{}, err
	}
	pcm, sampleRate, err := audio.DecodeWAVPCM16(data)
	if err != nil {
		return clip{}, err
	}
	return clip{pcm: pcm, sampleRate: sampleRate}, nil
}

func createSession(ctx context.Context, client *http.Client, baseURL, memoryID string) (session.CreateResponse, error) {
	payload, err := json.Marshal(session.CreateRequest{ConversationID: strings.TrimSpace(memoryID)})
	if err != nil {
		return session.CreateResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/call/session", bytes.NewReader(payload))
	if err != nil {
		return session.CreateResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return session.CreateResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return session.CreateResponse{}, err
	}
	if res.StatusCode != http.StatusCreated {
		return session.CreateResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out session.CreateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return session.CreateResponse{}, err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return session.CreateResponse{}, errors.New("missing session_id in response")
	}
	return out, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/call/session/"+url.PathEscape(sessionID)+"/end", nil)
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

func callURL(baseURL, sessionID, memoryID string) (string, error) {
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
	if u.Host == "" {
		return "", errors.New("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/voice-call"
	q := u.Query()
	q.Set("session_id", sessionID)
	if memoryID != "" {
		q.Set("memory_id", memoryID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sendFrames(ctx context.Context, conn *websocket.Conn, frames [][]byte, sampleRate int, realtime float64) error {
	for _, frame := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return err
		}
		pause := time.Duration(float64(audio.PCMDuration(len(frame), sampleRate)) / realtime)
		if pause <= 0 {
			pause = 10 * time.Millisecond
		}
		time.Sleep(pause)
	}
	return nil
}

func readLoop(conn *websocket.Conn, tr *tracker, turns chan<- turnReport, readErr chan<- error, verbose bool) {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}

		if typ == websocket.BinaryMessage {
			tr.audio(len(data))
			continue
		}
		msg, err := protocol.ParseControl(string(data))
		if err != nil {
			if verbose {
				fmt.Fprintf(os.Stderr, "callprobe: unparsed frame %q\n", data)
			}
			continue
		}
		if verbose {
			fmt.Printf("callprobe: <- %s\n", msg.Encode())
		}
		if rep, done := tr.control(msg); done {
			select {
			case turns <- rep:
			default:
			}
		}
	}
}

func awaitTurn(turns <-chan turnReport, readErr <-chan error, timeout time.Duration) (turnReport, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case rep := <-turns:
		return rep, nil
	case err := <-readErr:
		return turnReport{}, fmt.Errorf("ws read: %w", err)
	case <-timer.C:
		return turnReport{}, fmt.Errorf("no AI_SILENT after %s", timeout)
	}
}
