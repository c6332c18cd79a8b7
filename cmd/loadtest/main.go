package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voicechat-gateway/internal/audio"
	"github.com/hubenschmidt/voicechat-gateway/internal/protocol"
)

const (
	sampleRate = 16000
	chunkBytes = 960 // 30ms of 16-bit mono
	wavHeader  = 44
)

func main() {
	gateway := flag.String("gateway", "ws://localhost:8000/ws/voice-chat", "gateway WebSocket URL")
	concurrency := flag.Int("concurrency", 10, "number of concurrent sessions")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	audioDir := flag.String("audio-dir", "/samples", "directory with 16kHz mono .wav or .pcm files")
	dialog := flag.String("dialog", "", "dialog strategy (intent|rag|chat)")
	stt := flag.String("stt", "", "speech-to-text engine")
	tts := flag.String("tts", "", "text-to-speech engine")
	realtime := flag.Bool("realtime", true, "pace audio chunks at capture speed")
	flag.Parse()

	files, err := findAudioFiles(*audioDir)
	if err != nil || len(files) == 0 {
		fmt.Fprintf(os.Stderr, "no audio files in %s, generating synthetic audio\n", *audioDir)
		files = nil
	}

	target, err := sessionURL(*gateway, *dialog, *stt, *tts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad gateway url:", err)
		os.Exit(1)
	}

	fmt.Printf("Load test: %d concurrent sessions for %s\n", *concurrency, *duration)
	fmt.Printf("Gateway: %s\n\n", target)

	var mu sync.Mutex
	var results []turnResult
	var wg sync.WaitGroup

	deadline := time.Now().Add(*duration)

	for range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for time.Now().Before(deadline) {
				r := runTurn(target, files, *realtime)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	printSummary(results)
}

func sessionURL(gateway, dialog, stt, tts string) (string, error) {
	u, err := url.Parse(gateway)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range map[string]string{"dialog": dialog, "stt": stt, "tts": tts} {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// turnResult times one spoken turn from stop_speaking to each reply frame.
type turnResult struct {
	success         bool
	transcriptionMs float64
	responseMs      float64
	audioMs         float64
	err             string
}

func runTurn(target string, files []string, realtime bool) turnResult {
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		return turnResult{err: fmt.Sprintf("dial: %v", err)}
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var start protocol.Message
	if err = conn.ReadJSON(&start); err != nil || start.Type != protocol.KindSessionStart {
		return turnResult{err: fmt.Sprintf("session_start: %v %s", err, start.Type)}
	}

	if err = conn.WriteJSON(map[string]any{"type": protocol.KindStartSpeaking}); err != nil {
		return turnResult{err: fmt.Sprintf("send start: %v", err)}
	}

	pcm := getAudioData(files)
	for i := 0; i < len(pcm); i += chunkBytes {
		end := min(i+chunkBytes, len(pcm))
		msg := map[string]any{
			"type": protocol.KindAudioChunk,
			"data": map[string]any{"audio": audio.EncodeFrame(pcm[i:end])},
		}
		if err = conn.WriteJSON(msg); err != nil {
			return turnResult{err: fmt.Sprintf("send audio: %v", err)}
		}
		if realtime {
			time.Sleep(30 * time.Millisecond)
		}
	}

	stopAt := time.Now()
	if err = conn.WriteJSON(map[string]any{"type": protocol.KindStopSpeaking}); err != nil {
		return turnResult{err: fmt.Sprintf("send stop: %v", err)}
	}

	res := turnResult{}
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	for {
		var m protocol.Message
		if err = conn.ReadJSON(&m); err != nil {
			res.err = fmt.Sprintf("read: %v", err)
			return res
		}
		elapsed := float64(time.Since(stopAt).Milliseconds())
		switch m.Type {
		case protocol.KindTranscription:
			res.transcriptionMs = elapsed
		case protocol.KindBotResponse:
			res.responseMs = elapsed
		case protocol.KindAudioResponse:
			res.audioMs = elapsed
			res.success = true
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return res
		case protocol.KindError:
			res.err = fmt.Sprintf("%v: %v", m.Data["error"], m.Data["message"])
			return res
		}
	}
}

func getAudioData(files []string) []byte {
	if len(files) > 0 {
		path := files[rand.Intn(len(files))]
		data, err := os.ReadFile(path)
		if err == nil {
			if filepath.Ext(path) == ".wav" && len(data) > wavHeader {
				data = data[wavHeader:]
			}
			return data
		}
	}
	return generateSyntheticAudio(3 * time.Second)
}

func generateSyntheticAudio(dur time.Duration) []byte {
	numSamples := int(dur.Seconds()) * sampleRate
	buf := make([]byte, numSamples*2)

	for i := range numSamples {
		t := float64(i) / float64(sampleRate)
		// 440Hz sine wave with some noise to trigger VAD
		sample := math.Sin(2*math.Pi*440*t)*0.3 + (rand.Float64()-0.5)*0.05
		val := int16(sample * math.MaxInt16)
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(val))
	}
	return buf
}

var audioExts = map[string]bool{".wav": true, ".pcm": true, ".raw": true}

func findAudioFiles(dir string) ([]string, error) {
	var files []string
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if audioExts[filepath.Ext(e.Name())] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

func printSummary(results []turnResult) {
	var succeeded, failed int
	var sttAll, botAll, audioAll []float64
	errs := map[string]int{}

	for _, r := range results {
		if !r.success {
			failed++
			errs[r.err]++
			continue
		}
		succeeded++
		sttAll = append(sttAll, r.transcriptionMs)
		botAll = append(botAll, r.responseMs)
		audioAll = append(audioAll, r.audioMs)
	}

	fmt.Printf("\n=== Load Test Results ===\n")
	fmt.Printf("Turns completed: %d\n", succeeded)
	fmt.Printf("Turns failed:    %d\n", failed)
	for msg, n := range errs {
		fmt.Printf("  %4d  %s\n", n, msg)
	}

	if len(audioAll) == 0 {
		fmt.Println("No successful turns to report latency")
		return
	}

	fmt.Printf("\nLatency after stop_speaking\n")
	fmt.Printf("%-14s %8s %8s %8s\n", "Frame", "p50", "p95", "p99")
	fmt.Printf("%-14s %8.0fms %8.0fms %8.0fms\n", "transcription", percentile(sttAll, 50), percentile(sttAll, 95), percentile(sttAll, 99))
	fmt.Printf("%-14s %8.0fms %8.0fms %8.0fms\n", "bot_response", percentile(botAll, 50), percentile(botAll, 95), percentile(botAll, 99))
	fmt.Printf("%-14s %8.0fms %8.0fms %8.0fms\n", "audio_response", percentile(audioAll, 50), percentile(audioAll, 95), percentile(audioAll, 99))
}

func percentile(data []float64, pct float64) float64 {
	sort.Float64s(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(data) {
		idx = len(data) - 1
	}
	return data[idx]
}
