// Command audioclient submits audio files to the service for
// transcription: a single file through /v1/transcribe, or several as a
// batch, following batch progress on the event stream.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "service address")
	workers := flag.Int("workers", 0, "batch worker count (0 uses the server default)")
	flag.Parse()

	files := flag.Args()
	if len(files) == 0 {
		log.Fatal("usage: audioclient [-addr host:port] [-workers n] file.wav [file.wav ...]")
	}
	for i, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			log.Fatalf("bad path %s: %v", f, err)
		}
		files[i] = abs
	}

	base := "http://" + *addr
	if len(files) == 1 {
		transcribeOne(base, files[0])
		return
	}
	runBatch(base, *addr, files, *workers)
}

func transcribeOne(base, path string) {
	start := time.Now()
	var out struct {
		Text       string  `json:"text"`
		Language   string  `json:"language"`
		Confidence float64 `json:"confidence"`
	}
	if err := postJSON(base+"/v1/transcribe", map[string]any{"file_path": path}, &out); err != nil {
		log.Fatalf("transcribe failed: %v", err)
	}
	log.Printf("Transcribed %s in %v (confidence %.2f)", filepath.Base(path), time.Since(start), out.Confidence)
	fmt.Println(out.Text)
}

func runBatch(base, addr string, files []string, workers int) {
	// Subscribe before submitting so no progress events are missed.
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/v1/events", nil)
	if err != nil {
		log.Fatalf("failed to open event stream: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	var started struct {
		BatchID    string `json:"batch_id"`
		TotalFiles int    `json:"total_files"`
	}
	req := map[string]any{"file_paths": files}
	if workers > 0 {
		req["max_workers"] = workers
	}
	if err := postJSON(base+"/v1/batch/start", req, &started); err != nil {
		log.Fatalf("batch start failed: %v", err)
	}
	log.Printf("Batch %s started: %d files", started.BatchID, started.TotalFiles)

	for {
		var ev struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			log.Fatalf("event stream: %v", err)
		}

		switch ev.Type {
		case "batch_progress":
			var p struct {
				Completed int    `json:"completed"`
				Total     int    `json:"total"`
				Filename  string `json:"filename"`
			}
			if json.Unmarshal(ev.Data, &p) == nil {
				log.Printf("[%d/%d] %s", p.Completed, p.Total, p.Filename)
			}
		case "all_finished":
			var p struct {
				SuccessCount int  `json:"success_count"`
				FailedCount  int  `json:"failed_count"`
				Cancelled    bool `json:"cancelled"`
			}
			if json.Unmarshal(ev.Data, &p) == nil {
				log.Printf("Batch done: %d succeeded, %d failed, cancelled=%v",
					p.SuccessCount, p.FailedCount, p.Cancelled)
			}
			return
		}
	}
}

func postJSON(url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
