package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

// stream_check connects to the monitoring API's /ws stream and logs every
// snapshot and alert frame until interrupted or the timeout passes.
//
// Usage:
//   go run ./scripts/stream_check -url ws://localhost:8080/ws -timeout 10m

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type snapshotHead struct {
	GeneratedAt   time.Time `json:"generated_at"`
	Price         float64   `json:"price"`
	OpenPositions []any     `json:"open_positions"`
	Account       struct {
		Equity float64 `json:"equity"`
	} `json:"account"`
	Risk struct {
		State string `json:"state"`
	} `json:"risk"`
}

type alertHead struct {
	Level   string `json:"level"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "stream endpoint")
	timeout := flag.Duration("timeout", 10*time.Minute, "stop after this long")
	flag.Parse()

	log.Println("=== Stream check starting ===")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *url, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", *url, err)
	}
	defer conn.Close()
	log.Printf("connected to %s", *url)

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	var snapshots, alerts int
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() == nil {
				log.Printf("read: %v", err)
			}
			break
		}
		switch f.Type {
		case "snapshot":
			snapshots++
			var s snapshotHead
			if err := json.Unmarshal(f.Data, &s); err != nil {
				log.Printf("[SNAPSHOT] decode: %v", err)
				continue
			}
			log.Printf("[SNAPSHOT] %s price=%.2f equity=%.4f open=%d risk=%s",
				s.GeneratedAt.Format(time.RFC3339), s.Price, s.Account.Equity, len(s.OpenPositions), s.Risk.State)
		case "alert":
			alerts++
			var a alertHead
			if err := json.Unmarshal(f.Data, &a); err != nil {
				log.Printf("[ALERT] decode: %v", err)
				continue
			}
			log.Printf("[ALERT] %s %s: %s", a.Level, a.Kind, a.Message)
		default:
			log.Printf("[%s] %s", f.Type, string(f.Data))
		}
	}

	log.Printf("=== Stream check finished: %d snapshot(s), %d alert(s) ===", snapshots, alerts)
}
