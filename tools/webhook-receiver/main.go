// Command webhook-receiver is a local sink for marketalert webhook alerts.
// It verifies signatures when WEBHOOK_SECRET is set and counts redeliveries
// of the same match.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

const (
	headerMatchID   = "X-MarketAlert-Match-ID"
	headerSignature = "X-MarketAlert-Signature"
)

type request struct {
	Timestamp string `json:"timestamp"`
	MatchID   string `json:"match_id"`
	Duplicate bool   `json:"duplicate"`
	Body      string `json:"body"`
}

type stats struct {
	Count        int64     `json:"count"`
	Unique       int       `json:"unique_matches"`
	Rejected     int64     `json:"rejected"`
	LastRequests []request `json:"last_requests"`
	Since        string    `json:"since"`
}

var (
	mu           sync.Mutex
	count        int64
	rejected     int64
	seen         = make(map[string]struct{})
	lastRequests []request
	since        time.Time
	maxStored    = 50
	secret       string
)

func main() {
	since = time.Now().UTC()
	secret = os.Getenv("WEBHOOK_SECRET")

	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	http.HandleFunc("/hook", hookHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		rejected = 0
		seen = make(map[string]struct{})
		lastRequests = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	if secret == "" {
		log.Println("webhook-receiver: WEBHOOK_SECRET not set; signatures are not checked")
	}
	log.Printf("webhook-receiver listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func validSignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal([]byte(hex.EncodeToString(mac.Sum(nil))), []byte(signature))
}

func hookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if secret != "" && !validSignature(body, r.Header.Get(headerSignature)) {
		mu.Lock()
		rejected++
		mu.Unlock()
		log.Printf("hook rejected: bad signature for match %s", r.Header.Get(headerMatchID))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	matchID := r.Header.Get(headerMatchID)

	mu.Lock()
	count++
	_, dup := seen[matchID]
	seen[matchID] = struct{}{}
	lastRequests = append(lastRequests, request{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		MatchID:   matchID,
		Duplicate: dup,
		Body:      string(body),
	})
	if len(lastRequests) > maxStored {
		lastRequests = lastRequests[len(lastRequests)-maxStored:]
	}
	current := count
	mu.Unlock()

	log.Printf("hook received #%d match=%s duplicate=%t", current, matchID, dup)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:        count,
		Unique:       len(seen),
		Rejected:     rejected,
		LastRequests: lastRequests,
		Since:        since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
