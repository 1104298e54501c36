// Package main runs a demo WebSocket client for realtime delivery events.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func mintToken(base, userID, role string) (string, error) {
	body := fmt.Sprintf(`{"userId":%q,"role":%q}`, userID, role)
	resp, err := http.Post(base+"/api/auth/token", "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	var env struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", err
	}
	if !env.Success || env.Data.Token == "" {
		return "", fmt.Errorf("token mint failed (is APP_ENV production?)")
	}
	return env.Data.Token, nil
}

func post(base, path, token, body string) error {
	req, _ := http.NewRequest(http.MethodPost, base+path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return nil
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3001"
	}
	base := fmt.Sprintf("http://localhost:%s", port)
	deliveryID := "d-demo"

	dispatcher, err := mintToken(base, "disp-demo", "dispatcher")
	if err != nil {
		log.Fatal(err)
	}
	driver, err := mintToken(base, "drv-demo", "driver")
	if err != nil {
		log.Fatal(err)
	}

	// An expected route the demo fix will deviate from.
	if err := post(base, "/api/security/expected-route", dispatcher,
		fmt.Sprintf(`{"deliveryId":%q,"zones":["zone-demo-corridor"]}`, deliveryID)); err != nil {
		log.Fatal(err)
	}

	// Connect and join the delivery room.
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/api/realtime/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String()+"?token="+dispatcher, nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	auth, _ := json.Marshal(map[string]string{"token": dispatcher})
	if err := c.WriteJSON(wsMessage{Type: "authenticate", Payload: auth}); err != nil {
		log.Fatal(err)
	}
	sub, _ := json.Marshal(map[string]string{"deliveryId": deliveryID})
	if err := c.WriteJSON(wsMessage{Type: "subscribe:delivery", Payload: sub}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
		}
	}()

	// An off-route fix raises a deviation alert on the delivery room.
	time.Sleep(500 * time.Millisecond)
	if err := post(base, "/api/security/location-update", driver,
		fmt.Sprintf(`{"deliveryId":%q,"latitude":-1.2921,"longitude":36.8219}`, deliveryID)); err != nil {
		log.Fatal(err)
	}

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
