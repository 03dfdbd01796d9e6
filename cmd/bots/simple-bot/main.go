// simple-bot plays matches forever against whoever is in the lobby. Run two
// of them with different DUEL_BOT_USER_ID values to load-test a server.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"net/url"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/gorilla/websocket"

	"tokenduel/internal/match"
	"tokenduel/internal/network"
	"tokenduel/internal/session"
	"tokenduel/internal/session/message"
)

type botConfig struct {
	ServerURL string `env:"SERVER_URL" envDefault:"ws://server:8080/ws"`
	UserID    int64  `env:"USER_ID,required"`
	GameKind  string `env:"GAME_KIND" envDefault:"rps"`
	Bet       int64  `env:"BET" envDefault:"10"`
}

var choices = []string{"rock", "paper", "scissors"}

type bot struct {
	cfg  botConfig
	conn *websocket.Conn
}

func main() {
	var cfg botConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "DUEL_BOT_"}); err != nil {
		log.Fatalf("Fatal: %v", err)
	}

	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		log.Fatalf("Fatal: invalid server url: %v", err)
	}
	q := u.Query()
	q.Set("userId", strconv.FormatInt(cfg.UserID, 10))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Printf("Connection FAIL: could not connect to server: %v", err)
		return
	}
	defer conn.Close()
	log.Printf("[Bot %d] Connected. Starting match loop.", cfg.UserID)

	b := &bot{cfg: cfg, conn: conn}
	for {
		if err := b.playOne(); err != nil {
			log.Printf("[Bot %d] FAIL: %v", cfg.UserID, err)
			return
		}
		// think time between matches
		time.Sleep(time.Duration(2+rand.IntN(4)) * time.Second)
	}
}

func (b *bot) send(cmd string, payload any) error {
	msg, err := network.NewMessage(cmd, payload)
	if err != nil {
		return err
	}
	return b.conn.WriteJSON(msg)
}

func (b *bot) read(timeout time.Duration) (network.Message, error) {
	var msg network.Message
	b.conn.SetReadDeadline(time.Now().Add(timeout))
	err := b.conn.ReadJSON(&msg)
	return msg, err
}

// playOne joins an open match of another user, or creates one, and plays
// it to the end.
func (b *bot) playOne() error {
	if err := b.send(session.CmdListWaiting, map[string]string{"gameKind": b.cfg.GameKind}); err != nil {
		return err
	}

	var sessionID string
	for {
		// long enough to outlast an unanswered lobby wait
		msg, err := b.read(10 * time.Minute)
		if err != nil {
			return fmt.Errorf("no server response: %w", err)
		}

		switch msg.Type {
		case message.TypeError:
			var e message.ErrorPayload
			msg.Decode(&e)
			log.Printf("[Bot %d] %s rejected: %s (%s)", b.cfg.UserID, e.Command, e.Error, e.Code)
			// a move racing the end of the match is rejected; the result
			// event is still on its way
			if e.Command == session.CmdMove {
				continue
			}
			return nil

		case message.TypeSuccess:
			var resp struct {
				Command string          `json:"command"`
				Data    json.RawMessage `json:"data"`
			}
			if err := msg.Decode(&resp); err != nil {
				return err
			}
			switch resp.Command {
			case session.CmdListWaiting:
				var lobby []match.Summary
				json.Unmarshal(resp.Data, &lobby)
				if open := b.pick(lobby); open != "" {
					err = b.send(session.CmdJoinMatch, map[string]string{"sessionId": open})
				} else {
					err = b.send(session.CmdCreateMatch, map[string]any{"gameKind": b.cfg.GameKind, "betAmount": b.cfg.Bet})
				}
			case session.CmdJoinMatch:
				var v match.View
				json.Unmarshal(resp.Data, &v)
				sessionID = v.ID
				err = b.move(sessionID)
			case session.CmdCreateMatch:
				var v match.View
				json.Unmarshal(resp.Data, &v)
				sessionID = v.ID
				log.Printf("[Bot %d] Created %s, waiting for an opponent.", b.cfg.UserID, sessionID)
			}
			if err != nil {
				return err
			}

		case string(match.EventPlayerJoined), string(match.EventRoundResult):
			if err := b.move(sessionID); err != nil {
				return err
			}

		case string(match.EventMatchResolved):
			var res match.MatchResolved
			msg.Decode(&res)
			switch {
			case res.Draw:
				log.Printf("[Bot %d] Match %s ended in a draw.", b.cfg.UserID, res.SessionID)
			case res.WinnerID == b.cfg.UserID:
				log.Printf("[Bot %d] Won match %s %v.", b.cfg.UserID, res.SessionID, res.Scores)
			default:
				log.Printf("[Bot %d] Lost match %s %v.", b.cfg.UserID, res.SessionID, res.Scores)
			}
			return nil

		case string(match.EventMatchAborted):
			log.Printf("[Bot %d] Match %s aborted.", b.cfg.UserID, sessionID)
			return nil
		}
	}
}

func (b *bot) pick(lobby []match.Summary) string {
	for _, s := range lobby {
		if s.CreatorID != b.cfg.UserID {
			return s.ID
		}
	}
	return ""
}

func (b *bot) move(sessionID string) error {
	payload := map[string]string{"sessionId": sessionID}
	if b.cfg.GameKind != "dice" {
		payload["choice"] = choices[rand.IntN(len(choices))]
	}
	return b.send(session.CmdMove, payload)
}
