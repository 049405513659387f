package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/boardrelay/internal/ink"
	"github.com/gorilla/websocket"
)

func TestWhiteboardUpdateReachesEveryPeerExceptSender(t *testing.T) {
	server := newTestServer(t)
	token := server.mintToken(t, "tutor-1", testSessionID)

	sockets := make([]*websocket.Conn, 0, 3)
	for i := 0; i < 3; i++ {
		socket := server.dial(t, testSessionID, "whiteboard", token)
		messageType, snapshot := readFrame(t, socket)
		if messageType != websocket.BinaryMessage {
			t.Fatalf("expected binary snapshot, got type %d", messageType)
		}
		if _, err := ink.DecodeSnapshot(snapshot); err != nil {
			t.Fatalf("expected decodable snapshot: %v", err)
		}
		sockets = append(sockets, socket)
	}
	sender, peerB, peerC := sockets[0], sockets[1], sockets[2]

	update := []byte{0x01, 0x02, 0x03}
	if err := sender.WriteMessage(websocket.BinaryMessage, update); err != nil {
		t.Fatalf("failed to send update: %v", err)
	}

	for _, peer := range []*websocket.Conn{peerB, peerC} {
		messageType, payload := readFrame(t, peer)
		if messageType != websocket.BinaryMessage || !bytes.Equal(payload, update) {
			t.Fatalf("expected relayed update, got type %d payload %v", messageType, payload)
		}
	}
	expectSilence(t, sender)
}

func TestWhiteboardLateJoinerReceivesMergedSnapshot(t *testing.T) {
	server := newTestServer(t)
	token := server.mintToken(t, "tutor-1")

	first := server.dial(t, testSessionID, "whiteboard", token)
	readFrame(t, first)
	second := server.dial(t, testSessionID, "whiteboard", token)
	readFrame(t, second)

	updates := [][]byte{{0x0a}, {0x0b}}
	for _, update := range updates {
		if err := first.WriteMessage(websocket.BinaryMessage, update); err != nil {
			t.Fatalf("failed to send update: %v", err)
		}
		readFrame(t, second)
	}

	late := server.dial(t, testSessionID, "whiteboard", token)
	_, snapshot := readFrame(t, late)
	contained, err := ink.DecodeSnapshot(snapshot)
	if err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if len(contained) != len(updates) {
		t.Fatalf("expected %d updates in snapshot, got %d", len(updates), len(contained))
	}
}

func TestWhiteboardOversizedUpdateClosesOnlySender(t *testing.T) {
	server := newTestServer(t)
	token := server.mintToken(t, "tutor-1")

	sender := server.dial(t, testSessionID, "whiteboard", token)
	readFrame(t, sender)
	peer := server.dial(t, testSessionID, "whiteboard", token)
	readFrame(t, peer)

	if err := sender.WriteMessage(websocket.BinaryMessage, make([]byte, 2048)); err != nil {
		t.Fatalf("failed to send update: %v", err)
	}
	expectCloseCode(t, sender, websocket.CloseMessageTooBig)

	if err := peer.WriteMessage(websocket.BinaryMessage, []byte{0x07}); err != nil {
		t.Fatalf("peer must stay connected: %v", err)
	}
	expectSilence(t, peer)
}

func TestSocketCloseCodes(t *testing.T) {
	server := newTestServer(t)
	token := server.mintToken(t, "tutor-1", testSessionID)

	testCases := []struct {
		name      string
		sessionID string
		token     string
		wantCode  int
	}{
		{name: "invalid-session", sessionID: "bad$id", token: token, wantCode: CloseInvalidSession},
		{name: "missing-token", sessionID: testSessionID, token: "", wantCode: CloseUnauthorized},
		{name: "forged-token", sessionID: testSessionID, token: "not-a-jwt", wantCode: CloseUnauthorized},
		{name: "session-out-of-scope", sessionID: "lesson-2", token: token, wantCode: CloseUnauthorized},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			for _, channel := range []string{"whiteboard", "tutor"} {
				socket := server.dial(t, testCase.sessionID, channel, testCase.token)
				expectCloseCode(t, socket, testCase.wantCode)
			}
		})
	}
}

func TestTutorChannelControlMessages(t *testing.T) {
	server := newTestServer(t)
	socket := server.dial(t, testSessionID, "tutor", server.mintToken(t, "tutor-1"))

	testCases := []struct {
		name     string
		payload  string
		wantType string
	}{
		{name: "ping", payload: `{"type":"ping"}`, wantType: "pong"},
		{name: "malformed", payload: `{"type":`, wantType: "error"},
		{name: "missing-type", payload: `{}`, wantType: "error"},
		{name: "unknown-type", payload: `{"type":"dance"}`, wantType: "error"},
	}

	for _, testCase := range testCases {
		if err := socket.WriteMessage(websocket.TextMessage, []byte(testCase.payload)); err != nil {
			t.Fatalf("%s: failed to send: %v", testCase.name, err)
		}
		messageType, payload := readFrame(t, socket)
		if messageType != websocket.TextMessage {
			t.Fatalf("%s: expected text reply, got %d", testCase.name, messageType)
		}
		var reply map[string]any
		if err := json.Unmarshal(payload, &reply); err != nil {
			t.Fatalf("%s: invalid reply %q: %v", testCase.name, payload, err)
		}
		if reply["type"] != testCase.wantType {
			t.Fatalf("%s: expected %q, got %v", testCase.name, testCase.wantType, reply)
		}
		if testCase.wantType == "error" && reply["detail"] == "" {
			t.Fatalf("%s: expected error detail", testCase.name)
		}
	}
}

func TestBoardCommitIsAnnouncedOnTutorChannel(t *testing.T) {
	server := newTestServer(t)
	token := server.mintToken(t, "tutor-1")
	tutor := server.dial(t, testSessionID, "tutor", token)
	if err := tutor.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("failed to ping: %v", err)
	}
	readFrame(t, tutor)

	response := server.do(t, http.MethodPost, "/sessions/"+testSessionID+"/board/patches", token,
		`{"patch":{"creates":[{"id":"r1","kind":"rect","x":0,"y":0,"width":10,"height":10}]}}`)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected commit, got %d", response.StatusCode)
	}

	_, payload := readFrame(t, tutor)
	var update struct {
		Type         string `json:"type"`
		SessionID    string `json:"sessionId"`
		BoardVersion int64  `json:"boardVersion"`
		Summary      string `json:"summary"`
	}
	if err := json.Unmarshal(payload, &update); err != nil {
		t.Fatalf("invalid notification %q: %v", payload, err)
	}
	if update.Type != "board_updated" || update.SessionID != testSessionID || update.BoardVersion != 1 {
		t.Fatalf("unexpected notification: %+v", update)
	}
	if update.Summary != "1 created, 0 updated, 0 deleted" {
		t.Fatalf("unexpected summary: %q", update.Summary)
	}
}

func TestCloseFrameForCauses(t *testing.T) {
	testCases := []struct {
		name     string
		cause    error
		wantCode int
	}{
		{name: "client-gone", cause: nil, wantCode: websocket.CloseNormalClosure},
		{name: "too-large", cause: ink.ErrUpdateTooLarge, wantCode: websocket.CloseMessageTooBig},
		{name: "document-full", cause: ink.ErrDocumentFull, wantCode: websocket.ClosePolicyViolation},
		{name: "text-frame", cause: errTextOnWhiteboard, wantCode: websocket.CloseUnsupportedData},
	}
	for _, testCase := range testCases {
		if code, _ := closeFrameFor(testCase.cause); code != testCase.wantCode {
			t.Fatalf("%s: expected %d, got %d", testCase.name, testCase.wantCode, code)
		}
	}
}
