package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "DIALTONE_ICE_SERVERS_JSON"

	envStunURLs       = "DIALTONE_STUN_URLS"
	envTurnURLs       = "DIALTONE_TURN_URLS"
	envTurnUsername   = "DIALTONE_TURN_USERNAME"
	envTurnCredential = "DIALTONE_TURN_CREDENTIAL"
)

// parseICEServersFromValues resolves the ICE server list for the media
// engine. The JSON form takes precedence; the STUN/TURN convenience
// variables are only consulted when it is empty.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := decodeICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return iceServersFromSplitEnv(stunURLs, turnURLs, turnUsername, turnCredential)
}

// decodeICEServersJSON accepts the RTCIceServer JSON shape, where urls may
// be a single string or an array of strings.
func decodeICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []struct {
		URLs       json.RawMessage `json:"urls"`
		Username   string          `json:"username,omitempty"`
		Credential string          `json:"credential,omitempty"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		urls, err := decodeURLList(entry.URLs)
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		server := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(entry.Username),
		}
		if strings.TrimSpace(entry.Credential) != "" {
			server.Credential = entry.Credential
		}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func decodeURLList(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var one string
		if err2 := json.Unmarshal(raw, &one); err2 != nil {
			return nil, err
		}
		list = []string{one}
	}
	out := make([]string, 0, len(list))
	for _, u := range list {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out, nil
}

func iceServersFromSplitEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if stun := splitList(stunURLs); len(stun) > 0 {
		server := webrtc.ICEServer{URLs: stun}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	turn := splitList(turnURLs)
	if len(turn) == 0 {
		return servers, nil
	}
	user := strings.TrimSpace(turnUsername)
	cred := strings.TrimSpace(turnCredential)
	if user == "" || cred == "" {
		return nil, fmt.Errorf("%s and %s must both be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
	}
	server := webrtc.ICEServer{URLs: turn, Username: user, Credential: cred}
	if err := checkICEServer(server); err != nil {
		return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
	}
	return append(servers, server), nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func checkICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("no urls")
	}

	needsCreds := false
	for _, u := range server.URLs {
		scheme, _, ok := strings.Cut(u, ":")
		if !ok {
			return fmt.Errorf("malformed url %q", u)
		}
		switch scheme {
		case "stun", "stuns":
		case "turn", "turns":
			needsCreds = true
		default:
			return fmt.Errorf("unsupported url scheme %q", u)
		}
	}

	if needsCreds {
		if strings.TrimSpace(server.Username) == "" {
			return errors.New("turn urls require a username")
		}
		cred, _ := server.Credential.(string)
		if strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require a credential")
		}
	}
	return nil
}
