package transport

import "github.com/pion/webrtc/v4"

const fallbackSTUN = "stun:stun.l.google.com:19302"

// ICEServers builds the pion server list from config. An empty STUN list
// falls back to the public Google server; TURN is added only when set.
func ICEServers(stun []string, turnURL, turnUser, turnPass string) []webrtc.ICEServer {
	if len(stun) == 0 {
		stun = []string{fallbackSTUN}
	}
	servers := []webrtc.ICEServer{{URLs: stun}}
	if turnURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{turnURL},
			Username:   turnUser,
			Credential: turnPass,
		})
	}
	return servers
}
