package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// DefaultICEServers is used when the relay's ICE endpoint is unreachable.
// STUN only: peers behind symmetric NAT will not connect with it.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
	{URLs: []string{"stun:stun.cloudflare.com:3478"}},
}

const iceServersPath = "/api/ice-servers"

type ICEFetcher struct {
	baseURL string
	token   string
	client  *http.Client
	log     *zap.SugaredLogger
}

func NewICEFetcher(baseURL, token string, log *zap.SugaredLogger) *ICEFetcher {
	return &ICEFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 5 * time.Second},
		log:     log,
	}
}

// ICEServers returns the relay's ICE server list, or DefaultICEServers if
// it cannot be fetched. It never fails.
func (f *ICEFetcher) ICEServers(ctx context.Context) []webrtc.ICEServer {
	servers, err := f.fetch(ctx)
	if err != nil {
		f.log.Warnf("ICE server fetch failed, using public STUN fallback: %v", err)
		return cloneServers(DefaultICEServers)
	}
	if len(servers) == 0 {
		return cloneServers(DefaultICEServers)
	}
	return servers
}

type iceServerEntry struct {
	URLs       stringList `json:"urls"`
	Username   string     `json:"username,omitempty"`
	Credential string     `json:"credential,omitempty"`
}

type iceServersResponse struct {
	ICEServers []iceServerEntry `json:"iceServers"`
}

func (f *ICEFetcher) fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	if f.baseURL == "" {
		return nil, fmt.Errorf("no API base URL configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+iceServersPath, nil)
	if err != nil {
		return nil, err
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", iceServersPath, resp.StatusCode)
	}

	var body iceServersResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ICE servers: %w", err)
	}

	servers := make([]webrtc.ICEServer, 0, len(body.ICEServers))
	for _, s := range body.ICEServers {
		if len(s.URLs) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// stringList accepts either a JSON string or an array of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = stringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

func cloneServers(in []webrtc.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(in))
	for i, s := range in {
		s.URLs = append([]string(nil), s.URLs...)
		out[i] = s
	}
	return out
}

// STUNURLs lists the stun: and stuns: URLs in servers.
func STUNURLs(servers []webrtc.ICEServer) []string {
	var urls []string
	for _, s := range servers {
		for _, u := range s.URLs {
			if strings.HasPrefix(u, "stun:") || strings.HasPrefix(u, "stuns:") {
				urls = append(urls, u)
			}
		}
	}
	return urls
}
