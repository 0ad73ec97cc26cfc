package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/hau2park/parking-monitor/internal/logger"
)

// DataChannelLabel is the channel name browsers must open.
const DataChannelLabel = "occupancy"

// Client represents a connected WebRTC client
type Client struct {
	id           string
	peerConn     *webrtc.PeerConnection
	sendChan     chan []byte
	closeChan    chan struct{}
	closeOnce    sync.Once
	messagesSent atomic.Uint64
	messagesDrop atomic.Uint64
}

// Config tunes the WebRTC server.
type Config struct {
	STUNServers []string
	MaxClients  int
	// IncludeLoopback adds 127.0.0.1 host candidates; useful on a
	// single machine.
	IncludeLoopback bool
}

// Server answers browser offers and pushes status snapshots over a data
// channel.
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	pending    int
	api        *webrtc.API

	latestMu sync.RWMutex
	latest   []byte

	onCount func(active, total int)
	total   int
}

// NewServer creates a new WebRTC server
func NewServer(cfg Config) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, url := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 8
	}

	settingsEngine := webrtc.SettingEngine{
		LoggerFactory: logger.PionFactory{},
	}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})
	settingsEngine.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine))

	return &Server{
		clients: make(map[string]*Client),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		maxClients: cfg.MaxClients,
		api:        api,
		onCount:    func(int, int) {},
	}
}

// OnClientCount registers a callback run whenever a client joins or leaves.
func (s *Server) OnClientCount(fn func(active, total int)) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.onCount = fn
}

// HandleOffer handles a WebRTC offer and returns an answer with every ICE
// candidate included.
func (s *Server) HandleOffer(ctx context.Context, offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}

	if err := s.reserveSlot(); err != nil {
		return nil, err
	}
	reserved := true
	defer func() {
		if reserved {
			s.releaseSlot()
		}
	}()

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:        uuid.NewString(),
		peerConn:  peerConn,
		sendChan:  make(chan []byte, 16),
		closeChan: make(chan struct{}),
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			logger.Debug("WebRTC", "Client %s opened unknown channel %q", client.id, dc.Label())
			return
		}
		dc.OnOpen(func() {
			logger.Info("WebRTC", "Client %s data channel open", client.id)
			if latest := s.Latest(); latest != nil {
				if err := dc.SendText(string(latest)); err != nil {
					logger.Debug("WebRTC", "Initial send to %s failed: %v", client.id, err)
				}
			}
			go s.sendMessages(client, dc)
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)

	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		peerConn.Close()
		return nil, fmt.Errorf("ICE gathering: %w", ctx.Err())
	}
	logger.Debug("WebRTC", "ICE gathering complete for client %s", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		peerConn.Close()
		return nil, fmt.Errorf("no local description available")
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	s.clientsMu.Lock()
	reserved = false
	s.pending--
	s.clients[client.id] = client
	s.total++
	active, total, onCount := len(s.clients), s.total, s.onCount
	s.clientsMu.Unlock()
	onCount(active, total)

	logger.Info("WebRTC", "Client %s connected", client.id)
	return answerJSON, nil
}

// reserveSlot claims a client slot for an offer still negotiating.
func (s *Server) reserveSlot() error {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if len(s.clients)+s.pending >= s.maxClients {
		return fmt.Errorf("maximum clients reached (%d)", s.maxClients)
	}
	s.pending++
	return nil
}

func (s *Server) releaseSlot() {
	s.clientsMu.Lock()
	s.pending--
	s.clientsMu.Unlock()
}

// Broadcast sends payload to every open data channel and keeps it for
// clients that connect later.
func (s *Server) Broadcast(payload []byte) {
	s.latestMu.Lock()
	s.latest = payload
	s.latestMu.Unlock()

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.sendChan <- payload:
			client.messagesSent.Add(1)
		default:
			client.messagesDrop.Add(1)
		}
	}
}

// Latest returns the last broadcast payload.
func (s *Server) Latest() []byte {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	return s.latest
}

func (s *Server) sendMessages(client *Client, dc *webrtc.DataChannel) {
	for {
		select {
		case <-client.closeChan:
			return
		case msg := <-client.sendChan:
			if err := dc.SendText(string(msg)); err != nil {
				logger.Warn("WebRTC", "Error sending to client %s: %v", client.id, err)
				return
			}
		}
	}
}

// RemoveClient removes a client by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	active, total, onCount := len(s.clients), s.total, s.onCount
	s.clientsMu.Unlock()

	if !exists {
		return
	}

	client.closeOnce.Do(func() { close(client.closeChan) })
	if err := client.peerConn.Close(); err != nil {
		logger.Debug("WebRTC", "Closing client %s: %v", clientID, err)
	}
	onCount(active, total)

	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.messagesSent.Load(), client.messagesDrop.Load())
}

// GetClientCount returns the number of connected clients
func (s *Server) GetClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Close closes all client connections
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
