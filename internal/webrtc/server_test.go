package webrtc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// browserOffer builds an offer the way the preview page does: a local
// peer that opens the occupancy data channel.
func browserOffer(t *testing.T) (*webrtc.PeerConnection, []byte) {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	_, err = pc.CreateDataChannel(DataChannelLabel, nil)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(offer))
	<-gathered

	raw, err := json.Marshal(pc.LocalDescription())
	require.NoError(t, err)
	return pc, raw
}

func TestHandleOfferReturnsAnswer(t *testing.T) {
	s := NewServer(Config{MaxClients: 2})
	defer s.Close()

	var (
		mu     sync.Mutex
		counts [][2]int
	)
	s.OnClientCount(func(active, total int) {
		mu.Lock()
		counts = append(counts, [2]int{active, total})
		mu.Unlock()
	})

	pc, offer := browserOffer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	raw, err := s.HandleOffer(ctx, offer)
	require.NoError(t, err)

	var answer webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(raw, &answer))
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.Contains(t, answer.SDP, "webrtc-datachannel")
	require.NoError(t, pc.SetRemoteDescription(answer))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, counts)
	assert.Equal(t, [2]int{1, 1}, counts[0])
}

func TestHandleOfferRejectsBadInput(t *testing.T) {
	s := NewServer(Config{})
	_, err := s.HandleOffer(context.Background(), []byte("not json"))
	assert.ErrorContains(t, err, "failed to parse offer")
}

func TestHandleOfferClientLimit(t *testing.T) {
	s := NewServer(Config{MaxClients: 1})
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, first := browserOffer(t)
	_, err := s.HandleOffer(ctx, first)
	require.NoError(t, err)

	_, second := browserOffer(t)
	_, err = s.HandleOffer(ctx, second)
	assert.ErrorContains(t, err, "maximum clients")

	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.GetClientCount())
}

func TestHandleOfferClientLimitConcurrent(t *testing.T) {
	s := NewServer(Config{MaxClients: 1})
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 4
	offers := make([][]byte, n)
	for i := range offers {
		_, offers[i] = browserOffer(t)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for _, offer := range offers {
		wg.Add(1)
		go func(offer []byte) {
			defer wg.Done()
			if _, err := s.HandleOffer(ctx, offer); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else {
				assert.ErrorContains(t, err, "maximum clients")
			}
		}(offer)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, s.GetClientCount())
}

func TestReservedSlotBlocksOffer(t *testing.T) {
	s := NewServer(Config{MaxClients: 1})
	defer s.Close()
	require.NoError(t, s.reserveSlot())

	_, offer := browserOffer(t)
	_, err := s.HandleOffer(context.Background(), offer)
	assert.ErrorContains(t, err, "maximum clients")

	s.releaseSlot()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = s.HandleOffer(ctx, offer)
	require.NoError(t, err)
	assert.Equal(t, 1, s.GetClientCount())
}

func TestBroadcastKeepsLatest(t *testing.T) {
	s := NewServer(Config{})
	assert.Nil(t, s.Latest())
	s.Broadcast([]byte(`{"epoch":1}`))
	s.Broadcast([]byte(`{"epoch":2}`))
	assert.Equal(t, `{"epoch":2}`, string(s.Latest()))
}
