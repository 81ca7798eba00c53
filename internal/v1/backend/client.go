// Package backend is the HTTP client for the main application backend. All
// calls carry the shared internal key, run under a hard deadline, and go
// through a circuit breaker so a degraded backend cannot pile up goroutines
// here.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/voicelink/signaling/internal/v1/logging"
	"github.com/voicelink/signaling/internal/v1/metrics"
	"github.com/voicelink/signaling/internal/v1/types"
)

const requestTimeout = 10 * time.Second

// Client talks to the backend's internal API.
type Client struct {
	baseURL     string
	internalKey string
	http        *http.Client
	cb          *gobreaker.CircuitBreaker
}

// NewClient builds a Client for the given base URL.
func NewClient(baseURL, internalKey string) *Client {
	st := gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("backend").Set(v)
		},
		// Domain refusals (404 and friends) are healthy responses; only
		// transport-level failures should trip the breaker.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var de *types.DomainError
			return errors.As(err, &de)
		},
	}
	return &Client{
		baseURL:     baseURL,
		internalKey: internalKey,
		http:        &http.Client{Timeout: requestTimeout},
		cb:          gobreaker.NewCircuitBreaker(st),
	}
}

// BatchResult reports per-transaction settlement outcomes for a gift batch.
type BatchResult struct {
	ProcessedCount int            `json:"processed_count"`
	Failed         []BatchFailure `json:"failed"`
}

// BatchFailure identifies one transaction the backend refused and why.
type BatchFailure struct {
	TransactionId string `json:"transactionId"`
	Code          int    `json:"code"`
	Reason        string `json:"reason"`
}

// SettleGiftBatch submits a gift batch for settlement. A nil error with
// failures in the result means the batch was processed but some transactions
// were refused for good (insufficient balance and the like); those must not
// be retried.
func (c *Client) SettleGiftBatch(ctx context.Context, batch []types.GiftTransaction) (*BatchResult, error) {
	body := struct {
		Transactions []types.GiftTransaction `json:"transactions"`
	}{Transactions: batch}

	var result BatchResult
	if err := c.do(ctx, http.MethodPost, "/internal/gifts/batch", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RoomInfo is the backend's record of a room.
type RoomInfo struct {
	RoomId  string           `json:"room_id,omitempty"`
	OwnerId types.UserIdType `json:"owner_id"`
	Title   string           `json:"title,omitempty"`
}

// GetRoom fetches the backend's room record; types.ErrRoomNotFound on 404.
func (c *Client) GetRoom(ctx context.Context, roomId string) (*RoomInfo, error) {
	var info RoomInfo
	if err := c.do(ctx, http.MethodGet, "/internal/rooms/"+roomId, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetRole resolves a user's role within a room.
func (c *Client) GetRole(ctx context.Context, roomId string, userId types.UserIdType) (types.RoomRole, error) {
	var out struct {
		Role types.RoomRole `json:"role"`
	}
	path := "/internal/rooms/" + roomId + "/members/" + strconv.FormatInt(int64(userId), 10) + "/role"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	if out.Role == "" {
		out.Role = types.RoomRoleMember
	}
	return out.Role, nil
}

// StatusUpdate is the room liveness report sent to the backend.
type StatusUpdate struct {
	Live             bool  `json:"live"`
	ParticipantCount int   `json:"participant_count"`
	StartedAt        int64 `json:"started_at,omitempty"`
	EndedAt          int64 `json:"ended_at,omitempty"`
}

// ReportRoomStatus notifies the backend of a room lifecycle change; failures
// are logged and swallowed because status reporting is advisory.
func (c *Client) ReportRoomStatus(ctx context.Context, roomId string, upd StatusUpdate) {
	if err := c.do(ctx, http.MethodPost, "/internal/rooms/"+roomId+"/status", upd, nil); err != nil {
		logging.Warn(ctx, "room status report failed",
			zap.String("room_id", roomId), zap.Bool("live", upd.Live), zap.Error(err))
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("marshal request: %w", err)
			}
			reader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("X-Internal-Key", c.internalKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, types.E(types.ErrRoomNotFound)
		case resp.StatusCode >= 400:
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, data)
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("decode response: %w", err)
			}
		}
		return nil, nil
	})

	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("backend").Inc()
		return fmt.Errorf("backend circuit breaker open")
	}
	return err
}
